package packet

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"
	"unicode/utf8"
)

var (
	// ErrEncode is wrapped by every Marshal failure.
	ErrEncode = errors.New("encode error")
	// ErrDecode is wrapped by every Unmarshal failure.
	ErrDecode = errors.New("decode error")
)

const (
	optionNone = 0x00
	optionSome = 0x01

	// zero-size elements carry no bytes, so their counts need a cap of their own
	maxZeroSizeElements = 1 << 16

	// decoded slices and maps start with at most this much memory and grow as
	// elements actually decode
	maxPrealloc = 1 << 20
)

var (
	marshalerType   = reflect.TypeOf((*encoding.BinaryMarshaler)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*encoding.BinaryUnmarshaler)(nil)).Elem()

	fieldCache sync.Map // map[reflect.Type][]int
	sizeCache  sync.Map // map[reflect.Type]int
)

func encodeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrEncode, fmt.Sprintf(format, args...))
}

func decodeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

// fields returns the indexes of the struct fields that take part in encoding.
func fields(t reflect.Type) []int {
	if v, ok := fieldCache.Load(t); ok {
		return v.([]int)
	}
	idx := make([]int, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("packet") == "-" {
			continue
		}
		idx = append(idx, i)
	}
	fieldCache.Store(t, idx)
	return idx
}

// wireSize is the smallest number of bytes a value of type t encodes to.
func wireSize(t reflect.Type) (n int) {
	if v, ok := sizeCache.Load(t); ok {
		return v.(int)
	}
	defer func() {
		sizeCache.Store(t, n)
	}()
	if isBinaryCodec(t) {
		return 8
	}
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		return 4
	case reflect.Int64, reflect.Uint64, reflect.Int, reflect.Uint, reflect.Float64:
		return 8
	case reflect.String, reflect.Slice, reflect.Map:
		return 8
	case reflect.Pointer:
		return 1
	case reflect.Array:
		return t.Len() * wireSize(t.Elem())
	case reflect.Struct:
		for _, i := range fields(t) {
			n += wireSize(t.Field(i).Type)
		}
		return n
	default:
		return 1
	}
}

func preallocate(n int, elemSize uintptr) int {
	if elemSize == 0 {
		return n
	}
	if limit := int(maxPrealloc / elemSize); n > limit {
		return limit
	}
	return n
}

func isBinaryCodec(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		return false
	}
	pt := reflect.PointerTo(t)
	return pt.Implements(unmarshalerType) && (t.Implements(marshalerType) || pt.Implements(marshalerType))
}

func appendLength(buf []byte, n int) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(n))
}

// Marshal encodes v with a fixed-width little-endian layout. The layout carries
// no type information; the decoding side must know the type in advance.
func Marshal(v any) ([]byte, error) {
	return Append(nil, v)
}

// Append encodes v onto buf.
func Append(buf []byte, v any) ([]byte, error) {
	if v == nil {
		return nil, encodeErrorf("nil value")
	}
	return encodeValue(buf, reflect.ValueOf(v))
}

func encodeValue(buf []byte, v reflect.Value) (_ []byte, err error) {
	t := v.Type()
	if isBinaryCodec(t) {
		var m encoding.BinaryMarshaler
		if t.Implements(marshalerType) {
			m = v.Interface().(encoding.BinaryMarshaler)
		} else {
			p := reflect.New(t)
			p.Elem().Set(v)
			m = p.Interface().(encoding.BinaryMarshaler)
		}
		var data []byte
		if data, err = m.MarshalBinary(); err != nil {
			return nil, encodeErrorf("%s: %v", t, err)
		}
		buf = appendLength(buf, len(data))
		return append(buf, data...), nil
	}
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case reflect.Int8:
		return append(buf, byte(v.Int())), nil
	case reflect.Uint8:
		return append(buf, byte(v.Uint())), nil
	case reflect.Int16:
		return binary.LittleEndian.AppendUint16(buf, uint16(v.Int())), nil
	case reflect.Uint16:
		return binary.LittleEndian.AppendUint16(buf, uint16(v.Uint())), nil
	case reflect.Int32:
		return binary.LittleEndian.AppendUint32(buf, uint32(v.Int())), nil
	case reflect.Uint32:
		return binary.LittleEndian.AppendUint32(buf, uint32(v.Uint())), nil
	case reflect.Int64, reflect.Int:
		return binary.LittleEndian.AppendUint64(buf, uint64(v.Int())), nil
	case reflect.Uint64, reflect.Uint:
		return binary.LittleEndian.AppendUint64(buf, v.Uint()), nil
	case reflect.Float32:
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v.Float()))), nil
	case reflect.Float64:
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Float())), nil
	case reflect.String:
		s := v.String()
		if !utf8.ValidString(s) {
			return nil, encodeErrorf("string is not valid utf-8")
		}
		buf = appendLength(buf, len(s))
		return append(buf, s...), nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			buf = appendLength(buf, v.Len())
			return append(buf, v.Bytes()...), nil
		}
		buf = appendLength(buf, v.Len())
		for i := 0; i < v.Len(); i++ {
			if buf, err = encodeValue(buf, v.Index(i)); err != nil {
				return
			}
		}
		return buf, nil
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if buf, err = encodeValue(buf, v.Index(i)); err != nil {
				return
			}
		}
		return buf, nil
	case reflect.Map:
		return encodeMap(buf, v)
	case reflect.Struct:
		for _, i := range fields(t) {
			if buf, err = encodeValue(buf, v.Field(i)); err != nil {
				return
			}
		}
		return buf, nil
	case reflect.Pointer:
		if v.IsNil() {
			return append(buf, optionNone), nil
		}
		return encodeValue(append(buf, optionSome), v.Elem())
	default:
		return nil, encodeErrorf("unsupported type %s", t)
	}
}

func encodeMap(buf []byte, v reflect.Value) (_ []byte, err error) {
	type entry struct {
		key   []byte
		value reflect.Value
	}
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		var key []byte
		if key, err = encodeValue(nil, iter.Key()); err != nil {
			return
		}
		entries = append(entries, entry{key: key, value: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})
	buf = appendLength(buf, len(entries))
	for _, e := range entries {
		buf = append(buf, e.key...)
		if buf, err = encodeValue(buf, e.value); err != nil {
			return
		}
	}
	return buf, nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, decodeErrorf("truncated input: need %d bytes, have %d", n, d.remaining())
	}
	p := d.buf[d.off : d.off+n]
	d.off += n
	return p, nil
}

// length reads a count of elements that encode to at least elemSize bytes each.
func (d *decoder) length(elemSize int) (int, error) {
	p, err := d.take(8)
	if err != nil {
		return 0, err
	}
	n := binary.LittleEndian.Uint64(p)
	if elemSize == 0 {
		if n > maxZeroSizeElements {
			return 0, decodeErrorf("length %d out of range", n)
		}
	} else if n > uint64(d.remaining()/elemSize) {
		return 0, decodeErrorf("length %d exceeds remaining %d bytes", n, d.remaining())
	}
	return int(n), nil
}

// Unmarshal decodes data into the value pointed to by v. The whole input must be consumed.
func Unmarshal(data []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return decodeErrorf("non-nil pointer required, got %T", v)
	}
	d := &decoder{buf: data}
	if err := d.decodeValue(rv.Elem()); err != nil {
		return err
	}
	if d.remaining() != 0 {
		return decodeErrorf("%d trailing bytes", d.remaining())
	}
	return nil
}

func (d *decoder) decodeValue(v reflect.Value) (err error) {
	var p []byte
	t := v.Type()
	if isBinaryCodec(t) {
		var n int
		if n, err = d.length(1); err != nil {
			return
		}
		if p, err = d.take(n); err != nil {
			return
		}
		data := append([]byte(nil), p...)
		if err = v.Addr().Interface().(encoding.BinaryUnmarshaler).UnmarshalBinary(data); err != nil {
			return decodeErrorf("%s: %v", t, err)
		}
		return nil
	}
	switch v.Kind() {
	case reflect.Bool:
		if p, err = d.take(1); err != nil {
			return
		}
		switch p[0] {
		case 0:
			v.SetBool(false)
		case 1:
			v.SetBool(true)
		default:
			return decodeErrorf("invalid bool byte 0x%02X", p[0])
		}
	case reflect.Int8:
		if p, err = d.take(1); err != nil {
			return
		}
		v.SetInt(int64(int8(p[0])))
	case reflect.Uint8:
		if p, err = d.take(1); err != nil {
			return
		}
		v.SetUint(uint64(p[0]))
	case reflect.Int16:
		if p, err = d.take(2); err != nil {
			return
		}
		v.SetInt(int64(int16(binary.LittleEndian.Uint16(p))))
	case reflect.Uint16:
		if p, err = d.take(2); err != nil {
			return
		}
		v.SetUint(uint64(binary.LittleEndian.Uint16(p)))
	case reflect.Int32:
		if p, err = d.take(4); err != nil {
			return
		}
		v.SetInt(int64(int32(binary.LittleEndian.Uint32(p))))
	case reflect.Uint32:
		if p, err = d.take(4); err != nil {
			return
		}
		v.SetUint(uint64(binary.LittleEndian.Uint32(p)))
	case reflect.Int64, reflect.Int:
		if p, err = d.take(8); err != nil {
			return
		}
		n := int64(binary.LittleEndian.Uint64(p))
		if v.OverflowInt(n) {
			return decodeErrorf("value %d overflows %s", n, t)
		}
		v.SetInt(n)
	case reflect.Uint64, reflect.Uint:
		if p, err = d.take(8); err != nil {
			return
		}
		n := binary.LittleEndian.Uint64(p)
		if v.OverflowUint(n) {
			return decodeErrorf("value %d overflows %s", n, t)
		}
		v.SetUint(n)
	case reflect.Float32:
		if p, err = d.take(4); err != nil {
			return
		}
		v.SetFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(p))))
	case reflect.Float64:
		if p, err = d.take(8); err != nil {
			return
		}
		v.SetFloat(math.Float64frombits(binary.LittleEndian.Uint64(p)))
	case reflect.String:
		var n int
		if n, err = d.length(1); err != nil {
			return
		}
		if p, err = d.take(n); err != nil {
			return
		}
		if !utf8.Valid(p) {
			return decodeErrorf("string is not valid utf-8")
		}
		v.SetString(string(p))
	case reflect.Slice:
		return d.decodeSlice(v)
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err = d.decodeValue(v.Index(i)); err != nil {
				return
			}
		}
	case reflect.Map:
		return d.decodeMap(v)
	case reflect.Struct:
		for _, i := range fields(t) {
			if err = d.decodeValue(v.Field(i)); err != nil {
				return
			}
		}
	case reflect.Pointer:
		if p, err = d.take(1); err != nil {
			return
		}
		switch p[0] {
		case optionNone:
			v.Set(reflect.Zero(t))
		case optionSome:
			elem := reflect.New(t.Elem())
			if err = d.decodeValue(elem.Elem()); err != nil {
				return
			}
			v.Set(elem)
		default:
			return decodeErrorf("invalid option tag 0x%02X", p[0])
		}
	default:
		return decodeErrorf("unsupported type %s", t)
	}
	return nil
}

func (d *decoder) decodeSlice(v reflect.Value) (err error) {
	var n int
	t := v.Type()
	if n, err = d.length(wireSize(t.Elem())); err != nil {
		return
	}
	if n == 0 {
		v.Set(reflect.Zero(t))
		return nil
	}
	if t.Elem().Kind() == reflect.Uint8 {
		var p []byte
		if p, err = d.take(n); err != nil {
			return
		}
		v.SetBytes(append([]byte(nil), p...))
		return nil
	}
	s := reflect.MakeSlice(t, 0, preallocate(n, t.Elem().Size()))
	elem := reflect.New(t.Elem()).Elem()
	for i := 0; i < n; i++ {
		elem.Set(reflect.Zero(t.Elem()))
		if err = d.decodeValue(elem); err != nil {
			return
		}
		s = reflect.Append(s, elem)
	}
	v.Set(s)
	return nil
}

func (d *decoder) decodeMap(v reflect.Value) (err error) {
	var n int
	t := v.Type()
	if n, err = d.length(wireSize(t.Key()) + wireSize(t.Elem())); err != nil {
		return
	}
	if n == 0 {
		v.Set(reflect.Zero(t))
		return nil
	}
	m := reflect.MakeMapWithSize(t, preallocate(n, t.Key().Size()+t.Elem().Size()))
	for i := 0; i < n; i++ {
		key := reflect.New(t.Key()).Elem()
		if err = d.decodeValue(key); err != nil {
			return
		}
		value := reflect.New(t.Elem()).Elem()
		if err = d.decodeValue(value); err != nil {
			return
		}
		m.SetMapIndex(key, value)
	}
	v.Set(m)
	return nil
}
