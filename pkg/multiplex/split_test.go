package multiplex

import (
	"bytes"
	"io"
	"testing"

	"gotest.tools/v3/assert"
)

type fakeStream struct {
	bytes.Buffer
	halfClosed bool
	closed     int
}

func (f *fakeStream) CloseWrite() error {
	f.halfClosed = true
	return nil
}

func (f *fakeStream) Close() error {
	f.closed++
	return nil
}

type plainStream struct {
	io.ReadWriter
	closed int
}

func (p *plainStream) Close() error {
	p.closed++
	return nil
}

func TestSplitClosesOnceBothHalvesClosed(t *testing.T) {
	f := &fakeStream{}
	send, recv := Split(f)
	assert.NilError(t, send.Write([]byte("abc")))
	p, err := recv.Read(2)
	assert.NilError(t, err)
	assert.Equal(t, string(p), "ab")

	assert.NilError(t, send.Close())
	assert.Assert(t, f.halfClosed)
	assert.Equal(t, f.closed, 0)
	assert.NilError(t, send.Close())
	assert.NilError(t, recv.Close())
	assert.NilError(t, recv.Close())
	assert.Equal(t, f.closed, 1)
}

func TestSplitWithoutHalfClose(t *testing.T) {
	p := &plainStream{ReadWriter: &bytes.Buffer{}}
	send, recv := Split(p)
	assert.NilError(t, recv.Close())
	assert.Equal(t, p.closed, 0)
	assert.NilError(t, send.Close())
	assert.Equal(t, p.closed, 1)
}

func TestSplitReadEOF(t *testing.T) {
	_, recv := Split(&plainStream{ReadWriter: &bytes.Buffer{}})
	_, err := recv.Read(8)
	assert.Equal(t, err, io.EOF)
}
