package stream

import (
	"bytes"
	"io"
	"net"
	"testing"

	"golang.org/x/sync/errgroup"
	"gotest.tools/v3/assert"
)

func TestConnRoundTrip(t *testing.T) {
	cases := map[string][]Option{
		"plain":    nil,
		"compress": {WithCompress()},
		"encrypt":  {WithEncrypt([]byte("secret"))},
		"both":     {WithCompress(), WithEncrypt([]byte("secret"))},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			left, right := net.Pipe()
			a, b := New(left, opts...), New(right, opts...)
			defer a.Close()
			defer b.Close()

			payloads := [][]byte{
				[]byte("short"),
				bytes.Repeat([]byte("compressible "), 200),
			}
			var g errgroup.Group
			g.Go(func() error {
				for _, p := range payloads {
					src := append([]byte(nil), p...)
					if _, err := a.Write(src); err != nil {
						return err
					}
					if !bytes.Equal(src, p) {
						t.Error("write modified the caller's buffer")
					}
				}
				return nil
			})
			for _, want := range payloads {
				got := make([]byte, len(want))
				_, err := io.ReadFull(b, got)
				assert.NilError(t, err)
				assert.DeepEqual(t, got, want)
			}
			assert.NilError(t, g.Wait())
		})
	}
}

func TestConnRejectsBadVersion(t *testing.T) {
	c := New(struct {
		io.Reader
		io.Writer
	}{bytes.NewReader([]byte{0x01, 0, 0, 0, 0, 1, 'x'}), io.Discard})
	_, err := c.Read(make([]byte, 4))
	assert.ErrorContains(t, err, "invalid stream protocol version")
}
