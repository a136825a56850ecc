package crypto

import (
	"crypto/sha1"

	"github.com/templexxx/xorsimd"
	"golang.org/x/crypto/pbkdf2"
)

var (
	xorKeySalt = []byte{0xFB, 0xFA, 0xFF}
)

const (
	BlockSize = 1024
)

// XOR obfuscates buffers block by block with a stretched key.
type XOR struct {
	Key []byte
}

// Apply xors buf in place. Applying it twice restores the input.
func (crypto *XOR) Apply(buf []byte) int {
	var (
		offset int
		limit  int
		result int
	)
	if len(crypto.Key) < BlockSize {
		return 0
	}
	for offset = 0; offset < len(buf); offset += BlockSize {
		limit = offset + BlockSize
		if limit > len(buf) {
			limit = len(buf)
		}
		result += xorsimd.Bytes(buf[offset:limit], buf[offset:limit], crypto.Key)
	}
	return result
}

func (crypto *XOR) Encrypt(src []byte) (dst []byte, err error) {
	crypto.Apply(src)
	return src, nil
}

func (crypto *XOR) Decrypt(src []byte) (dst []byte, err error) {
	crypto.Apply(src)
	return src, nil
}

// NewXOR stretches key to BlockSize bytes. A key of exactly BlockSize is used as is.
func NewXOR(key []byte) *XOR {
	if len(key) == BlockSize {
		return &XOR{Key: key}
	}
	return &XOR{
		Key: pbkdf2.Key(key, xorKeySalt, 4, BlockSize, sha1.New),
	}
}
