package utils

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/templexxx/xorsimd"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// SecretPrefix marks a secret stored obfuscated in a config file.
	SecretPrefix = "enc:"
)

var (
	Salt = []byte("chanmux")
)

func cryptKey() []byte {
	return pbkdf2.Key(Salt, Salt, 2, 256, sha1.New)
}

func EncryptSecret(s string) string {
	buf := []byte(s)
	xorsimd.Bytes(buf, buf, cryptKey())
	return SecretPrefix + hex.EncodeToString(buf)
}

func DecryptSecret(s string) (string, error) {
	var (
		err error
		buf []byte
	)
	if !strings.HasPrefix(s, SecretPrefix) {
		return s, nil
	}
	if buf, err = hex.DecodeString(strings.TrimPrefix(s, SecretPrefix)); err != nil {
		return "", err
	}
	xorsimd.Bytes(buf, buf, cryptKey())
	return string(buf), nil
}

// DeriveKey turns a configured secret into transport key material. An empty secret yields nil.
func DeriveKey(secret string) []byte {
	if secret == "" {
		return nil
	}
	return pbkdf2.Key([]byte(secret), Salt, 32, 32, sha1.New)
}
