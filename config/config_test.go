package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chanmux.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
transport:
  proto: tcp
  address: 0.0.0.0:9000
  secretKey: s3cret
  compress: true
channel:
  maxFrameSize: 1024
heartbeat: 5s
log:
  level: debug
`)
	cfg, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Transport.Proto, "tcp")
	assert.Equal(t, cfg.Transport.Address, "0.0.0.0:9000")
	assert.Equal(t, cfg.Transport.SecretKey, "s3cret")
	assert.Assert(t, cfg.Transport.Compress)
	assert.Equal(t, cfg.Transport.Attempts, uint(3))
	assert.Equal(t, cfg.Transport.IdleTimeout, time.Hour*24*10)
	assert.Equal(t, cfg.Channel.MaxFrameSize, 1024)
	assert.Equal(t, cfg.Channel.ChunkSize, 4096)
	assert.Equal(t, cfg.Heartbeat, 5*time.Second)
	assert.Equal(t, cfg.Log.Level, "debug")
	assert.Equal(t, cfg.Log.Format, "console")
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeFile(t, "transport:\n  proto: udp\n"))
	assert.ErrorContains(t, err, "unsupported proto")

	_, err = Load(writeFile(t, "transport:\n  certFile: a.pem\n"))
	assert.ErrorContains(t, err, "go together")

	_, err = Load(writeFile(t, "transport: [1, 2"))
	assert.ErrorContains(t, err, "config")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Assert(t, os.IsNotExist(err))
}
