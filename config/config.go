package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	Log struct {
		Level  string `json:"level" yaml:"level"`
		Format string `json:"format" yaml:"format"`
		File   string `json:"file" yaml:"file"`
	}

	Transport struct {
		Proto       string        `json:"proto" yaml:"proto"`
		Address     string        `json:"address" yaml:"address"`
		SecretKey   string        `json:"secret_key" yaml:"secretKey"`
		Compress    bool          `json:"compress" yaml:"compress"`
		CertFile    string        `json:"cert_file" yaml:"certFile"`
		KeyFile     string        `json:"key_file" yaml:"keyFile"`
		IdleTimeout time.Duration `json:"idle_timeout" yaml:"idleTimeout"`
		Attempts    uint          `json:"attempts" yaml:"attempts"`
	}

	Channel struct {
		MaxFrameSize int `json:"max_frame_size" yaml:"maxFrameSize"`
		ChunkSize    int `json:"chunk_size" yaml:"chunkSize"`
	}
)

type Config struct {
	Transport Transport     `json:"transport" yaml:"transport"`
	Channel   Channel       `json:"channel" yaml:"channel"`
	Heartbeat time.Duration `json:"heartbeat" yaml:"heartbeat"`
	Log       Log           `json:"log" yaml:"log"`
}

func (cfg *Config) Validate() error {
	switch cfg.Transport.Proto {
	case "quic", "kcp", "tcp":
	default:
		return fmt.Errorf("config: unsupported proto %q", cfg.Transport.Proto)
	}
	if cfg.Transport.Address == "" {
		return fmt.Errorf("config: transport address required")
	}
	if (cfg.Transport.CertFile == "") != (cfg.Transport.KeyFile == "") {
		return fmt.Errorf("config: certFile and keyFile go together")
	}
	if cfg.Channel.MaxFrameSize < 0 || cfg.Channel.ChunkSize < 0 {
		return fmt.Errorf("config: channel sizes must not be negative")
	}
	return nil
}

// Load reads a YAML file over the defaults.
func Load(path string) (cfg *Config, err error) {
	var buf []byte
	cfg = New()
	if buf, err = os.ReadFile(path); err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func New() *Config {
	return &Config{
		Transport: Transport{
			Proto:       "quic",
			Address:     "127.0.0.1:7420",
			IdleTimeout: time.Hour * 24 * 10,
			Attempts:    3,
		},
		Channel: Channel{
			MaxFrameSize: 8 * 1024 * 1024,
			ChunkSize:    4096,
		},
		Heartbeat: time.Second * 15,
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}
