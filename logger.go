package chanmux

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	l *zap.Logger
)

// Logger returns the package logger.
func Logger() *zap.Logger {
	return l
}

// SetLogger replaces the package logger. Call it before creating sequencers.
func SetLogger(zl *zap.Logger) {
	l = zl
}

func init() {
	if l == nil {
		var err error
		config := zap.Config{
			DisableCaller:     true,
			DisableStacktrace: true,
			Level:             zap.NewAtomicLevelAt(zap.InfoLevel),
			Encoding:          "json",
			EncoderConfig:     zap.NewProductionEncoderConfig(),
			OutputPaths:       []string{"stderr"},
			ErrorOutputPaths:  []string{"stderr"},
		}
		if l, err = config.Build(); err != nil {
			panic(fmt.Sprintf("chanmux.zap.Build:%v", err))
		}
	}
}

// NewLogger builds a logger from textual settings. An empty file logs to
// stderr; otherwise output goes to a rotated file.
func NewLogger(level, format, file string) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevel()
	if level == "" {
		level = "info"
	}
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, err
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	switch strings.ToLower(format) {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	var ws zapcore.WriteSyncer
	if file == "" {
		ws = zapcore.Lock(os.Stderr)
	} else {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    64,
			MaxBackups: 3,
			MaxAge:     7,
		})
	}
	return zap.New(zapcore.NewCore(encoder, ws, lvl)), nil
}
