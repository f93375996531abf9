// Package logger builds the process zap.Logger from configuration.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Level is one of debug, info, warn, error. Unknown values mean info.
	Level string `mapstructure:"level"`
	// Format is "json" or "console".
	Format string `mapstructure:"format"`
	// Output is "stderr", "stdout" or a file path appended to.
	Output string `mapstructure:"output"`
}

func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	ws, err := writeSyncer(cfg.Output)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder(cfg.Format), ws, level)
	return zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", "novastore"))), nil
}

func encoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// writeSyncer defaults to stderr so command output on stdout stays clean.
func writeSyncer(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "stderr", "":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logger: open %s: %w", output, err)
		}
		return zapcore.AddSync(f), nil
	}
}
