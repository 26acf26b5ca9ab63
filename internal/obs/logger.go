package obs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string
	Pretty bool
	// File, when set, additionally writes JSON logs to a size-rotated file.
	File    string
	App     string
	Version string
	// Output defaults to stdout.
	Output io.Writer
}

// NewLogger builds the zap logger used by every component.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	level := new(zapcore.Level)
	if err := level.Set(c.Level); err != nil {
		*level = zapcore.InfoLevel
	}

	var encCfg zapcore.EncoderConfig
	if c.Pretty {
		encCfg = zap.NewDevelopmentEncoderConfig()
	} else {
		encCfg = zap.NewProductionEncoderConfig()
	}
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if c.Pretty {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	var out zapcore.WriteSyncer = zapcore.Lock(os.Stdout)
	if c.Output != nil {
		out = zapcore.Lock(zapcore.AddSync(c.Output))
	}
	cores := []zapcore.Core{
		zapcore.NewCore(enc, out, level),
	}
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.TimeKey = "ts"
		fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), w, level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller()).With(
		zap.String("service", c.App),
		zap.String("version", c.Version),
	)
	return l, nil
}
