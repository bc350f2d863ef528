// Package logger wraps go.uber.org/zap for the daemon and CLI.
//
// The consume daemon logs to a file under the data dir by default so its
// output never interleaves with an attached client's terminal; the CLI logs
// to stderr at warn and above.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig selects level, encoding, and destination.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or a file path
}

// Logger is a thin veneer over zap.Logger.
type Logger struct {
	zap *zap.Logger
}

var (
	defaultMu  sync.RWMutex
	defaultLog *Logger
)

// Default returns the process-wide logger, lazily building a console logger
// on stderr the first time it is asked for.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLog
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLog == nil {
		l, err := NewLogger(LoggingConfig{Level: "info", Format: defaultFormat()})
		if err != nil {
			z, _ := zap.NewProduction()
			l = &Logger{zap: z}
		}
		defaultLog = l
	}
	return defaultLog
}

// SetDefault installs the process-wide logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLog = l
	defaultMu.Unlock()
}

// defaultFormat picks json when FUEL_ENV says production, console otherwise.
func defaultFormat() string {
	if env := os.Getenv("FUEL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// NewLogger builds a logger from config. An unparseable level falls back to
// info rather than failing daemon startup.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "console", "text":
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(enc)
	default:
		enc.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(enc)
	}

	sink, err := openSink(cfg.OutputPath)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, sink, level)
	return &Logger{zap: zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))}, nil
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stderr":
		return zapcore.AddSync(os.Stderr), nil
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	default:
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		return zapcore.AddSync(f), nil
	}
}

// With returns a child logger carrying the given fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// Sync flushes buffered entries. Safe to call on shutdown paths.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Fatal logs and exits the process.
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }
