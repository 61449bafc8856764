package commons

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging surface every component in the Bridge
// receives by constructor injection. No component reaches for a package
// level logger — this keeps component construction testable and keeps log
// fields (session id, device id, component name) consistently attached.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Fatalf(template string, args ...interface{})

	Info(msg string)
	Error(msg string)

	// Warnw and Errorw log with structured key/value pairs, e.g.
	// logger.Warnw("dropped frame", "session", id, "reason", "dedup")
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})

	// With returns a child logger with the given key/value pairs attached
	// to every subsequent log line. Used to scope a logger to a session or
	// device id for the lifetime of a task.
	With(kv ...interface{}) Logger

	// Sync flushes any buffered log entries. Call before process exit.
	Sync() error
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger builds a zap-backed Logger at the given level ("debug", "info",
// "warn", "error"). Unknown levels fall back to "info".
func NewLogger(level string) Logger {
	zapLevel := parseLevel(level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(os.Stdout),
		zapLevel,
	)

	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &zapLogger{sugar: base.Sugar()}
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

func (z *zapLogger) Debugf(template string, args ...interface{}) { z.sugar.Debugf(template, args...) }
func (z *zapLogger) Infof(template string, args ...interface{})  { z.sugar.Infof(template, args...) }
func (z *zapLogger) Warnf(template string, args ...interface{})  { z.sugar.Warnf(template, args...) }
func (z *zapLogger) Errorf(template string, args ...interface{}) { z.sugar.Errorf(template, args...) }
func (z *zapLogger) Fatalf(template string, args ...interface{}) { z.sugar.Fatalf(template, args...) }

func (z *zapLogger) Info(msg string)  { z.sugar.Info(msg) }
func (z *zapLogger) Error(msg string) { z.sugar.Error(msg) }

func (z *zapLogger) Warnw(msg string, kv ...interface{})  { z.sugar.Warnw(msg, kv...) }
func (z *zapLogger) Errorw(msg string, kv ...interface{}) { z.sugar.Errorw(msg, kv...) }
func (z *zapLogger) Infow(msg string, kv ...interface{})  { z.sugar.Infow(msg, kv...) }

func (z *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{sugar: z.sugar.With(kv...)}
}

func (z *zapLogger) Sync() error {
	return z.sugar.Sync()
}
