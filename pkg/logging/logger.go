// Package logging builds the engine's zap logger and bridges it into the
// OpenTelemetry log pipeline. Components receive a core.ILogger explicitly;
// there is no package-level logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"dca_engine/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts zap to core.ILogger's variadic key/value calling style.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a console logger at the given level ("DEBUG", "INFO",
// "WARN", "ERROR", "FATAL", any case). Unknown levels fall back to INFO so a
// typo in config never silences the process. Entries are teed into the
// globally installed OTel logger provider, which is a no-op until
// telemetry.Setup runs.
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	otelCore := otelzap.NewCore("dca-engine", otelzap.WithLoggerProvider(global.GetLoggerProvider()))

	logger := zap.New(
		zapcore.NewTee(console, otelCore),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
	)
	return &ZapLogger{logger: logger}, nil
}

// kvToFields converts alternating key/value arguments into zap fields.
// Non-string keys are stringified; a dangling key with no value is kept
// rather than dropped so the broken call site shows up in the output.
func kvToFields(kv []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		if i+1 >= len(kv) {
			fields = append(fields, zap.String("dangling_key", key))
			break
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, kvToFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, kvToFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, kvToFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, kvToFields(fields)...)
}

func (l *ZapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.Fatal(msg, kvToFields(fields)...)
}

// WithField returns a child logger that carries the field on every entry.
func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

// WithFields returns a child logger carrying all given fields.
func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zapFields...)}
}

// Sync flushes buffered entries. Stdout on some platforms rejects sync;
// callers typically ignore the error.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
