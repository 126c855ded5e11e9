// Package cslog defines the logging functions (e.g. Info, Errorf, etc.) used
// throughout the server. The backing logger is a zap SugaredLogger writing to
// stderr.
package cslog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.SugaredLogger

// We must build the logger in an init function; otherwise there's a very good
// chance of getting a nil pointer panic.
func init() {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		zapcore.DebugLevel,
	)
	logger = zap.New(core, zap.AddCallerSkip(1), zap.AddCaller()).Sugar()
}

// Functions to log at various levels. Functions ending in f use fmt.Sprintf
// to format the arguments.

func Debug(msg ...interface{}) {
	logger.Debug(msg...)
}

func Debugf(format string, v ...interface{}) {
	logger.Debugf(format, v...)
}

func Info(msg ...interface{}) {
	logger.Info(msg...)
}

func Infof(format string, v ...interface{}) {
	logger.Infof(format, v...)
}

func Warning(msg ...interface{}) {
	logger.Warn(msg...)
}

func Warningf(format string, v ...interface{}) {
	logger.Warnf(format, v...)
}

func Error(msg ...interface{}) {
	logger.Error(msg...)
}

func Errorf(format string, v ...interface{}) {
	logger.Errorf(format, v...)
}

// Fatal* exits the program after logging.
func Fatal(msg ...interface{}) {
	logger.Fatal(msg...)
}

func Fatalf(format string, v ...interface{}) {
	logger.Fatalf(format, v...)
}

func Flush() {
	_ = logger.Sync()
}

// SafeHash returns a truncated prefix of the given hash value suitable for
// logging. Plaintexts must never be logged; hash values are logged only via
// this prefix.
func SafeHash(hashValue string) string {
	const keep = 8
	if len(hashValue) <= keep {
		return hashValue
	}
	return hashValue[:keep] + "…"
}
