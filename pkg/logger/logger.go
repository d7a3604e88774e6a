package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Leveled logger shared by the whole service.
// - package-level Debug/Info/Warn/Error/Fatal variants and Init(level)
// - backed by zap; the level is an AtomicLevel so Init can be called at any time

var (
	atom  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar = newLogger("console").Sugar()
)

func newLogger(format string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), atom)
	return zap.New(core)
}

// Init sets the global log level (case-insensitive: debug, info, warn, error, fatal).
// Call early during startup. Default level is Info.
func Init(l string) {
	atom.SetLevel(parseLevel(l))
}

// InitFormat selects the console (default) or json encoder.
func InitFormat(format string) {
	sugar = newLogger(strings.ToLower(strings.TrimSpace(format))).Sugar()
}

// Replace swaps the package logger, keeping the level set by Init, and
// returns a function that restores the previous one.
func Replace(l *zap.Logger) (restore func()) {
	prev := sugar
	sugar = l.Sugar()
	return func() { sugar = prev }
}

func parseLevel(l string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	}
	return zapcore.InfoLevel
}

// With returns a child logger carrying structured key/value pairs.
// The child honours the level set by Init.
func With(keysAndValues ...interface{}) *zap.SugaredLogger {
	return sugar.With(keysAndValues...).WithOptions(zap.IncreaseLevel(atom))
}

func Debugf(format string, v ...interface{}) {
	if !atom.Enabled(zapcore.DebugLevel) {
		return
	}
	sugar.Debugf(format, v...)
}

func Infof(format string, v ...interface{}) {
	if !atom.Enabled(zapcore.InfoLevel) {
		return
	}
	sugar.Infof(format, v...)
}

func Warnf(format string, v ...interface{}) {
	if !atom.Enabled(zapcore.WarnLevel) {
		return
	}
	sugar.Warnf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	if !atom.Enabled(zapcore.ErrorLevel) {
		return
	}
	sugar.Errorf(format, v...)
}

func Fatalf(format string, v ...interface{}) {
	sugar.Fatalf(format, v...)
}

// Println kept for brief messages (maps to Info)
func Println(v ...interface{}) {
	if !atom.Enabled(zapcore.InfoLevel) {
		return
	}
	sugar.Info(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// Debug/Info/Warn/Error helpers that accept a single string
func Debug(v string) { Debugf("%s", v) }
func Info(v string)  { Infof("%s", v) }
func Warn(v string)  { Warnf("%s", v) }
func Error(v string) { Errorf("%s", v) }

// Sync flushes buffered entries; call before exit.
func Sync() { _ = sugar.Sync() }

// LevelString returns the current level as text.
func LevelString() string {
	return atom.Level().String()
}
