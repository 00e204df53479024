package logger

import "sync/atomic"

var defLogger atomic.Pointer[Logger]

func init() {
	SetLogger(NewSlog(InfoLevel, false))
}

func current() Logger {
	return *defLogger.Load()
}

// Debug logs a message at DebugLevel with the default logger.
func Debug(msg string, keysAndValues ...any) {
	current().Debug(msg, keysAndValues...)
}

// Info logs a message at InfoLevel with the default logger.
func Info(msg string, keysAndValues ...any) {
	current().Info(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...any) {
	current().Warn(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...any) {
	current().Error(msg, keysAndValues...)
}

func Fatal(msg string, keysAndValues ...any) {
	current().Fatal(msg, keysAndValues...)
}

// SetLevel changes the level of the default logger.
func SetLevel(level Level) {
	current().SetLevel(level)
}

// GetLogger returns the package level default logger.
func GetLogger() Logger {
	return current()
}

// SetLogger replaces the package level default logger. A nil l is ignored.
//
// Sessions and servers pick the default logger up when they are configured, so SetLogger
// should be called before creating them.
func SetLogger(l Logger) {
	if l != nil {
		defLogger.Store(&l)
	}
}

// With returns a child of the default logger carrying keyValues.
func With(keyValues ...any) Logger {
	return current().With(keyValues...)
}
