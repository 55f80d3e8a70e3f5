package util

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

var (
	mu           sync.RWMutex
	currentLevel LogLevel = LogLevelInfo
	logger                = newLogger(colorable.NewColorable(os.Stderr), !isatty.IsTerminal(os.Stderr.Fd()))
)

func newLogger(w io.Writer, noColor bool) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	}))
}

func SetLevel(level LogLevel) {
	mu.Lock()
	currentLevel = level
	mu.Unlock()
}

// SetOutput redirects log output, without colors. Tests use it to capture lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	logger = newLogger(w, true)
	mu.Unlock()
}

func enabled(level LogLevel) (*slog.Logger, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return logger, currentLevel <= level
}

func emit(level LogLevel, format string, v ...interface{}) {
	l, ok := enabled(level)
	if !ok {
		return
	}
	r := slog.NewRecord(time.Now(), level.slogLevel(), fmt.Sprintf(format, v...), 0)
	_ = l.Handler().Handle(context.Background(), r)
}

func Debug(format string, v ...interface{}) {
	emit(LogLevelDebug, format, v...)
}

func Info(format string, v ...interface{}) {
	emit(LogLevelInfo, format, v...)
}

func Warn(format string, v ...interface{}) {
	emit(LogLevelWarn, format, v...)
}

func Error(format string, v ...interface{}) {
	emit(LogLevelError, format, v...)
}

func Fatal(format string, v ...interface{}) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	r := slog.NewRecord(time.Now(), slog.LevelError, "FATAL "+fmt.Sprintf(format, v...), 0)
	_ = l.Handler().Handle(context.Background(), r)
	os.Exit(1)
}
