// Package logger writes leveled log lines tagged with the calling file and
// function. The cmd binaries log through it; library packages return errors.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

var (
	mu  sync.RWMutex
	std = log.New(os.Stderr, "", log.LstdFlags)
)

// SetOutput redirects all log lines, typically to a buffer in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	std = log.New(w, "", log.LstdFlags)
}

// SetService prefixes every line with the binary's name.
func SetService(name string) {
	mu.Lock()
	defer mu.Unlock()
	std.SetPrefix("[" + name + "] ")
}

// LogErr logs err, if any, and returns it unchanged for inline use.
func LogErr(err error) error {
	if err != nil {
		write("error", err.Error())
	}
	return err
}

// LogError logs a formatted error and returns it.
func LogError(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	write("error", err.Error())
	return err
}

// LogErrorf logs a formatted error.
func LogErrorf(format string, args ...any) {
	write("error", fmt.Errorf(format, args...).Error())
}

// Error logs err, if any.
func Error(err error) {
	if err != nil {
		write("error", err.Error())
	}
}

// Fatal logs err and exits with status 1. A nil err is ignored.
func Fatal(err error) {
	if err == nil {
		return
	}
	write("fatal", err.Error())
	os.Exit(1)
}

func Warn(format string, args ...any) {
	write("warning", fmt.Sprintf(format, args...))
}

func Info(format string, args ...any) {
	write("info", fmt.Sprintf(format, args...))
}

// callerSkip skips runtime.Callers, write and the exported helper.
const callerSkip = 3

func write(level, message string) {
	mu.RLock()
	l := std
	mu.RUnlock()

	pcs := make([]uintptr, 1)
	if runtime.Callers(callerSkip, pcs) == 0 {
		l.Printf("%s: %s", level, message)
		return
	}
	frame, _ := runtime.CallersFrames(pcs).Next()
	file, fn := filepath.Base(frame.File), frame.Function
	if frame.File == "" {
		file = "unknown"
	}
	if fn == "" {
		fn = "unknown"
	}
	l.Printf("%s:%s %s: %s", file, fn, level, message)
}
