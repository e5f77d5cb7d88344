package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ConsoleLogger writes timestamped log lines to a single writer. It is safe
// for concurrent use; all component loggers derived from it share one mutex
// so lines never interleave.
type ConsoleLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	level     Level
	component string
}

// NewConsoleLogger returns a logger writing to stderr at Info level.
func NewConsoleLogger() *ConsoleLogger {
	return NewConsoleLoggerTo(os.Stderr, LevelInfo)
}

// NewConsoleLoggerTo returns a logger writing to out at the given level.
func NewConsoleLoggerTo(out io.Writer, level Level) *ConsoleLogger {
	return &ConsoleLogger{mu: &sync.Mutex{}, out: out, level: level}
}

// WithComponent returns a logger that tags every line with component.
func (l *ConsoleLogger) WithComponent(component string) *ConsoleLogger {
	return &ConsoleLogger{mu: l.mu, out: l.out, level: l.level, component: component}
}

// SetLevel sets the minimum level for this logger instance.
func (l *ConsoleLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *ConsoleLogger) log(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	component := l.component
	if component == "" {
		component = "claw"
	}

	// Format: 2025-09-30 12:34:56 [INFO] [socket] message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.out, "%s [%s] [%s] %s\n", timestamp, level, component, message)
}

func (l *ConsoleLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *ConsoleLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *ConsoleLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *ConsoleLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

var (
	defaultLogger *ConsoleLogger
	defaultOnce   sync.Once
)

// Default returns the process-wide console logger.
func Default() *ConsoleLogger {
	defaultOnce.Do(func() {
		defaultLogger = NewConsoleLogger()
	})
	return defaultLogger
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return Default().WithComponent(component)
}
