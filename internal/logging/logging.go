package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents a log level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the level
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

// ParseLevel parses a level string
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// core is shared between a logger and the children created with Named.
type core struct {
	mu     sync.Mutex
	level  Level
	file   *os.File
	logger *log.Logger
}

// Logger is the application logger
type Logger struct {
	core      *core
	component string
}

// Config contains logger configuration
type Config struct {
	Level   string
	File    string
	Console bool
	// Output, when set, receives log lines in addition to File and Console.
	Output io.Writer
}

// New creates a new logger
func New(cfg Config) (*Logger, error) {
	c := &core{level: ParseLevel(cfg.Level)}

	var writers []io.Writer

	if cfg.File != "" {
		dir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		c.file = f
		writers = append(writers, f)
	}

	if cfg.Console {
		writers = append(writers, os.Stderr)
	}

	if cfg.Output != nil {
		writers = append(writers, cfg.Output)
	}

	if len(writers) == 0 {
		// Default to stderr if no outputs configured
		writers = append(writers, os.Stderr)
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	c.logger = log.New(writer, "", 0)

	return &Logger{core: c}, nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{core: &core{level: LevelError + 1, logger: log.New(io.Discard, "", 0)}}
}

// Named returns a child logger that tags each line with component. Children
// share the parent's level and outputs. A child of a nil logger follows the
// package default, even if Init is called later.
func (l *Logger) Named(component string) *Logger {
	if l == nil {
		return &Logger{component: component}
	}
	if l.component != "" {
		component = l.component + "." + component
	}
	return &Logger{core: l.core, component: component}
}

// Close closes the logger
func (l *Logger) Close() error {
	if l != nil && l.core != nil && l.core.file != nil {
		return l.core.file.Close()
	}
	return nil
}

// coreOf maps a nil logger, or a child of one, onto the package default.
func (l *Logger) coreOf() *core {
	if l != nil && l.core != nil {
		return l.core
	}
	if d := defaultLogger; d != nil {
		return d.core
	}
	return discard.core
}

// log logs a message at the given level
func (l *Logger) log(level Level, format string, args ...interface{}) {
	c := l.coreOf()
	c.mu.Lock()
	defer c.mu.Unlock()
	if level < c.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	if l != nil && l.component != "" {
		c.logger.Printf("%s [%s] %s: %s", timestamp, level.String(), l.component, message)
		return
	}
	c.logger.Printf("%s [%s] %s", timestamp, level.String(), message)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level Level) {
	c := l.coreOf()
	c.mu.Lock()
	c.level = level
	c.mu.Unlock()
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() Level {
	c := l.coreOf()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Default logger for package-level functions
var (
	defaultLogger *Logger
	discard       = Discard()
)

// Init initializes the default logger
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	defaultLogger = l
	return nil
}

// Default returns the package default logger, or a discarding logger if
// Init has not been called.
func Default() *Logger {
	if d := defaultLogger; d != nil {
		return d
	}
	return discard
}

// Debug logs a debug message to the default logger
func Debug(format string, args ...interface{}) {
	Default().Debug(format, args...)
}

// Info logs an info message to the default logger
func Info(format string, args ...interface{}) {
	Default().Info(format, args...)
}

// Warn logs a warning message to the default logger
func Warn(format string, args ...interface{}) {
	Default().Warn(format, args...)
}

// Error logs an error message to the default logger
func Error(format string, args ...interface{}) {
	Default().Error(format, args...)
}
