package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the log level
type LogLevel int

const (
	// DEBUG level
	DEBUG LogLevel = iota
	// INFO level
	INFO
	// WARN level
	WARN
	// ERROR level
	ERROR
)

var logrusLevels = map[LogLevel]logrus.Level{
	DEBUG: logrus.DebugLevel,
	INFO:  logrus.InfoLevel,
	WARN:  logrus.WarnLevel,
	ERROR: logrus.ErrorLevel,
}

// Logger writes leveled, caller-annotated log lines through logrus
type Logger struct {
	base *logrus.Logger
	file *rotatingFile
}

// LoggerConfig represents the configuration for the logger
type LoggerConfig struct {
	// Log level
	Level LogLevel
	// Log file path, empty disables file output
	FilePath string
	// Maximum log file size in MB
	MaxSize int
	// Maximum number of rotated files kept
	MaxBackups int
	// Whether to log to console
	Console bool
	// Console destination, os.Stdout when nil
	Output io.Writer
}

// DefaultConfig returns the console-only configuration used before
// InitFromConfig runs
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:      INFO,
		MaxSize:    10,
		MaxBackups: 5,
		Console:    true,
	}
}

// New creates a new logger
func New(config LoggerConfig) (*Logger, error) {
	var writers []io.Writer
	if config.Console {
		console := config.Output
		if console == nil {
			console = os.Stdout
		}
		writers = append(writers, console)
	}

	var file *rotatingFile
	if config.FilePath != "" {
		var err error
		file, err = newRotatingFile(config.FilePath, int64(config.MaxSize)*1024*1024, config.MaxBackups)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	var output io.Writer
	switch len(writers) {
	case 0:
		output = io.Discard
	case 1:
		output = writers[0]
	default:
		output = io.MultiWriter(writers...)
	}

	return newWithOutput(config.Level, output, file), nil
}

func newWithOutput(level LogLevel, output io.Writer, file *rotatingFile) *Logger {
	base := logrus.New()
	base.SetOutput(output)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	base.SetLevel(logrusLevels[level])

	return &Logger{base: base, file: file}
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.base.SetLevel(logrusLevels[level])
}

// log annotates the entry with the caller skip frames above it
func (l *Logger) log(skip int, level LogLevel, format string, args ...interface{}) {
	lvl := logrusLevels[level]
	if !l.base.IsLevelEnabled(lvl) {
		return
	}

	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		file = "unknown"
		line = 0
	}

	l.base.WithField("caller", fmt.Sprintf("%s:%d", filepath.Base(file), line)).
		Logf(lvl, format, args...)
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(2, DEBUG, format, args...)
}

// Info logs info level messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(2, INFO, format, args...)
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(2, WARN, format, args...)
}

// Error logs error level messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(2, ERROR, format, args...)
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
