package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

func init() {
	logger, err := New(DefaultConfig())
	if err != nil {
		log.Printf("Failed to initialize default logger: %v, using standard log", err)
		return
	}
	defaultLogger = logger
}

// InitFromConfig replaces the default logger
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	return Init(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
}

// Init replaces the default logger with one built from config
func Init(config LoggerConfig) error {
	logger, err := New(config)
	if err != nil {
		return err
	}

	defaultMu.Lock()
	previous := defaultLogger
	defaultLogger = logger
	defaultMu.Unlock()

	if previous != nil {
		previous.Close()
	}
	return nil
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", level)
	}
}

func current() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.log(2, DEBUG, format, args...)
	} else {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.log(2, INFO, format, args...)
	} else {
		log.Printf("[INFO] "+format, args...)
	}
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.log(2, WARN, format, args...)
	} else {
		log.Printf("[WARN] "+format, args...)
	}
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.log(2, ERROR, format, args...)
	} else {
		log.Printf("[ERROR] "+format, args...)
	}
}

// Close closes the default logger
func Close() error {
	if l := current(); l != nil {
		return l.Close()
	}
	return nil
}
