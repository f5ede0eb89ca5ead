// Package logging provides logging utilities for the application
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// coalsLogger implements the ILogger interface with custom formatting
type coalsLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *coalsLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *coalsLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *coalsLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *coalsLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *coalsLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *coalsLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes a log message. this internal helper is used by the public methods
func (l *coalsLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-10s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the logger.Factory interface
func CreateLogger(pkgName string) logger.ILogger {
	// Create standard logger with custom flags
	stdLogger := log.New(os.Stderr, "", log.Ldate|log.Ltime)

	return &coalsLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// parseLogLevel converts a string level to logger.LogLevel
func parseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG
	case "info":
		return logger.INFO
	case "warning", "warn":
		return logger.WARNING
	case "error":
		return logger.ERROR
	default:
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers configures every named logger with the custom format and
// the given level
func InitLoggers(logLevel string) {
	logger.SetLoggerFactory(CreateLogger)

	logger.GetLogger("store").SetLevel(parseLogLevel(logLevel))
	logger.GetLogger("segment").SetLevel(parseLogLevel(logLevel))
	logger.GetLogger("meta").SetLevel(parseLogLevel(logLevel))
	logger.GetLogger("notify").SetLevel(parseLogLevel(logLevel))
	logger.GetLogger("demo").SetLevel(parseLogLevel(logLevel))
	logger.GetLogger("bench").SetLevel(parseLogLevel(logLevel))
}
