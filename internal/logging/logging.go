package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// LevelDebug is the debug log level
	LevelDebug LogLevel = iota
	// LevelInfo is the info log level
	LevelInfo
	// LevelWarn is the warning log level
	LevelWarn
	// LevelError is the error log level
	LevelError
)

var (
	logger   = logrus.New()
	initOnce sync.Once
)

// parseLevel maps the DEBUG and LOG_LEVEL values onto a LogLevel.
// DEBUG wins when it is set to a truthy value.
func parseLevel(debug, level string) LogLevel {
	switch strings.ToLower(debug) {
	case "1", "true", "yes", "on":
		return LevelDebug
	}

	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func initLogger() {
	initOnce.Do(func() {
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006/01/02 15:04:05",
			ForceColors:     term.IsTerminal(int(os.Stderr.Fd())),
			DisableColors:   !term.IsTerminal(int(os.Stderr.Fd())),
		})
		logger.SetLevel(parseLevel(os.Getenv("DEBUG"), os.Getenv("LOG_LEVEL")).logrusLevel())
	})
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	initLogger()
	switch logger.GetLevel() {
	case logrus.DebugLevel, logrus.TraceLevel:
		return LevelDebug
	case logrus.WarnLevel:
		return LevelWarn
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel overrides the level picked up from the environment.
func SetLevel(level LogLevel) {
	initLogger()
	logger.SetLevel(level.logrusLevel())
}

// SetOutput redirects all log output. Tests use it with io.Discard.
func SetOutput(w io.Writer) {
	initLogger()
	logger.SetOutput(w)
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	return GetLevel() <= LevelDebug
}

// WithFields returns an entry carrying structured context, for log lines
// that are later searched by job id or cleanup pass.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	initLogger()
	return logger.WithFields(logrus.Fields(fields))
}

// Debug logs a debug message (only if DEBUG=true or LOG_LEVEL=debug)
func Debug(format string, args ...interface{}) {
	initLogger()
	logger.Debugf(format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	initLogger()
	logger.Infof(format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	initLogger()
	logger.Warnf(format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	initLogger()
	logger.Errorf(format, args...)
}

// Fatal logs an error message and exits
func Fatal(format string, args ...interface{}) {
	initLogger()
	logger.Fatalf(format, args...)
}

// Printf logs at info level without a level-specific call site.
func Printf(format string, args ...interface{}) {
	initLogger()
	logger.Logf(logrus.InfoLevel, format, args...)
}

// Println is the unformatted form of Printf.
func Println(args ...interface{}) {
	initLogger()
	logger.Logln(logrus.InfoLevel, args...)
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}
