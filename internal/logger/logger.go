package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	Configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// Configure sets the level and output format. Unknown levels fall back to
// info, unknown formats to text.
func Configure(level, format string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		std.SetLevel(logrus.DebugLevel)
	case "WARN", "WARNING":
		std.SetLevel(logrus.WarnLevel)
	case "ERROR":
		std.SetLevel(logrus.ErrorLevel)
	default:
		std.SetLevel(logrus.InfoLevel)
	}

	if strings.EqualFold(format, "json") {
		std.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	std.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
}

// SetOutput redirects log output (used in tests).
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// WithFields returns an entry carrying structured fields.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return std.WithFields(logrus.Fields(fields))
}

// Debug logs a debug message (only shown when LOG_LEVEL=DEBUG)
func Debug(format string, v ...interface{}) {
	std.Debugf(format, v...)
}

// Info logs an info message
func Info(format string, v ...interface{}) {
	std.Infof(format, v...)
}

// Warn logs a warning message
func Warn(format string, v ...interface{}) {
	std.Warnf(format, v...)
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	std.Errorf(format, v...)
}

// Fatal logs a fatal message and exits the program
func Fatal(format string, v ...interface{}) {
	std.Fatalf(format, v...)
}
