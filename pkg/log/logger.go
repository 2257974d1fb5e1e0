package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// New creates a logrus.Logger writing to out with the given level name.
// An unknown level falls back to info and is reported on the returned logger.
func New(out io.Writer, levelStr string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		logger.Warnf("Invalid log level '%s', using default 'info'. Error: %v", levelStr, err)
	} else {
		logger.SetLevel(level)
		logger.Debugf("Setting log level to: %s", level.String())
	}
	return logger
}

// Discard returns an entry that drops everything, for tests and library callers without a logger
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
