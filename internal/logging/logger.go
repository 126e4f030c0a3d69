package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup builds the process logger. An unknown level falls back to info so a
// typo in the config never silences diagnostics.
func Setup(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level == "" {
		level = "info"
	}
	lv, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lv = logrus.InfoLevel
	}
	logger.SetLevel(lv)
	return logger
}
