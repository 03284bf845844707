package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger for a service process.
// An unknown level falls back to info.
func Setup(level string) {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		if level != "" {
			logrus.WithField("level", level).Warn("Unknown log level, using info")
		}
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
}
