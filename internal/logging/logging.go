// Package logging builds the process-wide structured logger. Bay follows
// the pack's preference for logrus over the standard library's log
// package for anything with more than one call site.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger from LOG_LEVEL/LOG_FORMAT-style settings.
func New(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger
}

// Component returns a *logrus.Entry tagged with the owning component, the
// same per-subsystem prefixing the teacher does with its ad hoc
// "[DockerProvisioner]"/"[KubernetesContainerRuntime]" debugLog prefixes,
// promoted to a structured field instead of a string prefix.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}
