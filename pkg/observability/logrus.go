package observability

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogrusLogger creates the logrus logger used by the plugin loading path,
// emitting JSON at the same level as the structured logger.
func NewLogrusLogger(level LogLevel, output io.Writer) *logrus.Logger {
	if output == nil {
		output = os.Stdout
	}

	log := logrus.New()
	log.SetOutput(output)
	log.SetFormatter(&logrus.JSONFormatter{})

	switch level {
	case DebugLevel:
		log.SetLevel(logrus.DebugLevel)
	case WarnLevel:
		log.SetLevel(logrus.WarnLevel)
	case ErrorLevel:
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}
