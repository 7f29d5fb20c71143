package config

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger creates a logger writing to out with the configured level and
// format.
func NewLogger(conf Log, out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(conf.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log.format %q: expected text or json", conf.Format)
	}
	return log, nil
}
