// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup configures the standard logger to write text lines to out at level
// and returns it.
func Setup(level string, out io.Writer) (*log.Logger, error) {
	lvl := log.InfoLevel
	if level = strings.TrimSpace(level); level != "" {
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	logger := log.StandardLogger()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return logger, nil
}
