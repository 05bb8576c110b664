// Package logging configures the process wide logrus logger.
package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Init sets level and formatter of the standard logrus logger. Unknown levels fall back to info.
func Init(level, format string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}

	log.SetLevel(lvl)
	log.SetOutput(os.Stdout)

	if format == FormatJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if err != nil && level != "" {
		log.Warnf("Unknown log level %q, defaulting to info", level)
	}
}
