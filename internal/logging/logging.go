// Package logging configures zerolog the way the teacher's cmd/pulse
// main.go does: a console writer with unix-timestamp fields during normal
// operation, and the configured level applied globally.
package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init sets up the global zerolog logger. Pass human=true for the
// teacher's ConsoleWriter (local/dev), false for plain JSON (containers,
// log aggregation).
func Init(level string, human bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	if human {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
