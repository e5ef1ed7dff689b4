// Package internal holds helpers shared by the session packages.
package internal

import (
	"fmt"
	"os"
	"time"

	_ "code.cloudfoundry.org/go-diodes" // lockless ring buffer behind zerolog/diode
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

const (
	diodeSize         = 1000
	diodePollInterval = 10 * time.Millisecond
)

// NewSessionLogger returns the console logger sessions use when none is configured.
// Writes go through a diode so logging never blocks a transport goroutine; messages
// are dropped instead when the buffer is full.
func NewSessionLogger(level zerolog.Level) zerolog.Logger {
	writer := diode.NewWriter(os.Stderr, diodeSize, diodePollInterval, func(missed int) {
		_, _ = fmt.Fprintf(os.Stderr, "session logger dropped %d messages\n", missed)
	})

	return zerolog.New(zerolog.ConsoleWriter{Out: writer}).
		Level(level).
		With().
		Timestamp().
		Str("LIBRARY", "rabbitSession").
		Logger()
}
