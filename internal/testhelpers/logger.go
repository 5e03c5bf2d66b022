package testhelpers

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger routes the global logger to the test output for the duration
// of the test.
func SetupLogger(t *testing.T) {
	t.Helper()

	previous := log.Logger
	previousDefault := zerolog.DefaultContextLogger

	log.Logger = zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger

	t.Cleanup(func() {
		log.Logger = previous
		zerolog.DefaultContextLogger = previousDefault
	})
}
