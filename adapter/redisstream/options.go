package redisstream

import (
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Option configures a Transport.
type Option func(*Transport)

// WithClock drives check scheduling from c.
func WithClock(c clockwork.Clock) Option {
	return func(t *Transport) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger sets the transport logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}
