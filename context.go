package txbus

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ctxKey is the base for all context keys in txbus (prevents collisions).
type ctxKey string

const (
	codecCtxKey ctxKey = "txbus:codec"
	clockCtxKey ctxKey = "txbus:clock"
)

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves the Codec injected for subscription handlers.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	c, ok := ctx.Value(codecCtxKey).(Codec)
	return c, ok && c != nil
}

func injectClock(ctx context.Context, c clockwork.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext retrieves the clock injected for subscription handlers.
func ClockFromContext(ctx context.Context) (clockwork.Clock, bool) {
	c, ok := ctx.Value(clockCtxKey).(clockwork.Clock)
	return c, ok && c != nil
}

// LoggerFromContext returns the logger injected for subscription handlers,
// or zerolog's disabled logger.
func LoggerFromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// InjectAll attaches the codec, logger and clock handlers rely on.
func InjectAll(ctx context.Context, codec Codec, logger zerolog.Logger, clock clockwork.Clock) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = logger.WithContext(ctx)
	ctx = injectClock(ctx, clock)
	return ctx
}

// Decode unmarshals msg.Payload into T using the Codec found in ctx,
// falling back to JSON.
func Decode[T any](ctx context.Context, msg *Message) (T, error) {
	if c, ok := CodecFromContext(ctx); ok {
		return DecodeCodec[T](c, msg)
	}
	return DecodeCodec[T](JSONCodec{}, msg)
}

// EnvelopeFromMessage decodes and validates the envelope carried by msg.
func EnvelopeFromMessage(ctx context.Context, msg *Message) (Envelope, error) {
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	env, err := DecodeEnvelope(c, msg.Payload)
	if err != nil {
		return env, err
	}
	return env, env.Validate()
}
