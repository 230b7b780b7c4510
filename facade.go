package txbus

import (
	"context"
	"sync"
)

var (
	defaultCoord   *Coordinator
	defaultCoordMu sync.RWMutex
)

// Default returns the process-wide Coordinator installed with SetDefault.
// It panics when none was installed.
func Default() *Coordinator {
	defaultCoordMu.RLock()
	defer defaultCoordMu.RUnlock()
	if defaultCoord == nil {
		panic("txbus: no default coordinator, call SetDefault first")
	}
	return defaultCoord
}

// SetDefault replaces the process-wide Coordinator and returns the previous
// one, which may be nil.
func SetDefault(c *Coordinator) *Coordinator {
	if c == nil {
		panic("txbus: SetDefault called with nil Coordinator")
	}
	defaultCoordMu.Lock()
	prev := defaultCoord
	defaultCoord = c
	defaultCoordMu.Unlock()
	return prev
}

// PublishTransactional is the Facade using the default coordinator.
func PublishTransactional(ctx context.Context, env Envelope) {
	Default().PublishTransactional(ctx, env)
}

// PublishAsync is the Facade using the default coordinator.
func PublishAsync(ctx context.Context, env Envelope) {
	Default().PublishAsync(ctx, env)
}

// Subscribe is the Facade using the default coordinator.
func Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	return Default().Subscribe(ctx, topic, group, handler)
}
