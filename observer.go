package txbus

import (
	"github.com/rs/zerolog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(t Transition)

func (f ObserverFunc) OnTransition(t Transition) { f(t) }

// LoggingObserver is an Adapter that emits transitions via zerolog.
type LoggingObserver struct {
	Logger *zerolog.Logger
}

func (o LoggingObserver) OnTransition(t Transition) {
	if o.Logger == nil {
		return
	}
	var ev *zerolog.Event
	switch t.To {
	case StateLost, StateDropped:
		ev = o.Logger.Warn().Err(t.Err)
	case StateRolledBack:
		ev = o.Logger.Info().Err(t.Err)
	default:
		ev = o.Logger.Debug()
	}
	ev.Str("event_id", t.EventID).
		Stringer("event_type", t.Type).
		Str("category", t.Category).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Msg("txbus transition")
}

// dispatch calls each observer, tolerating panics.
func dispatch(observers []Observer, t Transition) {
	for _, obs := range observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			obs.OnTransition(t)
		}()
	}
}

type notification struct {
	t         Transition
	observers []Observer
}
