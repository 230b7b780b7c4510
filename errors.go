package txbus

import (
	"errors"
	"fmt"
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

var (
	ErrInvalidEnvelope  = errors.New("txbus: invalid envelope")
	ErrUnknownEventType = errors.New("txbus: unknown event type")
	ErrSelfMerge        = errors.New("txbus: account cannot be merged into itself")

	ErrNoMutation    = errors.New("txbus: no mutation registered for event type")
	ErrMutationPanic = errors.New("txbus: mutation panicked")
	ErrInFlight      = errors.New("txbus: event is already being executed")
	ErrNotRecorded   = errors.New("txbus: mutation applied but ledger write failed")

	ErrStageFailed             = errors.New("txbus: stage failed")
	ErrTransactionsUnsupported = errors.New("txbus: transport does not support transactional messages")
	ErrUnknownHandle           = errors.New("txbus: unknown transaction handle")

	ErrCoordinatorClosed     = errors.New("txbus: coordinator is closed")
	ErrNoTransportConfigured = errors.New("txbus: no transport configured")
	ErrNoLedgerConfigured    = errors.New("txbus: no ledger configured")
	ErrInvalidSubscription   = errors.New("txbus: topic, group and handler are required")
	ErrHandlerPanic          = errors.New("txbus: handler panic")
	ErrDuplicateCategory     = errors.New("txbus: duplicate category")
	ErrDuplicateRoute        = errors.New("txbus: event type routed to more than one category")

	ErrPoolShutdownTimeout = errors.New("txbus: pool shutdown timeout")
)
