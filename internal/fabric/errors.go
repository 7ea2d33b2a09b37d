package fabric

import "errors"

// Error taxonomy of the fabric. Ledger-level errors (Throttled,
// Unavailable) live in the ledger package; ConfigError lives in config.
var (
	// ErrUnknownRecipient: targeted send to an account not in the
	// known-peer table. Surfaced to the caller; never falls back to
	// broadcast.
	ErrUnknownRecipient = errors.New("fabric: unknown recipient")

	// ErrIntegrity: off-bus payload hash does not match the anchor.
	// Never dispatched.
	ErrIntegrity = errors.New("fabric: payload hash mismatch")

	// ErrAnchorNotConfirmed: anchor not visible on the ledger within the
	// confirmation budget. The off-bus entry stays in the store until
	// eviction; not dispatched.
	ErrAnchorNotConfirmed = errors.New("fabric: anchor not confirmed on ledger")

	// ErrBusUnavailable: off-chain bus unreachable. At startup this flips
	// the process into direct-ledger mode for its lifetime.
	ErrBusUnavailable = errors.New("fabric: bus unavailable")

	// ErrEmptySubject: routable messages require a subject.
	ErrEmptySubject = errors.New("fabric: empty subject")

	// ErrAlreadyInitialized: Init called on a runtime whose loops are
	// already running.
	ErrAlreadyInitialized = errors.New("fabric: runtime already initialized")

	// ErrNotInitialized: operation requires Init first.
	ErrNotInitialized = errors.New("fabric: runtime not initialized")

	// errPayloadMissing: anchor observed but no off-bus copy arrived in
	// the correlation window. The anchor is for another process or the
	// payload was lost; abandoned silently.
	errPayloadMissing = errors.New("fabric: off-bus payload not in store")

	// errAlreadyClaimed: a concurrent verification of the same message won
	// the store delete. The loser abandons without dispatching.
	errAlreadyClaimed = errors.New("fabric: message claimed by concurrent verification")
)
