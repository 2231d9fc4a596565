package engine

import "errors"

// Lifecycle violations surfaced to callers. The server layer maps
// these onto HTTP statuses; the CLI prints them as-is.
var (
	ErrValidation         = errors.New("invalid input")
	ErrAlreadyCaptured    = errors.New("weight already captured")
	ErrIncompleteWeighing = errors.New("gross and tare must both be recorded before finalizing")
	ErrAlreadyFinalized   = errors.New("ticket already finalized")
	ErrImmutable          = errors.New("ticket is finalized and cannot be modified")
)
