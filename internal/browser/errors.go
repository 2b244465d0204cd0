package browser

import "errors"

var (
	// ErrEngineUnavailable indicates the engine failed to start or has disconnected.
	// The pool relaunches the engine on the next acquisition.
	ErrEngineUnavailable = errors.New("browser engine unavailable")
	// ErrPoolExhausted is returned when no context became available before the deadline.
	ErrPoolExhausted = errors.New("browser pool exhausted")
	// ErrPoolClosed is returned by acquisitions after Close.
	ErrPoolClosed = errors.New("browser pool closed")
)
