package tunnel

import "errors"

var (
	// ErrNotFound means no live connection owns the identity.
	ErrNotFound = errors.New("tunnel not found")

	// ErrTimeout means the owning client did not respond in time.
	ErrTimeout = errors.New("tunnel response timeout")

	// ErrConnClosed means the owning connection failed while sending.
	ErrConnClosed = errors.New("tunnel connection closed")
)
