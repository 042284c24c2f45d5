package tunnel

import (
	"context"
	"time"
)

// Store backs identity reservations with shared state so ownership stays
// exclusive across multiple server processes. Leases expire on their own
// when a holder stops renewing them (crashed process, severed network).
type Store interface {
	// Acquire claims identity for owner if nobody holds it. Atomic
	// set-if-absent: exactly one of two racing callers wins.
	Acquire(ctx context.Context, identity, owner string, ttl time.Duration) (bool, error)

	// Renew extends the lease when owner still holds it. Returns false
	// when the lease expired or was taken by somebody else.
	Renew(ctx context.Context, identity, owner string, ttl time.Duration) (bool, error)

	// Release drops the lease when owner still holds it. Releasing a
	// lease held by somebody else is a no-op.
	Release(ctx context.Context, identity, owner string) error

	// Take claims identity for owner unconditionally, displacing any
	// current holder. Used by takeover.
	Take(ctx context.Context, identity, owner string, ttl time.Duration) error
}
