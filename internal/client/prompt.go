package client

// ConflictChoice is the operator's resolution for a subdomain conflict.
type ConflictChoice int

const (
	// ConflictRandom retries with a server-generated identity.
	ConflictRandom ConflictChoice = iota

	// ConflictTakeover retries with forced takeover of the identity.
	ConflictTakeover

	// ConflictAbort gives up and terminates the session.
	ConflictAbort
)

// ConflictPrompter decides what to do when the requested subdomain is
// already taken and the client has never held a URL this session. It is
// consulted at most once per process.
type ConflictPrompter interface {
	Resolve(subdomain string) (ConflictChoice, error)
}

// acceptRandom is the non-interactive default: fall back to a generated
// identity rather than fight over the name.
type acceptRandom struct{}

func (acceptRandom) Resolve(string) (ConflictChoice, error) {
	return ConflictRandom, nil
}
