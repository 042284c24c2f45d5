package constants

import "time"

const (
	// DefaultServerPort is the default port for the tunnel server
	DefaultServerPort = 3547

	// DefaultBaseDomain is the domain tunnels are published under
	DefaultBaseDomain = "localhost.direct"

	// RequestTimeout is the maximum time to wait for a response from the client
	RequestTimeout = 60 * time.Second

	// KeepaliveInterval is how often the client pings the server while open
	KeepaliveInterval = 30 * time.Second

	// ReconnectDelay is the flat delay between client reconnection attempts
	ReconnectDelay = 2 * time.Second

	// ReserveAttempts bounds how many generated candidates the server tries
	// when the requested identity is taken before using the fallback
	ReserveAttempts = 5

	// LeaseTTL is how long a distributed identity lease lives without renewal
	LeaseTTL = 120 * time.Second

	// LeaseHeartbeatInterval is how often held leases are renewed
	LeaseHeartbeatInterval = 20 * time.Second

	// EventBatchSize flushes the event sink when this many events are buffered
	EventBatchSize = 1000

	// EventFlushInterval flushes the event sink on this timer regardless of size
	EventFlushInterval = 5 * time.Second

	// EventQueueSize bounds the event sink queue; producers drop past it
	EventQueueSize = 8192
)
