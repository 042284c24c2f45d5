package protocol

// MessageType identifies a tunnel protocol message kind
type MessageType string

const (
	// TypeHello is sent by the client right after connecting, informational only
	TypeHello MessageType = "hello"
	// TypeOpenTunnel is the client's handshake request claiming an identity
	TypeOpenTunnel MessageType = "open_tunnel"
	// TypeTunnelOpened is the server's handshake success reply
	TypeTunnelOpened MessageType = "tunnel_opened"
	// TypeError is sent by the server on handshake or routing failures
	TypeError MessageType = "error"
	// TypeRequest carries a public HTTP request from server to client
	TypeRequest MessageType = "request"
	// TypeResponse carries the local HTTP response from client to server
	TypeResponse MessageType = "response"
)

// Error codes carried by Error messages
const (
	ErrCodeAuthFailed        = "AUTH_FAILED"
	ErrCodeSubdomainInUse    = "SUBDOMAIN_IN_USE"
	ErrCodeLimitExceeded     = "LIMIT_EXCEEDED"
	ErrCodeTunnelUnavailable = "TUNNEL_UNAVAILABLE"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
)

// CloseReasonStopped is the close reason sent when a tunnel is shut down
// from the dashboard. A client seeing it must not reconnect.
const CloseReasonStopped = "Tunnel stopped by user"

// Message is a decoded tunnel protocol message
type Message interface {
	Kind() MessageType
}

// Hello announces a client after the transport opens
type Hello struct {
	ClientID string `json:"clientId"`
}

func (*Hello) Kind() MessageType { return TypeHello }

// OpenTunnel asks the server to open a tunnel for an identity
type OpenTunnel struct {
	APIKey        string `json:"apiKey,omitempty"`
	Subdomain     string `json:"subdomain,omitempty"`
	CustomDomain  string `json:"customDomain,omitempty"`
	ForceTakeover bool   `json:"forceTakeover"`
}

func (*OpenTunnel) Kind() MessageType { return TypeOpenTunnel }

// TunnelOpened reports the assigned identity and public URL
type TunnelOpened struct {
	TunnelID string `json:"tunnelId"`
	URL      string `json:"url"`
}

func (*TunnelOpened) Kind() MessageType { return TypeTunnelOpened }

// Error reports a handshake or routing failure
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*Error) Kind() MessageType { return TypeError }

// Request is a public HTTP request forwarded down the tunnel.
// Body holds raw bytes; the codec carries it as base64 text inside the
// JSON envelope so it survives the message-oriented transport intact.
type Request struct {
	RequestID string              `json:"requestId"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Headers   map[string][]string `json:"headers"`
	Body      []byte              `json:"body,omitempty"`
}

func (*Request) Kind() MessageType { return TypeRequest }

// Response is the local service's reply to a forwarded Request,
// matched back to it by RequestID.
type Response struct {
	RequestID  string              `json:"requestId"`
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body,omitempty"`
}

func (*Response) Kind() MessageType { return TypeResponse }
