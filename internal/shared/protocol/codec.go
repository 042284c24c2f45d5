// Package protocol defines the message vocabulary exchanged between the
// tunnel client and server and its JSON wire encoding.
//
// Every message is a single JSON object with a "type" discriminator field.
// Decoding tolerates unknown extra fields so older peers keep working
// against newer ones; unknown message types are rejected.
package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// DecodeError reports malformed wire input. Decode never returns a
// partially populated message alongside one.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErrf(err error, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Err: err}
}

type envelope struct {
	Type MessageType `json:"type"`
}

// Encode serializes a message into its wire form.
func Encode(msg Message) ([]byte, error) {
	var wire interface{}

	switch m := msg.(type) {
	case *Hello:
		wire = struct {
			Type MessageType `json:"type"`
			*Hello
		}{TypeHello, m}
	case *OpenTunnel:
		wire = struct {
			Type MessageType `json:"type"`
			*OpenTunnel
		}{TypeOpenTunnel, m}
	case *TunnelOpened:
		wire = struct {
			Type MessageType `json:"type"`
			*TunnelOpened
		}{TypeTunnelOpened, m}
	case *Error:
		wire = struct {
			Type MessageType `json:"type"`
			*Error
		}{TypeError, m}
	case *Request:
		wire = struct {
			Type MessageType `json:"type"`
			*Request
		}{TypeRequest, m}
	case *Response:
		wire = struct {
			Type MessageType `json:"type"`
			*Response
		}{TypeResponse, m}
	default:
		return nil, fmt.Errorf("protocol: cannot encode message type %T", msg)
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.Kind(), err)
	}
	return data, nil
}

// Decode parses wire bytes into a typed message. It fails with a
// *DecodeError on malformed JSON, an unknown message type, or a missing
// required field.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, decodeErrf(err, "malformed message")
	}

	var msg Message
	switch env.Type {
	case TypeHello:
		msg = &Hello{}
	case TypeOpenTunnel:
		msg = &OpenTunnel{}
	case TypeTunnelOpened:
		msg = &TunnelOpened{}
	case TypeError:
		msg = &Error{}
	case TypeRequest:
		msg = &Request{}
	case TypeResponse:
		msg = &Response{}
	case "":
		return nil, decodeErrf(nil, "missing type field")
	default:
		return nil, decodeErrf(nil, "unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, decodeErrf(err, "malformed %s message", env.Type)
	}
	if err := validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func validate(msg Message) error {
	switch m := msg.(type) {
	case *Hello:
		if m.ClientID == "" {
			return decodeErrf(nil, "hello missing clientId")
		}
	case *TunnelOpened:
		if m.TunnelID == "" || m.URL == "" {
			return decodeErrf(nil, "tunnel_opened missing tunnelId or url")
		}
	case *Error:
		if m.Code == "" {
			return decodeErrf(nil, "error missing code")
		}
	case *Request:
		if m.RequestID == "" || m.Method == "" || m.Path == "" {
			return decodeErrf(nil, "request missing requestId, method or path")
		}
		if m.Headers == nil {
			m.Headers = map[string][]string{}
		}
	case *Response:
		if m.RequestID == "" || m.StatusCode == 0 {
			return decodeErrf(nil, "response missing requestId or statusCode")
		}
		if m.Headers == nil {
			m.Headers = map[string][]string{}
		}
	}
	return nil
}
