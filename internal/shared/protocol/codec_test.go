package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"hello", &Hello{ClientID: "client-1"}},
		{"open_tunnel full", &OpenTunnel{
			APIKey:        "ok_live_abc",
			Subdomain:     "myapp",
			CustomDomain:  "app.example.com",
			ForceTakeover: true,
		}},
		{"open_tunnel minimal", &OpenTunnel{}},
		{"tunnel_opened", &TunnelOpened{TunnelID: "myapp", URL: "https://myapp.outray.dev"}},
		{"error", &Error{Code: ErrCodeSubdomainInUse, Message: "subdomain taken"}},
		{"request", &Request{
			RequestID: "req-1",
			Method:    "POST",
			Path:      "/api/things?q=1",
			Headers:   map[string][]string{"Content-Type": {"application/json"}},
			Body:      []byte(`{"hello":"world"}`),
		}},
		{"request no body", &Request{
			RequestID: "req-2",
			Method:    "GET",
			Path:      "/",
			Headers:   map[string][]string{},
		}},
		{"response", &Response{
			RequestID:  "req-1",
			StatusCode: 201,
			Headers:    map[string][]string{"X-Thing": {"a", "b"}},
			Body:       []byte("created"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Kind(), got.Kind())
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestDecodeBinaryBodyRoundTrip(t *testing.T) {
	body := make([]byte, 512)
	for i := range body {
		body[i] = byte(i % 251)
	}

	data, err := Encode(&Response{
		RequestID:  "req-bin",
		StatusCode: 200,
		Headers:    map[string][]string{},
		Body:       body,
	})
	require.NoError(t, err)

	// The envelope itself must stay valid text: bodies travel base64-encoded.
	assert.NotContains(t, string(data), "\x00")

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, body, got.(*Response).Body)
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", "not json at all"},
		{"empty object", `{}`},
		{"unknown type", `{"type":"open_portal"}`},
		{"hello missing clientId", `{"type":"hello"}`},
		{"tunnel_opened missing url", `{"type":"tunnel_opened","tunnelId":"x"}`},
		{"error missing code", `{"type":"error","message":"boom"}`},
		{"request missing method", `{"type":"request","requestId":"r1","path":"/"}`},
		{"response missing status", `{"type":"response","requestId":"r1"}`},
		{"wrong field type", `{"type":"response","requestId":"r1","statusCode":"two hundred"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.input))
			require.Error(t, err)
			assert.Nil(t, msg)

			var de *DecodeError
			assert.ErrorAs(t, err, &de)
		})
	}
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	input := `{"type":"tunnel_opened","tunnelId":"foo","url":"https://foo.outray.dev","region":"eu-west"}`

	msg, err := Decode([]byte(input))
	require.NoError(t, err)

	opened, ok := msg.(*TunnelOpened)
	require.True(t, ok)
	assert.Equal(t, "foo", opened.TunnelID)
	assert.Equal(t, "https://foo.outray.dev", opened.URL)
}

func TestDecodeNormalizesNilHeaders(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"request","requestId":"r1","method":"GET","path":"/"}`))
	require.NoError(t, err)
	assert.NotNil(t, msg.(*Request).Headers)
}
