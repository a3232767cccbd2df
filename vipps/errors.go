package vipps

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// AuthError is returned when an access token cannot be obtained.
type AuthError struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *AuthError) Error() string {
	if msg := upstreamMessage(e.Body); msg != "" {
		return "failed to get access token: " + msg
	}
	if e.Err != nil {
		return "failed to get access token: " + e.Err.Error()
	}
	return fmt.Sprintf("failed to get access token: status %d", e.StatusCode)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UpstreamError is a non-2xx response or transport failure from the ePayment API.
// StatusCode is zero when no response was received.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("vipps %s: %v", e.Operation, e.Err)
	case upstreamMessage(e.Body) != "":
		return fmt.Sprintf("vipps %s: status %d: %s", e.Operation, e.StatusCode, upstreamMessage(e.Body))
	default:
		return fmt.Sprintf("vipps %s: status %d", e.Operation, e.StatusCode)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// JSONBody reports whether Body can be forwarded verbatim as JSON.
func (e *UpstreamError) JSONBody() bool {
	return len(bytes.TrimSpace(e.Body)) > 0 && json.Valid(e.Body)
}

const maxMessageLen = 512

// upstreamMessage extracts a human readable message from an error payload.
// Vipps uses problem+json on the ePayment API and OAuth style bodies on the
// token endpoint.
func upstreamMessage(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"detail", "message", "error_description", "title", "error"} {
			if s, ok := payload[key].(string); ok && s != "" {
				return s
			}
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen]
	}
	return msg
}
