// Package apierr defines the error kinds surfaced by the bridge and renders
// them as chat completions style error bodies.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type Kind int

const (
	// KindMalformedRequest is a client request that cannot be converted.
	KindMalformedRequest Kind = iota + 1
	// KindUpstream is a non-success answer from the messages API.
	KindUpstream
	// KindTransport means the upstream could not be reached after all attempts.
	KindTransport
	// KindStreamDecode is a single stream line that could not be decoded.
	KindStreamDecode
	// KindUnauthorized rejects a caller without the bridge's key.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindMalformedRequest:
		return "invalid_request_error"
	case KindUpstream:
		return "upstream_error"
	case KindTransport:
		return "transport_error"
	case KindStreamDecode:
		return "stream_decode_error"
	case KindUnauthorized:
		return "authentication_error"
	default:
		return "unknown_error"
	}
}

// Error carries an HTTP status alongside the kind. Body holds the upstream
// payload for KindUpstream and the offending line for KindStreamDecode.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Body    []byte
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func MalformedRequest(format string, args ...any) *Error {
	return &Error{
		Kind:    KindMalformedRequest,
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf(format, args...),
	}
}

func Upstream(status int, body []byte) *Error {
	return &Error{
		Kind:    KindUpstream,
		Status:  status,
		Message: upstreamMessage(status, body),
		Body:    body,
	}
}

func Transport(err error) *Error {
	return &Error{
		Kind:    KindTransport,
		Status:  http.StatusBadGateway,
		Message: "upstream unreachable",
		Err:     err,
	}
}

func StreamDecode(line string, err error) *Error {
	return &Error{
		Kind:    KindStreamDecode,
		Message: "undecodable stream line",
		Body:    []byte(line),
		Err:     err,
	}
}

func Unauthorized(message string) *Error {
	return &Error{
		Kind:    KindUnauthorized,
		Status:  http.StatusUnauthorized,
		Message: message,
	}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}

	return nil, false
}

func IsKind(err error, kind Kind) bool {
	apiErr, ok := As(err)
	return ok && apiErr.Kind == kind
}

// ToJSON renders the chat completions error envelope.
func (e *Error) ToJSON() []byte {
	body, _ := sjson.SetBytes(nil, "error.message", e.Message)
	body, _ = sjson.SetBytes(body, "error.type", e.Kind.String())

	if e.Status != 0 {
		body, _ = sjson.SetBytes(body, "error.code", e.Status)
	}

	return body
}

// Write sends err to the client. Upstream errors keep their status and body
// untouched; everything else becomes an error envelope. Errors that are not
// *Error are reported as 500.
func Write(w http.ResponseWriter, err error) {
	apiErr, ok := As(err)
	if !ok {
		apiErr = &Error{Status: http.StatusInternalServerError, Message: err.Error()}
	}

	status := apiErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	body := apiErr.ToJSON()
	contentType := "application/json"

	if apiErr.Kind == KindUpstream && len(apiErr.Body) > 0 {
		body = apiErr.Body
		if !gjson.ValidBytes(body) {
			contentType = "text/plain; charset=utf-8"
		}
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func upstreamMessage(status int, body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}

	return fmt.Sprintf("upstream returned status %d", status)
}
