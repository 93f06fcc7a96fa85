package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind int

const (
	KindTransport Kind = iota + 1
	KindDecoding
	KindHTTP
	KindServer
	KindUnauthorized
	KindNoCachedData
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindDecoding:
		return "decoding"
	case KindHTTP:
		return "http"
	case KindServer:
		return "server"
	case KindUnauthorized:
		return "unauthorized"
	case KindNoCachedData:
		return "no_cached_data"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is; every *Error matches the sentinel of its Kind.
var (
	ErrTransport      = errors.New("transport failure")
	ErrDecoding       = errors.New("decoding failure")
	ErrHTTP           = errors.New("http error")
	ErrServer         = errors.New("server error")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNoCachedData   = errors.New("no cached data")
	ErrInvalidRequest = errors.New("invalid request")
)

// Error is the single error type returned by Client calls.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Code       string
	// Queued is set on a transport failure whose mutation was handed to the
	// offline queue.
	Queued bool
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "request failed"
	}
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Queued {
		b.WriteString(" (queued offline)")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	return target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindTransport:
		return ErrTransport
	case KindDecoding:
		return ErrDecoding
	case KindHTTP:
		return ErrHTTP
	case KindServer:
		return ErrServer
	case KindUnauthorized:
		return ErrUnauthorized
	case KindNoCachedData:
		return ErrNoCachedData
	case KindInvalidRequest:
		return ErrInvalidRequest
	default:
		return nil
	}
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var clientErr *Error
	if !errors.As(err, &clientErr) {
		return 0
	}
	return clientErr.StatusCode
}

// IsQueued reports whether err is a transport failure whose request was
// handed to the offline queue.
func IsQueued(err error) bool {
	var clientErr *Error
	return errors.As(err, &clientErr) && clientErr.Queued
}

func transportError(err error) *Error {
	return &Error{Kind: KindTransport, Err: err}
}

func decodingError(err error) *Error {
	return &Error{Kind: KindDecoding, Err: err}
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func unauthorized(status int, message string, cause error) *Error {
	if message == "" {
		message = http.StatusText(http.StatusUnauthorized)
	}
	return &Error{Kind: KindUnauthorized, StatusCode: status, Message: message, Err: cause}
}

type errorEnvelope struct {
	Error      *bool           `json:"error"`
	Message    string          `json:"message"`
	ErrorCode  json.RawMessage `json:"error_code"`
	StatusCode int             `json:"status_code"`
}

type detailEnvelope struct {
	Detail *string `json:"detail"`
}

// errorFromResponse maps a non-2xx response to a typed error: the structured
// envelope first, then {detail}, then a bare HTTP status.
func errorFromResponse(status int, body []byte) *Error {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && (envelope.Error != nil || envelope.Message != "") {
		statusCode := status
		if envelope.StatusCode != 0 {
			statusCode = envelope.StatusCode
		}
		return &Error{
			Kind:       KindServer,
			StatusCode: statusCode,
			Message:    envelope.Message,
			Code:       rawCode(envelope.ErrorCode),
		}
	}
	var detail detailEnvelope
	if err := json.Unmarshal(body, &detail); err == nil && detail.Detail != nil {
		return &Error{Kind: KindServer, StatusCode: status, Message: *detail.Detail}
	}
	return &Error{Kind: KindHTTP, StatusCode: status, Message: http.StatusText(status)}
}

// rawCode accepts error_code as a JSON string or number.
func rawCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
