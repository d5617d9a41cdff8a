package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ManualUploadHint is appended to every AggregateFailure message.
const ManualUploadHint = "download the file manually and load it from disk instead"

// Attempt stages reported by TransportError.
const (
	StageRequest  = "request"
	StageStatus   = "status"
	StageRead     = "read"
	StageEnvelope = "envelope"
)

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrForbidden indicates a forbidden response (HTTP 403).
type ErrForbidden struct {
	Err error
}

func (e ErrForbidden) Error() string {
	return fmt.Errorf("forbidden: %w", e.Err).Error()
}

func (e ErrForbidden) Unwrap() error {
	return e.Err
}

// ErrNotFound indicates a missing resource (HTTP 404).
type ErrNotFound struct {
	Err error
}

func (e ErrNotFound) Error() string {
	return fmt.Errorf("not_found: %w", e.Err).Error()
}

func (e ErrNotFound) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates the relay rate-limited the request.
type ErrRateLimited struct {
	Err error
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// TransportError is a failed relay attempt: network failure, timeout,
// non-2xx status, broken body or a malformed JSON envelope.
type TransportError struct {
	Relay string
	Stage string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay %s: %s: %v", e.Relay, e.Stage, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError is a relay attempt whose text was rejected before parsing.
type ValidationError struct {
	Relay   string
	Reason  string
	Snippet string
}

func (e *ValidationError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("relay %s: rejected: %s", e.Relay, e.Reason)
	}
	return fmt.Sprintf("relay %s: rejected: %s (%q)", e.Relay, e.Reason, e.Snippet)
}

// AttemptFailure is the outcome of one losing relay attempt.
type AttemptFailure struct {
	Relay string
	Err   error
}

// AggregateFailure is returned when every relay attempt failed. Attempts
// follows the configured relay order, one entry per relay.
type AggregateFailure struct {
	Target   string
	Attempts []AttemptFailure
}

func (e *AggregateFailure) Error() string {
	return fmt.Sprintf("all %d relays failed for %s; %s", len(e.Attempts), e.Target, ManualUploadHint)
}

// Unwrap exposes the per-relay errors to errors.Is and errors.As.
func (e *AggregateFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Detail lists one "relay: reason" line per attempt in relay order.
func (e *AggregateFailure) Detail() []string {
	lines := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		lines = append(lines, fmt.Sprintf("%s: %s", a.Relay, reason(a.Err)))
	}
	return lines
}

// reason strips the relay prefix that TransportError and ValidationError add.
func reason(err error) string {
	if err == nil {
		return "unknown"
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Stage + ": " + te.Err.Error()
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return err.Error()
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return "validation"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var forbidden ErrForbidden
	if errors.As(err, &forbidden) {
		return "forbidden"
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var transport *TransportError
	if errors.As(err, &transport) && transport.Stage == StageEnvelope {
		return "envelope"
	}
	return "other"
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		}
		return wrapped
	}

	return err
}
