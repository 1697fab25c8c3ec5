// Package errs provides structured error types and helpers for livecore services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeConnectivity indicates a broker or store that could not be reached.
	CodeConnectivity Code = "connectivity"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeRiskRejected indicates an order intent refused by the risk policy.
	CodeRiskRejected Code = "risk_rejected"
	// CodeHalted indicates trading is halted.
	CodeHalted Code = "halted"
	// CodeConflict indicates an illegal transition or unmet precondition.
	CodeConflict Code = "conflict"
	// CodeUnauthorized indicates a failed authorization such as a bad confirmation code.
	CodeUnauthorized Code = "unauthorized"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeBroker indicates the broker refused or failed the request.
	CodeBroker Code = "broker_error"
)

// E captures structured error information produced across livecore.
type E struct {
	Op          string
	Code        Code
	HTTP        int
	Message     string
	Remediation string
	Metadata    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:   strings.TrimSpace(op),
		Code: code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

// Error renders the envelope as space separated key=value pairs; the op and code are always present.
func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("op=" + orUnknown(e.Op))
	b.WriteString(" code=" + orUnknown(string(e.Code)))
	if e.HTTP > 0 {
		b.WriteString(" http=" + strconv.Itoa(e.HTTP))
	}
	writeQuoted(&b, "message", e.Message)
	writeQuoted(&b, "remediation", e.Remediation)
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" meta=")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k + "=" + strconv.Quote(e.Metadata[k]))
		}
	}
	if e.cause != nil {
		writeQuoted(&b, "cause", e.cause.Error())
	}
	return b.String()
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return s
}

func writeQuoted(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	b.WriteString(" " + key + "=" + strconv.Quote(value))
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err carries an envelope with the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var e *E
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// CodeOf returns the code of the outermost envelope, or the empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Transient reports whether err is worth retrying: a connectivity failure or a temporarily
// unavailable dependency anywhere in the chain.
func Transient(err error) bool {
	return Is(err, CodeConnectivity) || Is(err, CodeUnavailable)
}

// Connectivity wraps a transport failure reaching an external dependency.
func Connectivity(op string, cause error) *E {
	return New(op, CodeConnectivity, WithCause(cause))
}

// Invalid returns a validation error that must not be retried.
func Invalid(op, msg string) *E {
	return New(op, CodeInvalid, WithMessage(msg))
}
