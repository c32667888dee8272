// Package errs normalizes pipeline failures into a small set of kinds that
// the send orchestrator maps onto user-visible actions.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// ErrSubscriptionRequired is returned by relay calls that need a paid plan.
var ErrSubscriptionRequired = errors.New("subscription required")

// Kind classifies a failure by what the user can do about it.
type Kind int

const (
	Unknown Kind = iota
	// Validation is user-correctable input, surfaced inline.
	Validation
	// LookupFailed is a transient failure while resolving a key.
	LookupFailed
	// AuthExpired means the session or OAuth token is stale.
	AuthExpired
	// Crypto is a malformed key or engine failure.
	Crypto
	// Upload is a relay failure.
	Upload
	// Transport is a rejection by the outgoing mail transport.
	Transport
	// Oversize is a client-side size cap violation.
	Oversize
	// Cancelled is a user or timeout cancellation.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case LookupFailed:
		return "lookup_failed"
	case AuthExpired:
		return "auth_expired"
	case Crypto:
		return "crypto"
	case Upload:
		return "upload"
	case Transport:
		return "transport"
	case Oversize:
		return "oversize"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "relay.UploadMessage".
	Op string
	// Msg is shown to the user.
	Msg string
	// Field names the input to focus for Validation errors.
	Field string
	// StatusCode is the remote status for Transport and Upload errors.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Kind, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// PayloadTooLarge reports whether the transport rejected the message size.
func (e *Error) PayloadTooLarge() bool {
	return e.Kind == Transport && e.StatusCode == http.StatusRequestEntityTooLarge
}

// New creates an Error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Invalid is a Validation error that asks the user to fix field.
func Invalid(op, field, msg string) *Error {
	return &Error{Kind: Validation, Op: op, Field: field, Msg: msg}
}

// KindOf returns the kind of err, inferring it for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return AuthExpired
	}
	return Unknown
}

// Normalize returns err as an *Error, classifying it with fallback when its
// kind cannot be inferred.
func Normalize(err error, op string, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	kind := KindOf(err)
	if kind == Unknown {
		kind = fallback
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
