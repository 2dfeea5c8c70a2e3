package domain

import "errors"

// Kind is the semantic error taxonomy from spec.md §7. Transport
// adapters map Kind to their own status surface (HTTP code, MQTT
// drop+log, TCP error line) without string-matching error text.
type Kind string

const (
	KindUnknownDevice     Kind = "unknown_device"
	KindProtocolDisabled  Kind = "protocol_disabled"
	KindMissingCredential Kind = "missing_credential"
	KindInvalidCredential Kind = "invalid_credential"
	KindExpiredCredential Kind = "expired_credential"
	KindMalformedPayload  Kind = "malformed_payload"
	KindPersistenceError  Kind = "persistence_error"
	KindAuditWriteFailed  Kind = "audit_write_failed"
	KindBroadcastFailed   Kind = "broadcast_failed"
)

// Sentinel errors for the taxonomy rows that are "surfaced to caller"
// (spec.md §7). Wrap with fmt.Errorf("...: %w", ErrX) to attach detail
// while keeping errors.Is/errors.As working.
var (
	ErrUnknownDevice     = errors.New("unknown device")
	ErrProtocolDisabled  = errors.New("protocol disabled")
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("expired credential")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrPersistence       = errors.New("persistence error")

	// ErrInvalidStatusTransition guards the Alert status DAG (spec.md
	// §3: no reopening).
	ErrInvalidStatusTransition = errors.New("invalid alert status transition")

	// ErrCredentialExists guards DeviceCredential's one-to-one
	// invariant with Sensor (spec.md §4.A register).
	ErrCredentialExists = errors.New("credential already registered for sensor")

	// ErrNoCredentialOfKind is returned by verify when the stored
	// record has no material of the kind presented.
	ErrNoCredentialOfKind = errors.New("no credential of kind on file")

	// ErrCredentialNotFound is the shared not-found sentinel for
	// device credential lookups, satisfied by both the store layer and
	// in-memory test doubles.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrEmptyPredicateList guards DynamicRule's invariant that an
	// active rule has at least one predicate.
	ErrEmptyPredicateList = errors.New("active rule must have a non-empty predicate list")
)

// CoreError wraps a taxonomy Kind with caller-facing detail so
// transports can branch on Kind() rather than matching strings.
type CoreError struct {
	kind  Kind
	cause error
}

// NewCoreError wraps cause under kind.
func NewCoreError(kind Kind, cause error) *CoreError {
	return &CoreError{kind: kind, cause: cause}
}

func (e *CoreError) Error() string {
	if e.cause == nil {
		return string(e.kind)
	}
	return string(e.kind) + ": " + e.cause.Error()
}

func (e *CoreError) Unwrap() error { return e.cause }

// Kind reports the taxonomy row this error belongs to.
func (e *CoreError) Kind() Kind { return e.kind }

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *CoreError, and the zero Kind otherwise.
func KindOf(err error) (Kind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.kind, true
	}
	return "", false
}
