package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a gateway failure per §7 of the specification.
// These are conditions, not Go types: callers match on Kind via errors.As,
// never on the concrete error value.
type ErrorKind int

const (
	// KindMalformedFrame: a DL/T 645 delimiter or checksum check failed.
	KindMalformedFrame ErrorKind = iota
	// KindMalformedValue: a DLMS tag is unknown or its payload is truncated mid-value.
	KindMalformedValue
	// KindFramingError: an IVY payload length exceeds the cap, or the signature was lost mid-stream.
	KindFramingError
	// KindAssociationRejected: an AARE carried a non-zero association result.
	KindAssociationRejected
	// KindDataAccessError: a GET.response carried a non-zero access result.
	KindDataAccessError
	// KindRequestTimeout: no matching response arrived before the deadline.
	KindRequestTimeout
	// KindBackpressureTimeout: the transport write never drained.
	KindBackpressureTimeout
	// KindDuplicateMeter: two connections claimed the same meter id.
	KindDuplicateMeter
	// KindRateLimited: the accept path refused the remote IP (external collaborator decision).
	KindRateLimited
	// KindConnectionClosed: the transport closed while pending requests existed.
	KindConnectionClosed
	// KindConfigInvalid: a required setting was missing in production mode.
	KindConfigInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedFrame:
		return "malformed_frame"
	case KindMalformedValue:
		return "malformed_value"
	case KindFramingError:
		return "framing_error"
	case KindAssociationRejected:
		return "association_rejected"
	case KindDataAccessError:
		return "data_access_error"
	case KindRequestTimeout:
		return "request_timeout"
	case KindBackpressureTimeout:
		return "backpressure_timeout"
	case KindDuplicateMeter:
		return "duplicate_meter"
	case KindRateLimited:
		return "rate_limited"
	case KindConnectionClosed:
		return "connection_closed"
	case KindConfigInvalid:
		return "config_invalid"
	default:
		return "unknown"
	}
}

// GatewayError wraps an underlying cause with a classification from §7.
type GatewayError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrKind(KindX)) work without exposing sentinels per-kind.
func (e *GatewayError) Is(target error) bool {
	var ge *GatewayError
	if errors.As(target, &ge) {
		return ge.Kind == e.Kind && ge.Err == nil
	}
	return false
}

// NewError builds a classified error, optionally wrapping a cause.
func NewError(kind ErrorKind, msg string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Msg: msg, Err: cause}
}

// ErrKind is a comparison sentinel: errors.Is(err, ErrKind(KindMalformedFrame)).
func ErrKind(kind ErrorKind) error {
	return &GatewayError{Kind: kind}
}

// KindOf extracts the ErrorKind from err, if any, and reports ok.
func KindOf(err error) (kind ErrorKind, ok bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return 0, false
}
