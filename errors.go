package labagent

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorKind classifies failures so callers can decide whether to retry,
// absorb or abort.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindTransportTimeout: bridge or driver session unreachable in time. Retryable.
	KindTransportTimeout
	// KindNativeRejection: the device refused the operation (install conflict etc).
	KindNativeRejection
	// KindContractViolation: caller misuse such as a duplicate task id or an
	// ambiguous device selection. Always surfaces.
	KindContractViolation
	// KindElementChurn: stale or non-interactable element during fuzzing.
	KindElementChurn
	// KindSessionFatal: the driver session itself is unusable.
	KindSessionFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransportTimeout:
		return "transport_timeout"
	case KindNativeRejection:
		return "native_rejection"
	case KindContractViolation:
		return "contract_violation"
	case KindElementChurn:
		return "element_churn"
	case KindSessionFatal:
		return "session_fatal"
	default:
		return "unknown"
	}
}

// ErrNotInitialized is returned by device listings before Init succeeded.
var ErrNotInitialized = errors.New("device manager not initialized")

// Error is the typed failure surfaced by device operations.
type Error struct {
	Kind   ErrorKind
	Op     string
	Serial string
	// Detail carries raw native output, e.g. "Failure [INSTALL_FAILED_ALREADY_EXISTS]".
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Serial != "" {
		fmt.Fprintf(&b, " [%s]", e.Serial)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Cause keeps pkg/errors.Cause walking through typed errors.
func (e *Error) Cause() error { return e.Err }

func newKindError(kind ErrorKind, op, serial string, err error) *Error {
	return &Error{Kind: kind, Op: op, Serial: serial, Err: err}
}

func TransportTimeout(op, serial string, err error) error {
	return newKindError(KindTransportTimeout, op, serial, err)
}

// NativeRejection builds a rejection error keeping the device's raw output.
func NativeRejection(op, serial, detail string) error {
	e := newKindError(KindNativeRejection, op, serial, nil)
	e.Detail = strings.TrimSpace(detail)
	return e
}

func ContractViolation(op string, format string, args ...any) error {
	return newKindError(KindContractViolation, op, "", errors.Errorf(format, args...))
}

func ElementChurn(op string, err error) error {
	return newKindError(KindElementChurn, op, "", err)
}

func SessionFatal(op, serial string, err error) error {
	return newKindError(KindSessionFatal, op, serial, err)
}

// KindOf returns the kind of the first typed error in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a caller may retry without changing state.
func IsRetryable(err error) bool {
	return IsKind(err, KindTransportTimeout)
}
