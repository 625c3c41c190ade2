package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so transport layers can map it to a status
// code without string matching.
type Kind string

const (
	KindSchema           Kind = "schema"
	KindNotFound         Kind = "not_found"
	KindExpression       Kind = "expression"
	KindAdapterTimeout   Kind = "adapter_timeout"
	KindAdapterUnavail   Kind = "adapter_unavailable"
	KindAdapterProtocol  Kind = "adapter_protocol"
	KindStateConflict    Kind = "state_conflict"
	KindRoundBlocked     Kind = "round_blocked"
	KindQueueUnavailable Kind = "queue_unavailable"
	KindInternal         Kind = "internal"
)

// Fault carries a kind alongside the underlying error. Wrapping is
// preserved, so errors.Is/As keep working through it.
type Fault struct {
	Kind Kind
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return f.Err.Error()
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New creates a fault with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil error stays nil.
// If err already carries a kind, the outermost one wins.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error's kind to the status code handlers return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindSchema, KindExpression:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict, KindRoundBlocked:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
