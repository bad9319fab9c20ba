// Package telephony is a typed wrapper over the telephony control
// server's REST operations: channels, bridges, playbacks, recordings,
// origination, and channel-variable reads.
package telephony

import "fmt"

// Kind categorizes a telephony operation failure.
type Kind string

const (
	KindTransientNetwork Kind = "transient_network"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindRejected         Kind = "rejected"
	KindServer           Kind = "server"
)

// Error is returned by every adapter operation that fails.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("telephony: %s: %s (%s): %v", e.Op, e.Message, e.Kind, e.Err)
	}
	return fmt.Sprintf("telephony: %s: %s (%s, status=%d)", e.Op, e.Message, e.Kind, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	te, ok := err.(*Error)
	return ok && te.Kind == kind
}

func classifyStatus(status int) Kind {
	switch {
	case status == 404:
		return KindNotFound
	case status == 409:
		return KindConflict
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindRejected
	default:
		return KindServer
	}
}
