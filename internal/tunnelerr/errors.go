// Package tunnelerr defines the error taxonomy shared by the cluster manager, the relay,
// the resolver and the session supervisor.
//
// Every error carries the identifier of the target it concerns and the last known state
// of the session, so that the CLI can report both without extra bookkeeping. Errors wrap
// their cause and are matched with errors.As.
package tunnelerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and exit-code decisions.
type Kind string

const (
	KindAuth    Kind = "auth"
	KindLookup  Kind = "lookup"
	KindConnect Kind = "connect"
)

// Error is the common shape of AuthError, LookupError and ConnectError.
type Error struct {
	Kind     Kind
	TargetID string
	// State is the last known session state when the error was produced, empty when the
	// error happened outside of a session (e.g. while listing targets).
	State string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.TargetID != "" {
		msg += fmt.Sprintf(" (target %s", e.TargetID)
		if e.State != "" {
			msg += ", state " + e.State
		}
		msg += ")"
	} else if e.State != "" {
		msg += fmt.Sprintf(" (state %s)", e.State)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Auth reports invalid, expired or revoked credentials. Never retried.
func Auth(op string, err error) *Error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// Lookup reports a failure to enumerate or resolve targets. Retried once.
func Lookup(op string, err error) *Error {
	return &Error{Kind: KindLookup, Op: op, Err: err}
}

// Connect reports a failure to establish or keep a relay. Retried with bounded backoff.
func Connect(op string, err error) *Error {
	return &Error{Kind: KindConnect, Op: op, Err: err}
}

// ForTarget returns a copy of err annotated with the target ID and session state.
// Errors that are not *Error are wrapped as connect errors.
func ForTarget(err error, targetID, state string) error {
	if err == nil {
		return nil
	}
	var te *Error
	if !errors.As(err, &te) {
		te = Connect("", err)
	}
	annotated := *te
	annotated.TargetID = targetID
	annotated.State = state
	return &annotated
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsLookup reports whether err is a LookupError.
func IsLookup(err error) bool { return KindOf(err) == KindLookup }

// IsConnect reports whether err is a ConnectError.
func IsConnect(err error) bool { return KindOf(err) == KindConnect }

// ErrUserCancelled signals a clean, user-requested termination. It is not a failure.
var ErrUserCancelled = errors.New("cancelled by user")

// IsUserCancelled reports whether err is, or wraps, ErrUserCancelled.
func IsUserCancelled(err error) bool { return errors.Is(err, ErrUserCancelled) }
