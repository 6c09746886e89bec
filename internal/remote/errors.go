package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a remote failure. The change watcher and the engine
// switch on it to pick a retry policy.
type Kind int

const (
	// KindNetwork is any transport or server-side failure.
	KindNetwork Kind = iota
	// KindTimeout is a network failure caused by a deadline.
	KindTimeout
	// KindAuth means the credentials were rejected or revoked.
	KindAuth
	// KindNotFound means the requested file does not exist.
	KindNotFound
	// KindMalformed means the response could not be understood.
	KindMalformed
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is returned by every Store method.
type Error struct {
	Op   string
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinels usable with errors.Is against an *Error of the matching kind.
var (
	ErrNetwork   = errors.New("remote unreachable")
	ErrTimeout   = errors.New("remote timed out")
	ErrAuth      = errors.New("remote rejected credentials")
	ErrNotFound  = errors.New("remote file not found")
	ErrMalformed = errors.New("malformed remote response")
)

// Is lets errors.Is(err, remote.ErrAuth) match any *Error of KindAuth.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrMalformed:
		return e.Kind == KindMalformed
	}
	return false
}

// NewError builds an *Error. A nil err is replaced by the kind's sentinel.
func NewError(op, path string, kind Kind, err error) *Error {
	if err == nil {
		err = kind.sentinel()
	}
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindAuth:
		return ErrAuth
	case KindNotFound:
		return ErrNotFound
	case KindMalformed:
		return ErrMalformed
	default:
		return ErrNetwork
	}
}

// Wrap classifies a transport error. Errors that are already *Error pass
// through unchanged; deadline and net timeouts become KindTimeout and
// everything else KindNetwork.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(op, path, KindTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewError(op, path, KindTimeout, err)
	}
	return NewError(op, path, KindNetwork, err)
}

// KindOf returns the Kind of err and whether err is a remote error at all.
func KindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return KindNetwork, false
}

// IsAuth reports whether err means the user must log in again.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsNotFound reports whether err is a missing-file error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether retrying later may succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	kind, ok := KindOf(err)
	if !ok {
		return true
	}
	return kind == KindNetwork || kind == KindTimeout || kind == KindMalformed
}

