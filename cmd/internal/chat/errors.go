package chat

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, mapped to HTTP status codes by the handler and to error envelopes by the gateway.
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
)

// OpError carries a stable Op + Kind pair. Msg is safe to show to the caller.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func invalid(op, msg string) error   { return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg} }
func notFound(op, what string) error { return OpError{Op: op, Kind: ErrNotFound, Msg: what} }
func forbidden(op, msg string) error { return OpError{Op: op, Kind: ErrForbidden, Msg: msg} }
func conflict(op, msg string) error  { return OpError{Op: op, Kind: ErrConflict, Msg: msg} }

// PublicMessage returns the caller-facing text of err, or "" for internal errors.
func PublicMessage(err error) string {
	var oe OpError
	if errors.As(err, &oe) {
		if oe.Msg != "" {
			return oe.Msg
		}
		return oe.Kind.Error()
	}
	return ""
}
