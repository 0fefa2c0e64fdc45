package password

import "errors"

// Policy and hashing errors. Identity maps them to invalid-input responses.
var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrWeakPassword     = errors.New("weak password")
	ErrMismatch         = errors.New("password confirmation does not match password")
	ErrInvalidHash      = errors.New("invalid password hash")
)
