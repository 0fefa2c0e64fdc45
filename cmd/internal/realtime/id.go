package realtime

import (
	"time"

	"parley/cmd/identity/ids"
	v1 "parley/shared/contracts/realtime/v1"
)

// NewConnectionID returns a ULID identifying one websocket connection.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newEnvelope wraps payload in a v1 envelope with a fresh ULID.
func newEnvelope(typ string, payload any, now time.Time) (v1.Envelope, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.NewEnvelope(typ, id, now, payload)
}
