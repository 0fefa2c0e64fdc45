package realtime

import (
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

// Frames carry at most one message; text is bounded by the contract, the rest is envelope and
// attachment metadata.
const maxFrameBytes = 4*v1.MaxTextRunes + 16<<10

// Transport defaults. GatewayConfig overrides them from PARLEY_WS_* variables.
const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute // no inbound frame and no pong for this long
	wsCloseGrace          = 1 * time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	wsMaxPingFailures = 3

	// Events per connection per window; hello, announce, join and send all count.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)
