package channel

import (
	"time"

	"github.com/google/uuid"
)

type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateConnecting   ConnectionState = "connecting"
	StateDisconnected ConnectionState = "disconnected"
	// StateBlocked is the protective pause the governor applies when a
	// channel's health drops below the pause threshold. It requires a
	// recovery (or manual action) to leave.
	StateBlocked ConnectionState = "blocked"
)

// Channel is one outbound WhatsApp account/session. All mutation goes
// through the Governor; nothing else touches counters or health.
type Channel struct {
	ID                 uuid.UUID
	ExternalInstanceID string // provider-side phone number id
	HealthScore        float64
	DailyMessageCount  int
	DailySentResetAt   time.Time
	ConnectionState    ConnectionState
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SendOutcome is what the provider (or its delivery callbacks) reported for
// one outbound message.
type SendOutcome struct {
	Delivered bool
	Read      bool
	Responded bool
}
