package messaging

import (
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusFailed    MessageStatus = "failed"
	StatusDelivered MessageStatus = "delivered"
)

// MessageLogEntry is the append-only audit row behind every message this
// engine touches, in either direction. Failed sends land here too; nothing
// silently disappears.
type MessageLogEntry struct {
	ID                uuid.UUID
	ChannelID         *uuid.UUID
	AppointmentID     *uuid.UUID
	Direction         Direction
	Content           string
	Status            MessageStatus
	ExternalMessageID string
	ErrorDetail       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
