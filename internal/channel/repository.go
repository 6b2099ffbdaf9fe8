package channel

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrChannelNotFound = errors.New("channel not found")

type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Channel, error)
	ListConnected(ctx context.Context) ([]Channel, error)

	// RecordSend bumps the persisted daily counter for audit/rate accounting.
	RecordSend(ctx context.Context, id uuid.UUID, at time.Time) error

	UpdateHealth(ctx context.Context, id uuid.UUID, score float64) error
	UpdateConnectionState(ctx context.Context, id uuid.UUID, state ConnectionState) error

	// ResetDailyCounts zeroes every channel's daily counter. Runs from the
	// midnight maintenance tick.
	ResetDailyCounts(ctx context.Context, resetAt time.Time) error
}
