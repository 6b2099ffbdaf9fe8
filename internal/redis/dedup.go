package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TriggerDedup records which (appointment, daysBefore, hour) reminder slots
// have already fired, so re-running a trigger never double-sends. Keys
// survive process restarts, which is the whole point of keeping this in
// Redis rather than an in-memory map.
type TriggerDedup interface {
	// MarkSent returns true if this slot had not fired yet and is now
	// claimed by the caller. False means another run already claimed it.
	MarkSent(ctx context.Context, appointmentID uuid.UUID, daysBefore, hour int) (bool, error)
	// Release frees a claimed slot so a later run can retry it. Used when
	// the claim was taken but no send actually went out.
	Release(ctx context.Context, appointmentID uuid.UUID, daysBefore, hour int) error
}

type redisTriggerDedup struct {
	client *redis.Client
	ttl    time.Duration
}

func NewTriggerDedup(client *redis.Client, ttl time.Duration) TriggerDedup {
	return &redisTriggerDedup{
		client: client,
		ttl:    ttl,
	}
}

func dedupKey(appointmentID uuid.UUID, daysBefore, hour int) string {
	return fmt.Sprintf("remind:%s:%d:%d", appointmentID.String(), daysBefore, hour)
}

func (d *redisTriggerDedup) MarkSent(ctx context.Context, appointmentID uuid.UUID, daysBefore, hour int) (bool, error) {
	key := dedupKey(appointmentID, daysBefore, hour)

	ok, err := d.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim reminder slot: %w", err)
	}
	return ok, nil
}

func (d *redisTriggerDedup) Release(ctx context.Context, appointmentID uuid.UUID, daysBefore, hour int) error {
	key := dedupKey(appointmentID, daysBefore, hour)

	if err := d.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release reminder slot: %w", err)
	}
	return nil
}
