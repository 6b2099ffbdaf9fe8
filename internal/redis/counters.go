package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DailyCounter mirrors per-channel daily send counts so a restarted governor
// does not start from zero against the provider's real tally. Counters are
// keyed by local calendar day and expire on their own.
type DailyCounter interface {
	Increment(ctx context.Context, channelID uuid.UUID, day time.Time) (int, error)
	Get(ctx context.Context, channelID uuid.UUID, day time.Time) (int, error)
	Reset(ctx context.Context, channelID uuid.UUID, day time.Time) error
}

type redisDailyCounter struct {
	client *redis.Client
}

func NewDailyCounter(client *redis.Client) DailyCounter {
	return &redisDailyCounter{client: client}
}

func counterKey(channelID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("sent:%s:%s", channelID.String(), day.Format("2006-01-02"))
}

func (c *redisDailyCounter) Increment(ctx context.Context, channelID uuid.UUID, day time.Time) (int, error) {
	key := counterKey(channelID, day)

	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment daily counter: %w", err)
	}
	if n == 1 {
		// First send of the day owns setting the expiry.
		_ = c.client.Expire(ctx, key, 48*time.Hour).Err()
	}
	return int(n), nil
}

func (c *redisDailyCounter) Get(ctx context.Context, channelID uuid.UUID, day time.Time) (int, error) {
	n, err := c.client.Get(ctx, counterKey(channelID, day)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("read daily counter: %w", err)
	}
	return n, nil
}

func (c *redisDailyCounter) Reset(ctx context.Context, channelID uuid.UUID, day time.Time) error {
	if err := c.client.Del(ctx, counterKey(channelID, day)).Err(); err != nil {
		return fmt.Errorf("reset daily counter: %w", err)
	}
	return nil
}
