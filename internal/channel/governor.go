package channel

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/clinicdesk/reminder-engine/internal/redis"
)

var (
	ErrNoChannelAvailable = errors.New("no connected channel available")
	ErrRateLimited        = errors.New("send refused by channel governor")
)

// PacingClass selects which anti-block delay range applies. Scheduled
// reminder runs use short gaps; manual bulk sends driven by a human use much
// longer ones because they look more like spam to the provider.
type PacingClass int

const (
	PaceBulk PacingClass = iota
	PaceManual
)

// Health score weights: delivery rate, read rate, response rate.
const (
	weightDelivered = 0.4
	weightRead      = 0.3
	weightResponded = 0.3
)

type GovernorConfig struct {
	DailyLimit      int
	PauseThreshold  float64 // below this the channel is auto-blocked
	ResumeThreshold float64 // recovered health needed to unblock
	WindowSize      int     // rolling outcome window per channel
	BulkPacingMin   time.Duration
	BulkPacingMax   time.Duration
	ManualPacingMin time.Duration
	ManualPacingMax time.Duration
}

// channelState is everything the governor tracks per channel. Its mutex
// serializes counter and health mutation as well as pacing claims, so two
// goroutines can never both grab the same send slot.
type channelState struct {
	mu        sync.Mutex
	ch        Channel
	lastSend  time.Time
	window    []SendOutcome
	windowPos int
	windowLen int
}

// Governor is the single authority over outbound channels: which one sends
// next, whether sending is allowed at all, and how long to wait between
// consecutive sends on the same channel.
type Governor struct {
	store    Store
	counters redisclient.DailyCounter
	cfg      GovernorConfig
	log      zerolog.Logger

	mu       sync.RWMutex
	channels map[uuid.UUID]*channelState
}

func NewGovernor(store Store, counters redisclient.DailyCounter, cfg GovernorConfig, log zerolog.Logger) *Governor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	return &Governor{
		store:    store,
		counters: counters,
		cfg:      cfg,
		log:      log.With().Str("component", "channel_governor").Logger(),
		channels: make(map[uuid.UUID]*channelState),
	}
}

// Sync reconciles in-memory channel state with the store. Runtime state
// (rolling window, last-send time) survives. The daily count adopts the
// reconciled mirror/store value in both directions: upward so a restart
// cannot under-count against the limit, downward so a midnight reset done
// by another process actually reopens this one.
func (g *Governor) Sync(ctx context.Context) error {
	stored, err := g.store.ListConnected(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, ch := range stored {
		cs, ok := g.channels[ch.ID]
		if !ok {
			cs = &channelState{
				ch:     ch,
				window: make([]SendOutcome, g.cfg.WindowSize),
			}
			g.channels[ch.ID] = cs
		}

		cs.mu.Lock()
		// A governor-blocked channel stays blocked until recovery, no
		// matter what the store row says.
		if cs.ch.ConnectionState != StateBlocked {
			cs.ch.ConnectionState = ch.ConnectionState
		}
		cs.ch.ExternalInstanceID = ch.ExternalInstanceID
		cs.ch.DailySentResetAt = ch.DailySentResetAt

		if g.counters != nil {
			if n, err := g.counters.Get(ctx, ch.ID, time.Now()); err == nil {
				count := ch.DailyMessageCount
				if n > count {
					count = n
				}
				cs.ch.DailyMessageCount = count
			} else if cs.ch.DailyMessageCount < ch.DailyMessageCount {
				// Mirror unreachable: only raise, never guess downward.
				cs.ch.DailyMessageCount = ch.DailyMessageCount
			}
		} else if cs.ch.DailyMessageCount < ch.DailyMessageCount {
			cs.ch.DailyMessageCount = ch.DailyMessageCount
		}
		cs.mu.Unlock()
	}

	return nil
}

// SelectChannel returns the connected candidate with the highest health
// score. An empty candidate list means "any channel the governor knows".
func (g *Governor) SelectChannel(ctx context.Context, candidates []uuid.UUID) (uuid.UUID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	pool := candidates
	if len(pool) == 0 {
		pool = make([]uuid.UUID, 0, len(g.channels))
		for id := range g.channels {
			pool = append(pool, id)
		}
	}

	var bestID uuid.UUID
	bestHealth := -1.0
	found := false

	for _, id := range pool {
		cs, ok := g.channels[id]
		if !ok {
			continue
		}
		cs.mu.Lock()
		if cs.ch.ConnectionState == StateConnected && cs.ch.HealthScore > bestHealth {
			bestID = id
			bestHealth = cs.ch.HealthScore
			found = true
		}
		cs.mu.Unlock()
	}

	if !found {
		return uuid.Nil, ErrNoChannelAvailable
	}
	return bestID, nil
}

// CanSend reports whether the channel may send right now: connected, under
// the daily limit, and healthy enough. Pacing is handled separately by
// AcquireSendSlot; callers must never send without passing through it.
func (g *Governor) CanSend(channelID uuid.UUID) bool {
	cs := g.state(channelID)
	if cs == nil {
		return false
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	return g.canSendLocked(cs)
}

func (g *Governor) canSendLocked(cs *channelState) bool {
	if cs.ch.ConnectionState != StateConnected {
		return false
	}
	if cs.ch.DailyMessageCount >= g.cfg.DailyLimit {
		return false
	}
	if cs.ch.HealthScore < g.cfg.PauseThreshold {
		return false
	}
	return true
}

// AcquireSendSlot blocks until the anti-block gap since the channel's last
// send has elapsed, then claims the slot. It re-checks sendability after the
// wait: a channel can hit its daily limit or get blocked while we pace.
// Returns ErrRateLimited when the channel may not send.
func (g *Governor) AcquireSendSlot(ctx context.Context, channelID uuid.UUID, class PacingClass) error {
	cs := g.state(channelID)
	if cs == nil {
		return ErrChannelNotFound
	}

	for {
		cs.mu.Lock()
		if !g.canSendLocked(cs) {
			cs.mu.Unlock()
			return ErrRateLimited
		}

		gap := g.randomGap(class)
		next := cs.lastSend.Add(gap)
		now := time.Now()

		if cs.lastSend.IsZero() || !now.Before(next) {
			cs.lastSend = now
			cs.mu.Unlock()
			return nil
		}

		wait := next.Sub(now)
		cs.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		// Loop: another goroutine may have claimed the slot meanwhile.
	}
}

func (g *Governor) randomGap(class PacingClass) time.Duration {
	min, max := g.cfg.BulkPacingMin, g.cfg.BulkPacingMax
	if class == PaceManual {
		min, max = g.cfg.ManualPacingMin, g.cfg.ManualPacingMax
	}
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// ReportResult feeds a send outcome back: rolling window update, health
// recompute, daily counter bump (memory, store, and Redis mirror), and the
// protective auto-block when health falls below the pause threshold.
func (g *Governor) ReportResult(ctx context.Context, channelID uuid.UUID, outcome SendOutcome) {
	cs := g.state(channelID)
	if cs == nil {
		return
	}

	cs.mu.Lock()

	cs.window[cs.windowPos] = outcome
	cs.windowPos = (cs.windowPos + 1) % len(cs.window)
	if cs.windowLen < len(cs.window) {
		cs.windowLen++
	}

	cs.ch.DailyMessageCount++
	cs.ch.HealthScore = healthScore(cs.window[:cs.windowLen])

	blocked := false
	if cs.ch.HealthScore < g.cfg.PauseThreshold && cs.ch.ConnectionState == StateConnected {
		cs.ch.ConnectionState = StateBlocked
		blocked = true
	}

	health := cs.ch.HealthScore
	count := cs.ch.DailyMessageCount
	cs.mu.Unlock()

	now := time.Now()
	if err := g.store.RecordSend(ctx, channelID, now); err != nil {
		g.log.Error().Err(err).Str("channel_id", channelID.String()).Msg("record send failed")
	}
	if err := g.store.UpdateHealth(ctx, channelID, health); err != nil {
		g.log.Error().Err(err).Str("channel_id", channelID.String()).Msg("persist health failed")
	}
	if g.counters != nil {
		if _, err := g.counters.Increment(ctx, channelID, now); err != nil {
			g.log.Error().Err(err).Str("channel_id", channelID.String()).Msg("mirror daily counter failed")
		}
	}

	if blocked {
		g.log.Warn().
			Str("channel_id", channelID.String()).
			Float64("health", health).
			Int("daily_count", count).
			Msg("channel auto-blocked below pause threshold")
		if err := g.store.UpdateConnectionState(ctx, channelID, StateBlocked); err != nil {
			g.log.Error().Err(err).Str("channel_id", channelID.String()).Msg("persist block failed")
		}
	}
}

// ResetDailyCounters is the midnight maintenance hook: zero today's counts
// and unblock channels whose health has recovered past the resume threshold.
func (g *Governor) ResetDailyCounters(ctx context.Context) {
	now := time.Now()

	g.mu.RLock()
	states := make([]*channelState, 0, len(g.channels))
	ids := make([]uuid.UUID, 0, len(g.channels))
	for id, cs := range g.channels {
		states = append(states, cs)
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	for i, cs := range states {
		cs.mu.Lock()
		cs.ch.DailyMessageCount = 0
		cs.ch.DailySentResetAt = now

		recovered := cs.ch.ConnectionState == StateBlocked && cs.ch.HealthScore >= g.cfg.ResumeThreshold
		if recovered {
			cs.ch.ConnectionState = StateConnected
		}
		cs.mu.Unlock()

		if g.counters != nil {
			if err := g.counters.Reset(ctx, ids[i], now); err != nil {
				g.log.Error().Err(err).Str("channel_id", ids[i].String()).Msg("reset mirror counter failed")
			}
		}
		if recovered {
			g.log.Info().Str("channel_id", ids[i].String()).Msg("channel unblocked after recovery")
			if err := g.store.UpdateConnectionState(ctx, ids[i], StateConnected); err != nil {
				g.log.Error().Err(err).Str("channel_id", ids[i].String()).Msg("persist unblock failed")
			}
		}
	}

	if err := g.store.ResetDailyCounts(ctx, now); err != nil {
		g.log.Error().Err(err).Msg("persist daily reset failed")
	}
}

// Maintain keeps a long-lived governor honest in processes without a
// cadence tick: it re-syncs against the store and mirror on an interval and
// runs the midnight counter reset when the local day rolls over. Blocks
// until the context is cancelled.
func (g *Governor) Maintain(ctx context.Context, syncEvery time.Duration) {
	if syncEvery <= 0 {
		syncEvery = 5 * time.Minute
	}

	ticker := time.NewTicker(syncEvery)
	defer ticker.Stop()

	lastDay := time.Now().Format("2006-01-02")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if day := time.Now().Format("2006-01-02"); day != lastDay {
				lastDay = day
				g.ResetDailyCounters(ctx)
			}
			if err := g.Sync(ctx); err != nil {
				g.log.Error().Err(err).Msg("maintenance sync failed")
			}
		}
	}
}

// ChannelStatus is a read-only view for the operator dashboard.
type ChannelStatus struct {
	ID                uuid.UUID       `json:"id"`
	HealthScore       float64         `json:"health_score"`
	DailyMessageCount int             `json:"daily_message_count"`
	ConnectionState   ConnectionState `json:"connection_state"`
	LastSendAt        *time.Time      `json:"last_send_at,omitempty"`
}

func (g *Governor) Snapshot() []ChannelStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]ChannelStatus, 0, len(g.channels))
	for id, cs := range g.channels {
		cs.mu.Lock()
		st := ChannelStatus{
			ID:                id,
			HealthScore:       cs.ch.HealthScore,
			DailyMessageCount: cs.ch.DailyMessageCount,
			ConnectionState:   cs.ch.ConnectionState,
		}
		if !cs.lastSend.IsZero() {
			t := cs.lastSend
			st.LastSendAt = &t
		}
		cs.mu.Unlock()
		out = append(out, st)
	}
	return out
}

func (g *Governor) state(channelID uuid.UUID) *channelState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.channels[channelID]
}

// healthScore blends delivery, read, and response rates over the rolling
// window into a 0-100 score. An empty window scores 100: a channel is
// innocent until it has delivery history.
func healthScore(window []SendOutcome) float64 {
	if len(window) == 0 {
		return 100
	}

	var delivered, read, responded int
	for _, o := range window {
		if o.Delivered {
			delivered++
		}
		if o.Read {
			read++
		}
		if o.Responded {
			responded++
		}
	}

	n := float64(len(window))
	rate := weightDelivered*(float64(delivered)/n) +
		weightRead*(float64(read)/n) +
		weightResponded*(float64(responded)/n)

	return rate * 100
}
