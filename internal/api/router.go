package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/reminder-engine/internal/appointment"
	"github.com/clinicdesk/reminder-engine/internal/channel"
	"github.com/clinicdesk/reminder-engine/internal/messaging"
	"github.com/clinicdesk/reminder-engine/internal/reminder"
	"github.com/clinicdesk/reminder-engine/internal/reschedule"
	"github.com/clinicdesk/reminder-engine/internal/webhook"
)

type RouterConfig struct {
	Webhook      *webhook.Handler
	Machine      *appointment.Machine
	Appointments appointment.Store
	Alerts       reschedule.AlertStore
	Governor     *channel.Governor
	Channels     channel.Store
	Provider     messaging.Provider
	MsgLog       messaging.Log
	Runs         reminder.RunStore
	SendTimeout  time.Duration
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	Env          string
	Version      string
	Log          zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Provider webhook
	r.Get("/webhook/whatsapp", cfg.Webhook.Verify)
	r.Post("/webhook/whatsapp", cfg.Webhook.Receive)

	b := &broadcaster{
		governor:    cfg.Governor,
		channels:    cfg.Channels,
		provider:    cfg.Provider,
		msgLog:      cfg.MsgLog,
		sendTimeout: cfg.SendTimeout,
		log:         cfg.Log,
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/alerts", listAlertsHandler(cfg.Alerts))
		r.Post("/alerts/{id}/read", markAlertReadHandler(cfg.Alerts))
		r.Post("/alerts/{id}/resolve", resolveAlertHandler(cfg.Alerts))

		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Appointments))
		r.Get("/appointments/{id}/messages", listAppointmentMessagesHandler(cfg.MsgLog))
		r.Post("/appointments/{id}/events", applyEventHandler(cfg.Machine))

		r.Get("/channels", listChannelsHandler(cfg.Governor))

		r.Get("/reminders/runs", listRunsHandler(cfg.Runs))
		r.Get("/reminders/stats", runStatsHandler(cfg.Runs))

		r.Post("/messages/broadcast", broadcastHandler(b))
	})

	return r
}
