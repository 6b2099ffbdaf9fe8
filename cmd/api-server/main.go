package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicdesk/reminder-engine/internal/api"
	"github.com/clinicdesk/reminder-engine/internal/appointment"
	"github.com/clinicdesk/reminder-engine/internal/channel"
	"github.com/clinicdesk/reminder-engine/internal/config"
	"github.com/clinicdesk/reminder-engine/internal/db"
	"github.com/clinicdesk/reminder-engine/internal/intent"
	"github.com/clinicdesk/reminder-engine/internal/logging"
	"github.com/clinicdesk/reminder-engine/internal/messaging"
	redisclient "github.com/clinicdesk/reminder-engine/internal/redis"
	"github.com/clinicdesk/reminder-engine/internal/reminder"
	"github.com/clinicdesk/reminder-engine/internal/reschedule"
	"github.com/clinicdesk/reminder-engine/internal/webhook"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("api-server", "dev")
		fallback.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New("api-server", cfg.Env)
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	appointments := appointment.NewPgStore(pgPool)
	patients := appointment.NewPgPatientStore(pgPool)
	channels := channel.NewPgStore(pgPool)
	alerts := reschedule.NewPgAlertStore(pgPool)
	msgLog := messaging.NewPgLog(pgPool)
	runs := reminder.NewPgRunStore(pgPool)
	counters := redisclient.NewDailyCounter(rdb)

	provider, err := messaging.NewWhatsAppCloud(cfg.WhatsAppToken, cfg.WhatsAppBaseURL, cfg.SendTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("whatsapp provider init error")
	}

	governor := channel.NewGovernor(channels, counters, channel.GovernorConfig{
		DailyLimit:      cfg.DailyMessageLimit,
		PauseThreshold:  cfg.PauseHealthThreshold,
		ResumeThreshold: cfg.ResumeHealthThreshold,
		WindowSize:      cfg.HealthWindowSize,
		BulkPacingMin:   cfg.BulkPacingMin,
		BulkPacingMax:   cfg.BulkPacingMax,
		ManualPacingMin: cfg.ManualPacingMin,
		ManualPacingMax: cfg.ManualPacingMax,
	}, log)

	syncCtx, cancelSync := context.WithTimeout(rootCtx, 10*time.Second)
	if err := governor.Sync(syncCtx); err != nil {
		log.Error().Err(err).Msg("initial channel sync failed")
	}
	cancelSync()

	// The worker owns the cadence tick; this process still needs the daily
	// counter reset and periodic reconciliation or its governor would stay
	// rate-limited past midnight.
	go governor.Maintain(rootCtx, 5*time.Minute)

	machine := appointment.NewMachine(appointments, log)
	classifier := intent.NewClassifier()

	workflow := reschedule.NewWorkflow(machine, governor, channels, provider, msgLog, alerts,
		reschedule.WorkflowConfig{
			ClinicName:     cfg.ClinicName,
			CorporatePhone: cfg.CorporatePhone,
			Location:       cfg.Location(),
			SendTimeout:    cfg.SendTimeout,
		}, log)

	wh := webhook.NewHandler(classifier, patients, appointments, machine, workflow, msgLog,
		cfg.WebhookVerifyToken, log)

	router := api.NewRouter(api.RouterConfig{
		Webhook:      wh,
		Machine:      machine,
		Appointments: appointments,
		Alerts:       alerts,
		Governor:     governor,
		Channels:     channels,
		Provider:     provider,
		MsgLog:       msgLog,
		Runs:         runs,
		SendTimeout:  cfg.SendTimeout,
		PgPool:       pgPool,
		Redis:        rdb,
		Env:          cfg.Env,
		Version:      version,
		Log:          log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()

	log.Info().Msg("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
}
