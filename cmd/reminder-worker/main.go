package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicdesk/reminder-engine/internal/appointment"
	"github.com/clinicdesk/reminder-engine/internal/channel"
	"github.com/clinicdesk/reminder-engine/internal/config"
	"github.com/clinicdesk/reminder-engine/internal/db"
	"github.com/clinicdesk/reminder-engine/internal/logging"
	"github.com/clinicdesk/reminder-engine/internal/messaging"
	redisclient "github.com/clinicdesk/reminder-engine/internal/redis"
	"github.com/clinicdesk/reminder-engine/internal/reminder"
	"github.com/clinicdesk/reminder-engine/internal/template"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("reminder-worker", "dev")
		fallback.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New("reminder-worker", cfg.Env)
	log.Info().
		Str("env", cfg.Env).
		Str("clinic_tz", cfg.ClinicTimezone).
		Int("cutoff_hour", cfg.SendCutoffHour).
		Msg("reminder-worker starting up")

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
	msgLog := messaging.NewPgLog(pgPool)
	runs := reminder.NewPgRunStore(pgPool)
	counters := redisclient.NewDailyCounter(rdb)
	dedup := redisclient.NewTriggerDedup(rdb, cfg.DedupTTL)

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

	resolver := template.NewResolver(cfg.ReinforcementHour)

	scheduler := reminder.NewScheduler(
		appointments, patients, channels, governor, resolver,
		provider, msgLog, dedup, runs,
		reminder.Config{
			Location:     cfg.Location(),
			ClinicName:   cfg.ClinicName,
			CutoffHour:   cfg.SendCutoffHour,
			MaxAttempts:  cfg.MaxReminderAttempts,
			GapLeadHours: cfg.GapTickLeadHours,
			SendTimeout:  cfg.SendTimeout,
		}, log)

	scheduler.Run(rootCtx)

	log.Info().Msg("reminder-worker stopped")
}
