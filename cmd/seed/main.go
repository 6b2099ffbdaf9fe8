package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicdesk/reminder-engine/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedChannels(context.Background(), pool, 3); err != nil {
		log.Fatalf("seed channels: %v", err)
	}

	patients, err := seedPatients(context.Background(), pool, 800)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	if err := seedAppointments(context.Background(), pool, patients, 300); err != nil {
		log.Fatalf("seed appointments: %v", err)
	}

	log.Println("seed complete")
}

func seedChannels(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d channels", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		instanceID := fmt.Sprintf("%d", gofakeit.Number(100000000000000, 999999999999999))

		_, err := tx.Exec(ctx, `
			INSERT INTO channels (id, external_instance_id, health_score, daily_message_count,
				daily_sent_reset_at, connection_state, created_at, updated_at)
			VALUES ($1, $2, 100, 0, now(), 'connected', now(), now())
		`, id, instanceID)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("channels seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d patients", count)

	const batchSize = 200
	ids := make([]uuid.UUID, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			// E.164-shaped Mexican mobile numbers
			phone := fmt.Sprintf("521%d", gofakeit.Number(1000000000, 9999999999))

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, phone, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, phone)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return ids, nil
}

func seedAppointments(ctx context.Context, pool *pgxpool.Pool, patients []uuid.UUID, count int) error {
	log.Printf("seeding %d appointments", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now()

	for i := 0; i < count; i++ {
		id := uuid.New()
		patientID := patients[gofakeit.Number(0, len(patients)-1)]

		// Spread across the next three clinic days, working hours only.
		day := gofakeit.Number(0, 2)
		hour := gofakeit.Number(8, 18)
		minute := []int{0, 30}[gofakeit.Number(0, 1)]
		scheduledAt := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.Local).
			AddDate(0, 0, day+1)

		duration := []int{30, 45, 60}[gofakeit.Number(0, 2)]

		_, err := tx.Exec(ctx, `
			INSERT INTO appointments (id, patient_id, scheduled_at, duration_minutes,
				status, reminder_attempts, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'scheduled', 0, now(), now())
		`, id, patientID, scheduledAt, duration)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("appointments seeded")
	return nil
}
