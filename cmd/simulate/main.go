package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicdesk/reminder-engine/internal/config"
	"github.com/clinicdesk/reminder-engine/internal/db"
)

// SimConfig drives the inbound traffic mix: what fraction of simulated
// patient replies confirm, ask to reschedule, or are plain noise.
type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	ConfirmRatio    float64
	RescheduleRatio float64
	NoiseRatio      float64
	PatientLimit    int
	PostgresDSN     string
}

var confirmTexts = []string{
	"Sí",
	"si",
	"CONFIRMO",
	"Confirmado, ahí estaré",
	"ok",
	"✅",
	"👍",
	"Claro que sí",
	"Sim, confirmo",
}

var rescheduleTexts = []string{
	"No puedo ese día",
	"¿Podemos cambiar la fecha?",
	"Necesito reagendar mi cita",
	"Sí, pero otro día",
	"Mejor otro dia por favor",
	"Quiero cancelar",
	"Não posso nesse dia",
	"Preciso remarcar",
}

var noiseTexts = []string{
	"Hola, gracias",
	"¿Cuánto cuesta una limpieza?",
	"Buenos días",
	"¿Dónde están ubicados?",
	"Gracias por la información",
}

type OperationMetrics struct {
	Total     int64
	Acked     int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, acked bool) {
	atomic.AddInt64(&om.Total, 1)
	if acked {
		atomic.AddInt64(&om.Acked, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Confirm    OperationMetrics
	Reschedule OperationMetrics
	Noise      OperationMetrics
}

type Simulator struct {
	config  SimConfig
	phones  []string
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("inbound simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d confirm=%.2f reschedule=%.2f noise=%.2f",
		cfg.Duration, cfg.Workers, cfg.ConfirmRatio, cfg.RescheduleRatio, cfg.NoiseRatio)

	// Load patient phones with upcoming appointments from Postgres
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	phones, err := loadPhones(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load phones: %v", err)
	}

	log.Printf("loaded %d patient phones with upcoming appointments", len(phones))

	sim := &Simulator{
		config: cfg,
		phones: phones,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 5),
		ConfirmRatio:    getFloat("SIM_CONFIRM_RATIO", 0.5),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.2),
		NoiseRatio:      getFloat("SIM_NOISE_RATIO", 0.3),
		PatientLimit:    getInt("SIM_PATIENT_LIMIT", 2000),
		PostgresDSN:     baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.ConfirmRatio + cfg.RescheduleRatio + cfg.NoiseRatio
	if total > 0 {
		cfg.ConfirmRatio /= total
		cfg.RescheduleRatio /= total
		cfg.NoiseRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadPhones(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT DISTINCT p.phone
		FROM patients p
		JOIN appointments a ON a.patient_id = p.id
		WHERE a.scheduled_at > now()
		  AND a.status NOT IN ('completed', 'cancelled', 'no_show')
		LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load phones: %w", err)
	}
	defer rows.Close()

	var phones []string
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, err
		}
		phones = append(phones, phone)
	}

	if len(phones) == 0 {
		return nil, fmt.Errorf("no patients with upcoming appointments, run the seed first")
	}

	return phones, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.ConfirmRatio:
				s.sendInbound(ctx, rng, confirmTexts, &s.metrics.Confirm)
			case r < s.config.ConfirmRatio+s.config.RescheduleRatio:
				s.sendInbound(ctx, rng, rescheduleTexts, &s.metrics.Reschedule)
			default:
				s.sendInbound(ctx, rng, noiseTexts, &s.metrics.Noise)
			}

			// Patients do not type this fast
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(rng.Intn(400)+100) * time.Millisecond):
			}
		}
	}
}

func (s *Simulator) sendInbound(ctx context.Context, rng *rand.Rand, texts []string, om *OperationMetrics) {
	phone := s.phones[rng.Intn(len(s.phones))]
	text := texts[rng.Intn(len(texts))]

	payload := map[string]any{
		"phone":     phone,
		"text":      text,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	body, _ := json.Marshal(payload)

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "POST",
		s.config.APIBaseURL+"/webhook/whatsapp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	acked := false
	if err == nil {
		resp.Body.Close()
		// The webhook contract is 200 no matter what
		acked = resp.StatusCode == http.StatusOK
	}

	om.Record(latency, acked)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("INBOUND SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Confirm texts", &s.metrics.Confirm)
	printOperationReport("Reschedule texts", &s.metrics.Reschedule)
	printOperationReport("Noise texts", &s.metrics.Noise)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	acked := atomic.LoadInt64(&om.Acked)
	errs := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Acked: %d (%.1f%%)\n", acked, float64(acked)/float64(total)*100)
	if errs > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errs, float64(errs)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
