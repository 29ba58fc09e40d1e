package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hackgods/doctor-appointment-payments/internal/auth"
	"github.com/hackgods/doctor-appointment-payments/internal/config"
	"github.com/hackgods/doctor-appointment-payments/internal/db"
	"github.com/hackgods/doctor-appointment-payments/internal/gateway"
	"github.com/hackgods/doctor-appointment-payments/internal/logging"
)

// SimConfig controls the simulated load against a running api-server. Ratios
// are normalized so they sum to 1. Point it at a seeded database and run the
// server with STRIPE_DRY_RUN=true.
type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	BookingRatio  float64
	WebhookRatio  float64
	CancelRatio   float64
	ReadRatio     float64
	PatientLimit  int
	SlotLimit     int
	PostgresDSN   string
	JWTSecret     string
	WebhookSecret string
	RPS           float64
}

type patientRef struct {
	ID     uuid.UUID
	UserID string
}

type slotRef struct {
	DoctorID   uuid.UUID
	ScheduleID uuid.UUID
}

type bookingRef struct {
	AppointmentID uuid.UUID
	PaymentID     uuid.UUID
	Patient       patientRef
}

type DataPool struct {
	Patients []patientRef
	Slots    []slotRef

	mu       sync.Mutex
	bookings []bookingRef
}

func (dp *DataPool) AddBooking(b bookingRef) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, b)
}

func (dp *DataPool) RandomBooking(rng *rand.Rand) (bookingRef, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.bookings) == 0 {
		return bookingRef{}, false
	}
	return dp.bookings[rng.Intn(len(dp.bookings))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
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
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1], pct(50), pct(95)
}

type Metrics struct {
	Booking  OperationMetrics
	PayLater OperationMetrics
	Webhook  OperationMetrics
	Cancel   OperationMetrics
	Read     OperationMetrics
}

type Simulator struct {
	config   SimConfig
	pool     *DataPool
	client   *http.Client
	verifier *auth.Verifier
	limiter  *rate.Limiter
	metrics  Metrics
	logger   *zap.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("failed to load base config", zap.Error(err))
	}
	logger := logging.New(baseCfg.LogLevel, baseCfg.Env)
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	logger.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking", cfg.BookingRatio),
		zap.Float64("webhook", cfg.WebhookRatio),
		zap.Float64("cancel", cfg.CancelRatio),
		zap.Float64("read", cfg.ReadRatio))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{ApplicationName: "simulate", MaxConns: 2})
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal("load data pool", zap.Error(err))
	}
	logger.Info("data pool loaded", zap.Int("patients", len(dataPool.Patients)), zap.Int("slots", len(dataPool.Slots)))

	sim := &Simulator{
		config:   cfg,
		pool:     dataPool,
		client:   &http.Client{Timeout: 10 * time.Second},
		verifier: auth.NewVerifier(cfg.JWTSecret),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Workers),
		logger:   logger,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		BookingRatio:  getFloat("SIM_BOOKING_RATIO", 0.4),
		WebhookRatio:  getFloat("SIM_WEBHOOK_RATIO", 0.2),
		CancelRatio:   getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit:  getInt("SIM_PATIENT_LIMIT", 500),
		SlotLimit:     getInt("SIM_SLOT_LIMIT", 50),
		PostgresDSN:   base.PostgresDSN,
		JWTSecret:     base.JWTSecret,
		WebhookSecret: base.StripeWebhookSecret,
		RPS:           getFloat("SIM_RPS", 200),
	}

	total := cfg.BookingRatio + cfg.WebhookRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.WebhookRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required to sign simulated requests")
	}
	if cfg.WebhookSecret == "" && cfg.WebhookRatio > 0 {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when SIM_WEBHOOK_RATIO > 0")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.RPS <= 0 {
		return fmt.Errorf("SIM_RPS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id, user_id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var p patientRef
		if err := rows.Scan(&p.ID, &p.UserID); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, p)
	}
	rows.Close()

	// a small slot set keeps contention high
	rows, err = pool.Query(ctx, `
		SELECT ds.doctor_id, ds.schedule_id
		FROM doctor_schedules ds
		JOIN schedules s ON s.id = ds.schedule_id
		JOIN doctors d ON d.id = ds.doctor_id
		WHERE ds.is_booked = false AND d.is_deleted = false AND s.start_at > now()
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	for rows.Next() {
		var s slotRef
		if err := rows.Scan(&s.DoctorID, &s.ScheduleID); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, s)
	}
	rows.Close()

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no free slots loaded")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	c := s.config

	for {
		// total request rate is shared across workers
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		r := rng.Float64()
		switch {
		case r < c.BookingRatio:
			s.doBooking(ctx, rng)
		case r < c.BookingRatio+c.WebhookRatio:
			s.doWebhook(ctx, rng)
		case r < c.BookingRatio+c.WebhookRatio+c.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			if rng.Intn(2) == 0 {
				s.doPayLater(ctx, rng)
			} else {
				s.doReadMine(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	path := "/appointments"
	if rng.Intn(2) == 0 {
		path = "/appointments/book-with-pay-later"
	}
	body, _ := json.Marshal(map[string]string{
		"doctor_id":   slot.DoctorID.String(),
		"schedule_id": slot.ScheduleID.String(),
	})

	start := time.Now()
	status, respBody, err := s.call(ctx, http.MethodPost, path, body, patient.UserID, nil)
	s.metrics.Booking.Record(time.Since(start), status, err)

	if err == nil && status == http.StatusCreated {
		var resp struct {
			Appointment struct {
				ID uuid.UUID `json:"id"`
			} `json:"appointment"`
			Payment struct {
				ID uuid.UUID `json:"id"`
			} `json:"payment"`
		}
		if json.Unmarshal(respBody, &resp) == nil && resp.Appointment.ID != uuid.Nil {
			s.pool.AddBooking(bookingRef{AppointmentID: resp.Appointment.ID, PaymentID: resp.Payment.ID, Patient: patient})
		}
	}
}

func (s *Simulator) doPayLater(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, _, err := s.call(ctx, http.MethodPost, "/appointments/pay-later/"+b.AppointmentID.String(), nil, b.Patient.UserID, nil)
	s.metrics.PayLater.Record(time.Since(start), status, err)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, _, err := s.call(ctx, http.MethodPatch, "/appointments/"+b.AppointmentID.String()+"/cancel", nil, b.Patient.UserID, nil)
	s.metrics.Cancel.Record(time.Since(start), status, err)
}

func (s *Simulator) doReadMine(ctx context.Context, rng *rand.Rand) {
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	start := time.Now()
	status, _, err := s.call(ctx, http.MethodGet, "/appointments/mine?limit=20", nil, patient.UserID, nil)
	s.metrics.Read.Record(time.Since(start), status, err)
}

// doWebhook delivers a signed gateway event for a known booking. Some event
// ids are deliberately replayed to exercise idempotency.
func (s *Simulator) doWebhook(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}

	eventType, paymentStatus := gateway.TypeCheckoutCompleted, "paid"
	if rng.Intn(4) == 0 {
		eventType, paymentStatus = gateway.TypeCheckoutExpired, "unpaid"
	}
	eventID := "evt_sim_" + uuid.NewString()[:12]
	if rng.Intn(5) == 0 {
		eventID = "evt_sim_" + b.PaymentID.String()[:12]
	}

	payload, _ := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":             "cs_sim_" + b.PaymentID.String()[:8],
			"payment_status": paymentStatus,
			"metadata": map[string]string{
				"appointmentId": b.AppointmentID.String(),
				"paymentId":     b.PaymentID.String(),
			},
		}},
	})
	headers := map[string]string{
		"Stripe-Signature": gateway.SignatureHeader(s.config.WebhookSecret, payload, time.Now()),
	}

	start := time.Now()
	status, _, err := s.call(ctx, http.MethodPost, "/payments/webhook", payload, "", headers)
	s.metrics.Webhook.Record(time.Since(start), status, err)
}

// call sends one request; a non-empty userID is sent as a patient bearer token.
func (s *Simulator) call(ctx context.Context, method, path string, body []byte, userID string, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if userID != "" {
		token, err := s.verifier.Issue(auth.Identity{UserID: userID, Role: auth.RolePatient}, 5*time.Minute)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, err
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Bookings created: %d\n\n", len(s.pool.bookings))

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Pay later", &s.metrics.PayLater)
	printOperationReport("Webhook", &s.metrics.Webhook)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read mine", &s.metrics.Read)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
}

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
