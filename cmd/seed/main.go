package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-appointment-payments/internal/config"
	"github.com/hackgods/doctor-appointment-payments/internal/db"
	"github.com/hackgods/doctor-appointment-payments/internal/logging"
)

// Seeded user ids are deterministic (doctor-N, patient-N) so cmd/simulate
// can mint matching tokens.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("config load error", zap.Error(err))
	}
	logger := logging.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = logger.Sync() }()

	doctors := getInt("SEED_DOCTORS", 20)
	patients := getInt("SEED_PATIENTS", 2000)
	days := getInt("SEED_DAYS", 7)
	logger.Info("seed starting", zap.Int("doctors", doctors), zap.Int("patients", patients), zap.Int("days", days))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{ApplicationName: "seed", MaxConns: 2})
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	doctorIDs, err := seedDoctors(ctx, pool, doctors)
	if err != nil {
		logger.Fatal("seed doctors", zap.Error(err))
	}
	logger.Info("doctors seeded", zap.Int("count", len(doctorIDs)))

	if err := seedPatients(ctx, pool, patients, logger); err != nil {
		logger.Fatal("seed patients", zap.Error(err))
	}

	slots, err := seedSchedules(ctx, pool, doctorIDs, days)
	if err != nil {
		logger.Fatal("seed schedules", zap.Error(err))
	}
	logger.Info("seed complete", zap.Int("doctor_slots", slots))
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		// fees in major units, rounded to 50
		fee := int64(gofakeit.Number(10, 60)) * 50

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, user_id, name, email, appointment_fee, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
			ON CONFLICT (user_id) DO NOTHING
		`, id, fmt.Sprintf("doctor-%d", i), gofakeit.Name(), gofakeit.Email(), fee)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	// pick up rows kept by ON CONFLICT on a rerun
	rows, err := pool.Query(ctx, `SELECT id FROM doctors WHERE is_deleted = false`)
	if err != nil {
		return nil, err
	}
	ids, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int, logger *zap.Logger) error {
	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		batch := &pgx.Batch{}
		for i := offset; i < end; i++ {
			batch.Queue(`
				INSERT INTO patients (id, user_id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
				ON CONFLICT (user_id) DO NOTHING
			`, uuid.New(), fmt.Sprintf("patient-%d", i), gofakeit.Name(), gofakeit.Email())
		}
		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		logger.Info("patients seeded", zap.Int("done", end), zap.Int("total", count))
	}
	return nil
}

// seedSchedules creates 30 minute slots from 09:00 to 17:00 UTC for the next
// days and assigns each doctor roughly half of them.
func seedSchedules(ctx context.Context, pool *pgxpool.Pool, doctorIDs []uuid.UUID, days int) (int, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	assigned := 0
	for d := 1; d <= days; d++ {
		day := today.AddDate(0, 0, d)
		for start := day.Add(9 * time.Hour); start.Before(day.Add(17 * time.Hour)); start = start.Add(30 * time.Minute) {
			scheduleID := uuid.New()
			if _, err := tx.Exec(ctx, `
				INSERT INTO schedules (id, start_at, end_at, created_at)
				VALUES ($1, $2, $3, now())
			`, scheduleID, start, start.Add(30*time.Minute)); err != nil {
				return 0, err
			}

			for _, doctorID := range doctorIDs {
				if !gofakeit.Bool() {
					continue
				}
				if _, err := tx.Exec(ctx, `
					INSERT INTO doctor_schedules (doctor_id, schedule_id, is_booked, created_at, updated_at)
					VALUES ($1, $2, false, now(), now())
				`, doctorID, scheduleID); err != nil {
					return 0, err
				}
				assigned++
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return assigned, nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
