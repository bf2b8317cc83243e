/*
Copyright © 2025 the BurnSched authors.
This file is part of BurnSched.

BurnSched is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

BurnSched is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with BurnSched.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package postgres persists schedules, farm history, and feature vectors
// in PostgreSQL. It implements burnsched.Relational and
// burnsched.VectorStore.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/burnmodel/burnsched"
)

// connectRetries is how many times Connect retries the initial
// connection, with exponential backoff, before giving up. Database
// startup commonly lags the coordinator's.
const connectRetries = 5

// DB wraps a connection pool with the schedule and vector operations the
// pipeline needs.
type DB struct {
	pool *pgxpool.Pool
	Log  *logrus.Logger
}

var _ burnsched.Relational = (*DB)(nil)
var _ burnsched.VectorStore = (*DB)(nil)

// Connect opens a pool against the given PostgreSQL URL, retrying with
// exponential backoff while the database comes up.
func Connect(ctx context.Context, url string) (*DB, error) {
	var pool *pgxpool.Pool
	err := backoff.Retry(func() error {
		var err error
		pool, err = pgxpool.Connect(ctx, url)
		return err
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectRetries))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to postgres: %v", burnsched.ErrExternalUnavailable, err)
	}
	return &DB{pool: pool, Log: logrus.StandardLogger()}, nil
}

// Close releases the pool.
func (db *DB) Close() { db.pool.Close() }

// EnsureSchema creates the tables the coordinator writes to. Idempotent.
func (db *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS burn_schedules (
			id BIGSERIAL PRIMARY KEY,
			burn_date DATE NOT NULL,
			overall_score DOUBLE PRECISION NOT NULL,
			metrics JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_assignments (
			schedule_id BIGINT NOT NULL REFERENCES burn_schedules(id) ON DELETE CASCADE,
			burn_request_id BIGINT NOT NULL,
			start_time TEXT,
			end_time TEXT,
			unscheduled_reason TEXT,
			PRIMARY KEY (schedule_id, burn_request_id)
		)`,
		`CREATE TABLE IF NOT EXISTS farm_burn_history (
			farm_id BIGINT PRIMARY KEY,
			success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_duration_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			conflict_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			good_weather_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			on_time_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			experience DOUBLE PRECISION NOT NULL DEFAULT 0,
			no_violation_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			recent_success DOUBLE PRECISION NOT NULL DEFAULT 0,
			seasonal_success DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS feature_vectors (
			kind TEXT NOT NULL,
			ref_id BIGINT NOT NULL,
			vec DOUBLE PRECISION[] NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (kind, ref_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// InsertSchedule writes a schedule and its per-request assignments in one
// transaction. Assignment times are stored as "HH:MM" strings in the
// schedule date's local time.
func (db *DB) InsertSchedule(ctx context.Context, date time.Time, s *burnsched.Schedule, m *burnsched.OptimizationMetrics) (int64, error) {
	metrics, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("encoding metrics: %w", err)
	}

	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("%w: beginning transaction: %v", burnsched.ErrExternalUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO burn_schedules (burn_date, overall_score, metrics) VALUES ($1, $2, $3) RETURNING id`,
		date, m.OverallScore, metrics).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting schedule: %w", err)
	}

	for reqID, a := range s.Assignments {
		_, err = tx.Exec(ctx,
			`INSERT INTO schedule_assignments (schedule_id, burn_request_id, start_time, end_time)
			 VALUES ($1, $2, $3, $4)`,
			id, reqID, a.Start().String(), a.End().String())
		if err != nil {
			return 0, fmt.Errorf("inserting assignment for request %d: %w", reqID, err)
		}
	}
	for reqID, reason := range s.Unscheduled {
		_, err = tx.Exec(ctx,
			`INSERT INTO schedule_assignments (schedule_id, burn_request_id, unscheduled_reason)
			 VALUES ($1, $2, $3)`,
			id, reqID, reason)
		if err != nil {
			return 0, fmt.Errorf("inserting unscheduled row for request %d: %w", reqID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: committing schedule: %v", burnsched.ErrExternalUnavailable, err)
	}
	return id, nil
}

// QueryFarmHistory returns the farm's historical burn features, or a
// zero-valued history when the farm has none recorded.
func (db *DB) QueryFarmHistory(ctx context.Context, farmID int64) (*burnsched.FarmHistory, error) {
	h := &burnsched.FarmHistory{}
	err := db.pool.QueryRow(ctx,
		`SELECT success_rate, avg_duration_hours, conflict_rate, good_weather_rate,
		        on_time_rate, experience, no_violation_rate, recent_success, seasonal_success
		 FROM farm_burn_history WHERE farm_id = $1`, farmID).Scan(
		&h.SuccessRate, &h.AvgDurationHours, &h.ConflictRate, &h.GoodWeatherRate,
		&h.OnTimeRate, &h.Experience, &h.NoViolationRate, &h.RecentSuccess, &h.SeasonalSuccess)
	if err == pgx.ErrNoRows {
		return &burnsched.FarmHistory{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying farm history: %v", burnsched.ErrExternalUnavailable, err)
	}
	h.HasHistory = true
	return h, nil
}

// Upsert stores a feature vector, replacing any previous vector for the
// same kind and ID. The vector's dimension must match its kind.
func (db *DB) Upsert(ctx context.Context, kind string, id int64, vector []float64) error {
	if d := burnsched.VectorDim(kind); d == 0 || len(vector) != d {
		return fmt.Errorf("%w: %s vector has %d dimensions", burnsched.ErrInvalidInput, kind, len(vector))
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO feature_vectors (kind, ref_id, vec, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (kind, ref_id) DO UPDATE SET vec = EXCLUDED.vec, updated_at = now()`,
		kind, id, vector)
	if err != nil {
		return fmt.Errorf("%w: upserting %s vector %d: %v", burnsched.ErrExternalUnavailable, kind, id, err)
	}
	return nil
}

// Search returns up to k stored vectors of the given kind with cosine
// similarity >= minSim against the query, most similar first. Similarity
// is computed client-side; the corpus for one kind and day is small.
func (db *DB) Search(ctx context.Context, kind string, vector []float64, k int, minSim float64) ([]burnsched.Match, error) {
	if d := burnsched.VectorDim(kind); d == 0 || len(vector) != d {
		return nil, fmt.Errorf("%w: %s query vector has %d dimensions", burnsched.ErrInvalidInput, kind, len(vector))
	}
	rows, err := db.pool.Query(ctx,
		`SELECT ref_id, vec FROM feature_vectors WHERE kind = $1`, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s vectors: %v", burnsched.ErrExternalUnavailable, kind, err)
	}
	defer rows.Close()

	var matches []burnsched.Match
	for rows.Next() {
		var id int64
		var vec []float64
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("scanning %s vector: %w", kind, err)
		}
		if len(vec) != len(vector) {
			continue
		}
		if sim := burnsched.CosineSimilarity(vector, vec); sim >= minSim {
			matches = append(matches, burnsched.Match{ID: id, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s vectors: %v", burnsched.ErrExternalUnavailable, kind, err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}
