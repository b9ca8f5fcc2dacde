package control

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/devskill-org/hvac-mpc/logging"
)

const createStepsTable = `
CREATE TABLE IF NOT EXISTS control_steps (
	run_id          UUID        NOT NULL,
	step            INTEGER     NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	actions         JSONB       NOT NULL,
	planned_temps   JSONB       NOT NULL,
	measurements    JSONB,
	price           DOUBLE PRECISION NOT NULL,
	energy_cost     NUMERIC     NOT NULL,
	objective       DOUBLE PRECISION NOT NULL,
	comfort_cost    DOUBLE PRECISION NOT NULL,
	iterations      INTEGER     NOT NULL,
	solve_attempts  INTEGER     NOT NULL,
	learning_rate   DOUBLE PRECISION NOT NULL,
	converged       BOOLEAN     NOT NULL,
	solve_ms        BIGINT      NOT NULL,
	PRIMARY KEY (run_id, step)
)`

// Store persists step records to PostgreSQL
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenStore connects to PostgreSQL and makes sure the table exists
func OpenStore(ctx context.Context, connString string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := NewStore(db, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database handle
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logging.OrNop(logger).Named("store")}
}

// EnsureSchema creates the control_steps table when missing
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createStepsTable); err != nil {
		return fmt.Errorf("failed to create control_steps table: %w", err)
	}
	return nil
}

// Close closes the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStep upserts one step record
func (s *Store) RecordStep(ctx context.Context, rec *StepRecord) error {
	return s.SaveSteps(ctx, []*StepRecord{rec})
}

// SaveSteps upserts step records in one transaction
func (s *Store) SaveSteps(ctx context.Context, records []*StepRecord) error {
	if s.db == nil {
		return fmt.Errorf("database connection not available")
	}

	if len(records) == 0 {
		return nil
	}

	// Begin transaction
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Prepare upsert statement
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO control_steps (
			run_id,
			step,
			started_at,
			actions,
			planned_temps,
			measurements,
			price,
			energy_cost,
			objective,
			comfort_cost,
			iterations,
			solve_attempts,
			learning_rate,
			converged,
			solve_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (run_id, step) DO UPDATE SET
			started_at = EXCLUDED.started_at,
			actions = EXCLUDED.actions,
			planned_temps = EXCLUDED.planned_temps,
			measurements = EXCLUDED.measurements,
			price = EXCLUDED.price,
			energy_cost = EXCLUDED.energy_cost,
			objective = EXCLUDED.objective,
			comfort_cost = EXCLUDED.comfort_cost,
			iterations = EXCLUDED.iterations,
			solve_attempts = EXCLUDED.solve_attempts,
			learning_rate = EXCLUDED.learning_rate,
			converged = EXCLUDED.converged,
			solve_ms = EXCLUDED.solve_ms
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		actions, err := json.Marshal(rec.Actions)
		if err != nil {
			return fmt.Errorf("failed to encode actions for step %d: %w", rec.Step, err)
		}
		planned, err := json.Marshal(rec.PlannedTemperatures)
		if err != nil {
			return fmt.Errorf("failed to encode planned temperatures for step %d: %w", rec.Step, err)
		}
		var measurements any
		if rec.Measurements != nil {
			data, err := json.Marshal(rec.Measurements)
			if err != nil {
				return fmt.Errorf("failed to encode measurements for step %d: %w", rec.Step, err)
			}
			measurements = string(data)
		}

		_, err = stmt.ExecContext(ctx,
			rec.RunID.String(),
			rec.Step,
			rec.StartedAt,
			string(actions),
			string(planned),
			measurements,
			rec.Price,
			rec.EnergyCost.String(),
			rec.Objective,
			rec.ComfortCost,
			rec.Iterations,
			rec.SolveAttempts,
			rec.LearningRate,
			rec.Converged,
			rec.SolveDuration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert step %d: %w", rec.Step, err)
		}
	}

	// Commit transaction
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("Saved step records", zap.Int("count", len(records)))
	return nil
}

// LoadRun loads the step records of a run ordered by step
func (s *Store) LoadRun(ctx context.Context, runID uuid.UUID) ([]*StepRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection not available")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			run_id,
			step,
			started_at,
			actions,
			planned_temps,
			measurements,
			price,
			energy_cost,
			objective,
			comfort_cost,
			iterations,
			solve_attempts,
			learning_rate,
			converged,
			solve_ms
		FROM control_steps
		WHERE run_id = $1
		ORDER BY step ASC
	`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var records []*StepRecord
	for rows.Next() {
		rec := &StepRecord{}
		var (
			id           string
			actions      []byte
			planned      []byte
			measurements []byte
			energyCost   string
			solveMS      int64
		)

		err := rows.Scan(
			&id,
			&rec.Step,
			&rec.StartedAt,
			&actions,
			&planned,
			&measurements,
			&rec.Price,
			&energyCost,
			&rec.Objective,
			&rec.ComfortCost,
			&rec.Iterations,
			&rec.SolveAttempts,
			&rec.LearningRate,
			&rec.Converged,
			&solveMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		if rec.RunID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid run id %q: %w", id, err)
		}
		if rec.EnergyCost, err = decimal.NewFromString(energyCost); err != nil {
			return nil, fmt.Errorf("invalid energy cost %q: %w", energyCost, err)
		}
		if err := json.Unmarshal(actions, &rec.Actions); err != nil {
			return nil, fmt.Errorf("failed to decode actions: %w", err)
		}
		if err := json.Unmarshal(planned, &rec.PlannedTemperatures); err != nil {
			return nil, fmt.Errorf("failed to decode planned temperatures: %w", err)
		}
		if measurements != nil {
			if err := json.Unmarshal(measurements, &rec.Measurements); err != nil {
				return nil, fmt.Errorf("failed to decode measurements: %w", err)
			}
		}
		rec.SolveDuration = time.Duration(solveMS) * time.Millisecond

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return records, nil
}

// DeleteRun removes the step records of a run
func (s *Store) DeleteRun(ctx context.Context, runID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM control_steps WHERE run_id = $1`, runID.String())
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	return nil
}
