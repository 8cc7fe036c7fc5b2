package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"publish-pipeline/internal/models"
)

// LoadCalibration reads the single versioned calibration row, seeding the
// default row on first startup.
func (s *Store) LoadCalibration(ctx context.Context) (models.Calibration, error) {
	var cal models.Calibration
	err := s.pool.QueryRow(ctx, `
		SELECT version, bias, platform_weight, hour_weight, length_weight, updated_at
		FROM calibration_state WHERE id = 1
	`).Scan(&cal.Version, &cal.Bias, &cal.PlatformWeight, &cal.HourWeight, &cal.LengthWeight, &cal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO calibration_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING
		`)
		if err != nil {
			return models.Calibration{}, fmt.Errorf("seed calibration: %w", err)
		}
		return s.LoadCalibration(ctx)
	}
	if err != nil {
		return models.Calibration{}, fmt.Errorf("load calibration: %w", err)
	}
	return cal, nil
}

// SaveCalibration persists updated weights with an optimistic version check.
// The reconciliation engine is the single writer, so a version conflict points
// at a second reconciler instance and is surfaced rather than merged.
func (s *Store) SaveCalibration(ctx context.Context, cal models.Calibration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calibration_state
		SET version = version + 1, bias = $1, platform_weight = $2,
		    hour_weight = $3, length_weight = $4, updated_at = NOW()
		WHERE id = 1 AND version = $5
	`, cal.Bias, cal.PlatformWeight, cal.HourWeight, cal.LengthWeight, cal.Version)
	if err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save calibration: version %d superseded", cal.Version)
	}
	return nil
}
