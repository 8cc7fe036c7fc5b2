package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"publish-pipeline/internal/models"
)

// CalibrationLoader reads the persisted calibration row.
type CalibrationLoader interface {
	LoadCalibration(ctx context.Context) (models.Calibration, error)
}

// Refresh pulls the persisted calibration and swaps it in when its version is
// newer than the current snapshot. Processes that do not run the reconciler
// use this to pick up its updates.
func (m *Model) Refresh(ctx context.Context, loader CalibrationLoader) error {
	cal, err := loader.LoadCalibration(ctx)
	if err != nil {
		return fmt.Errorf("load calibration: %w", err)
	}
	if cal.Version > m.Snapshot().Version {
		m.swap(cal)
	}
	return nil
}

// KeepFresh refreshes on the given interval until the context is cancelled.
func (m *Model) KeepFresh(ctx context.Context, loader CalibrationLoader, interval time.Duration, clock clockwork.Clock, log *slog.Logger) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
		if err := m.Refresh(ctx, loader); err != nil {
			log.Error("refresh calibration", "error", err)
		}
	}
}
