// Package scoring owns engagement prediction and its calibration loop.
// Calibration is single-writer: only the reconciler mutates it; everything
// else reads a snapshot.
package scoring

import (
	"sync"

	"publish-pipeline/internal/models"
)

// Features are the schedule-time inputs to a prediction.
type Features struct {
	Platform      models.Platform
	PostHour      int // 0-23, local posting hour
	ContentLength int // characters; 0 when unknown
}

// Model computes predicted engagement scores from the current calibration.
type Model struct {
	mu  sync.RWMutex
	cal models.Calibration
}

func NewModel(cal models.Calibration) *Model {
	return &Model{cal: cal}
}

// Snapshot returns the current calibration by value.
func (m *Model) Snapshot() models.Calibration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cal
}

func (m *Model) swap(cal models.Calibration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cal = cal
}

// Score predicts the 0-100 engagement score for the given features.
func (m *Model) Score(f Features) float64 {
	cal := m.Snapshot()
	score := cal.Bias +
		cal.PlatformWeight*platformSignal(f.Platform) +
		cal.HourWeight*hourSignal(f.PostHour) +
		cal.LengthWeight*lengthSignal(f.ContentLength)
	return clamp(score, 0, 100)
}

// platformSignal spreads the closed platform set over [-1, 1].
func platformSignal(p models.Platform) float64 {
	switch p {
	case models.PlatformLinkedIn:
		return 1
	case models.PlatformMicroblog:
		return -1
	}
	return 0
}

// hourSignal centers the posting hour: midday 0, extremes ±1.
func hourSignal(hour int) float64 {
	if hour < 0 || hour > 23 {
		return 0
	}
	return (float64(hour) - 12) / 12
}

// lengthSignal saturates at 1000 characters.
func lengthSignal(n int) float64 {
	if n <= 0 {
		return 0
	}
	if n >= 1000 {
		return 1
	}
	return float64(n) / 1000
}

// observedScore maps a raw engagement rate onto the 0-100 prediction scale.
// A 10% interactions-per-impression rate counts as a perfect score.
func observedScore(engagementRate float64) float64 {
	return clamp(engagementRate*10, 0, 100)
}

// applyStep performs one bounded gradient update toward the observed outcome.
// Each weight delta is capped so a single outlier post cannot destabilize the
// calibration.
func applyStep(cal models.Calibration, f Features, predicted, observed, learningRate, maxStep float64) models.Calibration {
	errTerm := observed - predicted
	cal.Bias += capStep(learningRate*errTerm, maxStep)
	cal.PlatformWeight += capStep(learningRate*errTerm*platformSignal(f.Platform), maxStep)
	cal.HourWeight += capStep(learningRate*errTerm*hourSignal(f.PostHour), maxStep)
	cal.LengthWeight += capStep(learningRate*errTerm*lengthSignal(f.ContentLength), maxStep)
	return cal
}

func capStep(delta, max float64) float64 {
	return clamp(delta, -max, max)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
