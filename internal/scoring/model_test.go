package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"publish-pipeline/internal/models"
)

func TestScoreStaysInRange(t *testing.T) {
	m := NewModel(models.Calibration{Version: 1, Bias: 50, PlatformWeight: 200, HourWeight: 200, LengthWeight: 200})
	for hour := 0; hour < 24; hour++ {
		for _, p := range []models.Platform{models.PlatformLinkedIn, models.PlatformMicroblog} {
			score := m.Score(Features{Platform: p, PostHour: hour, ContentLength: 5000})
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 100.0)
		}
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	m := NewModel(models.Calibration{Version: 1, Bias: 50, PlatformWeight: 3, HourWeight: -2, LengthWeight: 5})
	f := Features{Platform: models.PlatformLinkedIn, PostHour: 18, ContentLength: 400}
	first := m.Score(f)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, m.Score(f))
	}
}

func TestObservedScoreMapsRate(t *testing.T) {
	assert.Equal(t, 0.0, observedScore(0))
	assert.Equal(t, 25.0, observedScore(2.5))
	assert.Equal(t, 100.0, observedScore(10))
	// Extreme rates saturate instead of overshooting.
	assert.Equal(t, 100.0, observedScore(40))
}

func TestApplyStepMovesTowardObserved(t *testing.T) {
	cal := models.Calibration{Version: 1, Bias: 50}
	f := Features{Platform: models.PlatformLinkedIn, PostHour: 20, ContentLength: 300}

	up := applyStep(cal, f, 40, 80, 0.05, 2)
	assert.Greater(t, up.Bias, cal.Bias)
	assert.Greater(t, up.PlatformWeight, cal.PlatformWeight)

	down := applyStep(cal, f, 80, 40, 0.05, 2)
	assert.Less(t, down.Bias, cal.Bias)
}

func TestApplyStepBoundsEachDelta(t *testing.T) {
	cal := models.Calibration{Version: 1, Bias: 50}
	f := Features{Platform: models.PlatformLinkedIn, PostHour: 23, ContentLength: 1000}

	// A wildly wrong prediction still moves each weight by at most maxStep.
	next := applyStep(cal, f, 0, 100, 1.0, 2)
	assert.InDelta(t, cal.Bias+2, next.Bias, 1e-9)
	assert.LessOrEqual(t, next.PlatformWeight-cal.PlatformWeight, 2.0)
	assert.LessOrEqual(t, next.HourWeight-cal.HourWeight, 2.0)
	assert.LessOrEqual(t, next.LengthWeight-cal.LengthWeight, 2.0)
}

func TestZeroLengthLeavesLengthWeightUntouched(t *testing.T) {
	cal := models.Calibration{Version: 1, Bias: 50, LengthWeight: 7}
	f := Features{Platform: models.PlatformMicroblog, PostHour: 9}
	next := applyStep(cal, f, 30, 90, 0.05, 2)
	assert.Equal(t, cal.LengthWeight, next.LengthWeight)
}
