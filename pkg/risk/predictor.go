package risk

import (
	"context"
	"time"
)

const growthWindow = 50

// GrowthPredictor predicts risk from the shape of the recent usage curve:
// mean velocity, mean acceleration and the projected time to the ceiling.
type GrowthPredictor struct {
	// VelocityLimit is the tokens per second considered high growth.
	VelocityLimit float64
	// AccelerationLimit is the velocity change per interval considered
	// accelerating growth.
	AccelerationLimit float64
	// Horizon is the projected time-to-ceiling below which the predictor
	// reports Critical.
	Horizon time.Duration
}

// NewGrowthPredictor returns a predictor with the default limits.
func NewGrowthPredictor() *GrowthPredictor {
	return &GrowthPredictor{
		VelocityLimit:     500,
		AccelerationLimit: 50,
		Horizon:           5 * time.Minute,
	}
}

// Growth summarizes a usage history.
type Growth struct {
	Velocity     float64
	Acceleration float64
	Points       int
}

// MeasureGrowth computes mean velocity and acceleration over the last
// samples of history. Intervals with no elapsed time are skipped.
func MeasureGrowth(history []Sample) Growth {
	if len(history) > growthWindow {
		history = history[len(history)-growthWindow:]
	}
	g := Growth{Points: len(history)}
	if len(history) < 2 {
		return g
	}

	velocities := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		dt := history[i].At.Sub(history[i-1].At).Seconds()
		if dt <= 0 {
			continue
		}
		velocities = append(velocities, float64(history[i].Tokens-history[i-1].Tokens)/dt)
	}
	if len(velocities) == 0 {
		return g
	}

	var sum float64
	for _, v := range velocities {
		sum += v
	}
	g.Velocity = sum / float64(len(velocities))

	if len(velocities) > 1 {
		var accel float64
		for i := 1; i < len(velocities); i++ {
			accel += velocities[i] - velocities[i-1]
		}
		g.Acceleration = accel / float64(len(velocities)-1)
	}
	return g
}

// Predict implements Predictor.
func (g *GrowthPredictor) Predict(ctx context.Context, state State) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	growth := MeasureGrowth(state.History)
	if growth.Points < 2 {
		return Prediction{Level: Low, Confidence: 0.30, Source: "growth"}, nil
	}

	confidence := 0.75
	fast := growth.Velocity > g.VelocityLimit
	accelerating := growth.Acceleration > g.AccelerationLimit
	if fast {
		confidence += 0.10
	}
	if accelerating {
		confidence += 0.05
	}

	level := Low
	switch {
	case g.overflowsWithin(state, growth.Velocity):
		level = Critical
	case fast && accelerating:
		level = Critical
	case fast || accelerating:
		level = High
	case growth.Velocity > g.VelocityLimit/5 && state.CurrentTokens > state.Ceiling/2:
		level = Medium
	}

	return Prediction{Level: level, Confidence: min(confidence, 0.95), Source: "growth"}, nil
}

func (g *GrowthPredictor) overflowsWithin(state State, velocity float64) bool {
	if velocity <= 0 || state.Ceiling <= 0 {
		return false
	}
	remaining := float64(state.Ceiling - state.CurrentTokens)
	if remaining <= 0 {
		return true
	}
	eta := time.Duration(remaining / velocity * float64(time.Second))
	return eta < g.Horizon
}
