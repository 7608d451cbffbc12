package motion

import (
	"github.com/montanaflynn/stats"
)

// Angular-rate cutoffs for the classifier, rad/s. Below the first the head is
// rotationally still; above the second it is deliberately looking around.
const (
	stationaryAngularMax = 0.1
	rotationAngularMin   = 0.2
)

// classify maps the smoothed velocity magnitudes to a headset state. First
// match wins, in this order.
func classify(linSpeed, angSpeed float64, cfg *PredictionConfig) HeadsetState {
	switch {
	case linSpeed < cfg.StationaryThreshold && angSpeed < stationaryAngularMax:
		return Stationary
	case linSpeed > cfg.FastMovementThreshold:
		return FastMovement
	case linSpeed < cfg.RotationOnlyThreshold && angSpeed > rotationAngularMin:
		return RotationOnly
	default:
		return SlowMovement
	}
}

// behaviorMinSamples is how many observations the model needs before it
// publishes statistics or nudges thresholds.
const behaviorMinSamples = 10

// UserBehaviorModel is a rolling statistical summary of how the user has been
// moving. It drives the adaptive threshold nudging.
type UserBehaviorModel struct {
	AvgLinearSpeed    float64
	AvgAngularSpeed   float64
	StationaryRatio   float64
	SlowRatio         float64
	FastRatio         float64
	RotationOnlyRatio float64
}

// behaviorTracker accumulates per-update speed samples and state labels in a
// bounded window and recomputes the published model from them.
type behaviorTracker struct {
	linSpeeds []float64
	angSpeeds []float64
	states    []HeadsetState
	model     UserBehaviorModel
	ready     bool
}

func (bt *behaviorTracker) observe(linSpeed, angSpeed float64, state HeadsetState) {
	bt.linSpeeds = appendBounded(bt.linSpeeds, linSpeed)
	bt.angSpeeds = appendBounded(bt.angSpeeds, angSpeed)
	bt.states = append(bt.states, state)
	if len(bt.states) > historyCapacity {
		bt.states = bt.states[len(bt.states)-historyCapacity:]
	}
	if len(bt.states) < behaviorMinSamples {
		return
	}
	bt.recompute()
}

func (bt *behaviorTracker) recompute() {
	avgLin, _ := stats.Mean(stats.Float64Data(bt.linSpeeds))
	avgAng, _ := stats.Mean(stats.Float64Data(bt.angSpeeds))

	var counts [4]int
	for _, s := range bt.states {
		counts[s]++
	}
	n := float64(len(bt.states))
	bt.model = UserBehaviorModel{
		AvgLinearSpeed:    avgLin,
		AvgAngularSpeed:   avgAng,
		StationaryRatio:   float64(counts[Stationary]) / n,
		SlowRatio:         float64(counts[SlowMovement]) / n,
		FastRatio:         float64(counts[FastMovement]) / n,
		RotationOnlyRatio: float64(counts[RotationOnly]) / n,
	}
	bt.ready = true
}

func (bt *behaviorTracker) reset() {
	*bt = behaviorTracker{}
}

// Threshold nudging bounds. The adaptive step moves each threshold a tenth of
// the way toward the observed behavior and never leaves these ranges.
const (
	adaptiveStep        = 0.1
	minStationaryThresh = 0.002
	maxStationaryThresh = 0.05
	minFastThresh       = 0.2
	maxFastThresh       = 2.0
)

// adapt nudges the classifier thresholds toward the user's observed speeds.
// A user who barely moves gets a tighter stationary gate; a user who moves
// fast gets a higher fast-movement gate so ordinary motion is not flagged.
func (bt *behaviorTracker) adapt(cfg *PredictionConfig) {
	if !bt.ready {
		return
	}
	stationaryTarget := clamp(bt.model.AvgLinearSpeed*0.5, minStationaryThresh, maxStationaryThresh)
	fastTarget := clamp(bt.model.AvgLinearSpeed*3, minFastThresh, maxFastThresh)

	cfg.StationaryThreshold += adaptiveStep * (stationaryTarget - cfg.StationaryThreshold)
	cfg.FastMovementThreshold += adaptiveStep * (fastTarget - cfg.FastMovementThreshold)
}

func appendBounded(s []float64, v float64) []float64 {
	s = append(s, v)
	if len(s) > historyCapacity {
		s = s[len(s)-historyCapacity:]
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
