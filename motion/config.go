package motion

import "github.com/pkg/errors"

// HeadsetState classifies how the headset is currently moving. It is derived
// on every pose update from the smoothed velocity magnitudes and the active
// thresholds.
type HeadsetState int

const (
	// Stationary means the head is essentially still.
	Stationary HeadsetState = iota
	// SlowMovement is ordinary head motion.
	SlowMovement
	// FastMovement is rapid translation, e.g. ducking or leaning quickly.
	FastMovement
	// RotationOnly is looking around without translating.
	RotationOnly
)

func (s HeadsetState) String() string {
	switch s {
	case Stationary:
		return "stationary"
	case SlowMovement:
		return "slow_movement"
	case FastMovement:
		return "fast_movement"
	case RotationOnly:
		return "rotation_only"
	default:
		return "unknown"
	}
}

// InteractionMode selects a threshold preset for the classifier.
type InteractionMode int

const (
	// Seated play has the tightest thresholds.
	Seated InteractionMode = iota
	// Standing play.
	Standing
	// RoomScale play has the loosest thresholds.
	RoomScale
)

func (m InteractionMode) String() string {
	switch m {
	case Seated:
		return "seated"
	case Standing:
		return "standing"
	case RoomScale:
		return "room_scale"
	default:
		return "unknown"
	}
}

// modePreset holds the classifier thresholds for one interaction mode.
type modePreset struct {
	stationary   float64 // m/s
	fastMovement float64 // m/s
	rotationOnly float64 // m/s
}

var modePresets = map[InteractionMode]modePreset{
	Seated:    {stationary: 0.008, fastMovement: 0.35, rotationOnly: 0.10},
	Standing:  {stationary: 0.010, fastMovement: 0.50, rotationOnly: 0.15},
	RoomScale: {stationary: 0.015, fastMovement: 0.80, rotationOnly: 0.25},
}

// PredictionConfig configures the motion model. The smoothing and threshold
// values are tuned constants; the defaults reproduce shipped behavior but all
// of them are settable.
type PredictionConfig struct {
	// PredictionHorizonMs is the default look-ahead when the render loop does
	// not supply one.
	PredictionHorizonMs float64 `json:"prediction_horizon_ms"`
	// MaxPredictionMs caps any requested horizon.
	MaxPredictionMs float64 `json:"max_prediction_ms"`
	// UseIMUForPrediction prefers IMU-propagated extrapolation when gyro data
	// is available.
	UseIMUForPrediction bool `json:"use_imu_for_prediction"`
	// AdaptivePrediction clamps the horizon by headset state and lets the
	// behavior model nudge the classifier thresholds.
	AdaptivePrediction bool `json:"adaptive_prediction"`

	// Classifier thresholds. See SetInteractionMode for the presets.
	StationaryThreshold   float64 `json:"stationary_threshold"`    // m/s
	FastMovementThreshold float64 `json:"fast_movement_threshold"` // m/s
	RotationOnlyThreshold float64 `json:"rotation_only_threshold"` // m/s

	// EMA factors for the kinematic chain, new = alpha*sample + (1-alpha)*old.
	VelocitySmoothing     float64 `json:"velocity_smoothing"`
	AccelerationSmoothing float64 `json:"acceleration_smoothing"`
	JerkSmoothing         float64 `json:"jerk_smoothing"`
}

// DefaultPredictionConfig returns the tuned defaults (Standing preset).
func DefaultPredictionConfig() PredictionConfig {
	preset := modePresets[Standing]
	return PredictionConfig{
		PredictionHorizonMs:   20,
		MaxPredictionMs:       50,
		UseIMUForPrediction:   true,
		AdaptivePrediction:    true,
		StationaryThreshold:   preset.stationary,
		FastMovementThreshold: preset.fastMovement,
		RotationOnlyThreshold: preset.rotationOnly,
		VelocitySmoothing:     0.7,
		AccelerationSmoothing: 0.6,
		JerkSmoothing:         0.5,
	}
}

// Validate ensures all parts of the config are usable.
func (cfg *PredictionConfig) Validate(path string) error {
	if cfg.PredictionHorizonMs < 0 {
		return errors.Errorf("%s: prediction_horizon_ms must be non-negative", path)
	}
	if cfg.MaxPredictionMs <= 0 {
		return errors.Errorf("%s: max_prediction_ms must be positive", path)
	}
	if cfg.StationaryThreshold <= 0 || cfg.FastMovementThreshold <= 0 || cfg.RotationOnlyThreshold <= 0 {
		return errors.Errorf("%s: classifier thresholds must be positive", path)
	}
	if cfg.StationaryThreshold >= cfg.FastMovementThreshold {
		return errors.Errorf("%s: stationary_threshold must be below fast_movement_threshold", path)
	}
	for _, alpha := range []float64{cfg.VelocitySmoothing, cfg.AccelerationSmoothing, cfg.JerkSmoothing} {
		if alpha <= 0 || alpha > 1 {
			return errors.Errorf("%s: smoothing factors must be in (0, 1]", path)
		}
	}
	return nil
}
