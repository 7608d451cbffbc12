package fusion

import (
	"time"

	"github.com/pkg/errors"
)

// Config configures the fusion tracker. The rapid-motion thresholds and EMA
// factors are tuned constants; the defaults reproduce shipped behavior.
type Config struct {
	// MinTrackingFeatures is the feature count at or above which visual
	// tracking counts as good.
	MinTrackingFeatures int `json:"min_tracking_features"`
	// GravitySamples is how many buffered accelerometer samples gravity
	// initialization averages.
	GravitySamples int `json:"gravity_samples"`
	// GravityMagnitude is |g| in m/s².
	GravityMagnitude float64 `json:"gravity_magnitude"`

	// RapidAngularVelocity and RapidLinearAcceleration are the rapid-motion
	// heuristic thresholds, rad/s and m/s².
	RapidAngularVelocity    float64 `json:"rapid_angular_velocity"`
	RapidLinearAcceleration float64 `json:"rapid_linear_acceleration"`

	// EnableIMUFallback allows tracking to continue on IMU alone when
	// relocalization fails; IMUFallbackWindowS is how much recent IMU history
	// is re-preintegrated to do so.
	EnableIMUFallback  bool    `json:"enable_imu_fallback"`
	IMUFallbackWindowS float64 `json:"imu_fallback_window_s"`

	// PollInterval bounds how long the processing loop sleeps with no wake.
	PollInterval time.Duration `json:"poll_interval"`

	// TrackingEMA and TimingEMA are the old-value weights of the
	// tracking-percentage and cycle-timing moving averages.
	TrackingEMA float64 `json:"tracking_ema"`
	TimingEMA   float64 `json:"timing_ema"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		MinTrackingFeatures:     30,
		GravitySamples:          100,
		GravityMagnitude:        9.81,
		RapidAngularVelocity:    1.5,
		RapidLinearAcceleration: 5.0,
		EnableIMUFallback:       true,
		IMUFallbackWindowS:      0.1,
		PollInterval:            10 * time.Millisecond,
		TrackingEMA:             0.99,
		TimingEMA:               0.95,
	}
}

// Validate ensures all parts of the config are usable.
func (cfg *Config) Validate(path string) error {
	if cfg.MinTrackingFeatures < 0 {
		return errors.Errorf("%s: min_tracking_features must be non-negative", path)
	}
	if cfg.GravitySamples <= 0 {
		return errors.Errorf("%s: gravity_samples must be positive", path)
	}
	if cfg.GravityMagnitude <= 0 {
		return errors.Errorf("%s: gravity_magnitude must be positive", path)
	}
	if cfg.RapidAngularVelocity <= 0 || cfg.RapidLinearAcceleration <= 0 {
		return errors.Errorf("%s: rapid-motion thresholds must be positive", path)
	}
	if cfg.EnableIMUFallback && cfg.IMUFallbackWindowS <= 0 {
		return errors.Errorf("%s: imu_fallback_window_s must be positive when the fallback is enabled", path)
	}
	if cfg.PollInterval <= 0 {
		return errors.Errorf("%s: poll_interval must be positive", path)
	}
	for _, f := range []float64{cfg.TrackingEMA, cfg.TimingEMA} {
		if f <= 0 || f >= 1 {
			return errors.Errorf("%s: EMA factors must be in (0, 1)", path)
		}
	}
	return nil
}
