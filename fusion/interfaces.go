package fusion

import (
	"context"

	"github.com/golang/geo/r3"

	"github.com/lucidvr/headtrack/spatialmath"
)

// IMUSample is one timestamped inertial measurement in the body frame.
type IMUSample struct {
	Gyro      r3.Vector // rad/s
	Accel     r3.Vector // m/s²
	Timestamp float64   // seconds
}

// IMUCalibration describes the stochastic model of the IMU, as reported by
// the hardware interface. The preintegrator is constructed from it.
type IMUCalibration struct {
	GyroNoise  float64 // rad/s/√Hz
	GyroWalk   float64 // rad/s²/√Hz
	AccelNoise float64 // m/s²/√Hz
	AccelWalk  float64 // m/s³/√Hz
}

// VisualBackend is the narrow interface to the visual tracking system. The
// SLAM machinery behind it is out of scope here; the tracker only needs
// relocalization and a feature-quality signal.
type VisualBackend interface {
	// Relocalize attempts to recover the headset pose after tracking loss.
	Relocalize(ctx context.Context) (spatialmath.Pose, bool)
	// FeatureCount reports how many features the backend currently tracks.
	FeatureCount() int
}

// IMUSource exposes historical access to raw IMU measurements, used to
// re-preintegrate a recent window for the IMU-only relocalization fallback.
type IMUSource interface {
	// MeasurementsInRange returns the samples with start <= timestamp <= end,
	// in timestamp order.
	MeasurementsInRange(start, end float64) []IMUSample
}
