// Package motion maintains a bounded history of headset poses and IMU samples
// and extrapolates the headset pose a short horizon into the future for the
// render loop. It layers several predictors (constant velocity, constant
// acceleration, jerk-aware, IMU-propagated, Kalman) over the same history and
// adaptively classifies how the user is moving.
package motion

import (
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/lucidvr/headtrack/spatialmath"
)

// Model is the motion model. It is deliberately not synchronized: all methods
// must be called from a single writer (in practice the fusion tracker, which
// serializes access under its own lock, plus the render thread only through
// the tracker's snapshot path). Reads of cached kinematics between writes from
// another goroutine are not safe without external coordination.
type Model struct {
	cfg    PredictionConfig
	logger golog.Logger

	poses poseHistory
	imu   imuHistory
	kf    *kalmanFilter

	kin      kinematics
	state    HeadsetState
	behavior behaviorTracker
}

// NewModel validates the config and returns a fresh motion model.
func NewModel(cfg PredictionConfig, logger golog.Logger) (*Model, error) {
	if err := cfg.Validate("motion"); err != nil {
		return nil, errors.Wrap(err, "invalid prediction config")
	}
	return &Model{
		cfg:    cfg,
		logger: logger,
		kf:     newKalmanFilter(),
		state:  Stationary,
	}, nil
}

// AddPose inserts a fused pose observation, updates the smoothed kinematic
// chain and headset-state classification, and feeds the Kalman pose update.
// Timestamps are seconds; out-of-order or duplicate timestamps leave the
// kinematic caches untouched but are still recorded.
func (m *Model) AddPose(pose spatialmath.Pose, timestamp float64) {
	m.poses.push(PoseRecord{Pose: pose, Timestamp: timestamp})
	if m.poses.len() < 2 {
		return
	}

	m.updateKinematics()

	linSpeed := m.kin.linVel.Norm()
	angSpeed := m.kin.angVel.Norm()
	m.state = classify(linSpeed, angSpeed, &m.cfg)

	m.kf.updatePose(pose, timestamp)

	m.behavior.observe(linSpeed, angSpeed, m.state)
	if m.cfg.AdaptivePrediction {
		m.behavior.adapt(&m.cfg)
	}
}

// AddIMU inserts an IMU sample and feeds the Kalman IMU update. Until two
// poses exist there is no orientation delta to difference, so the angular
// velocity cache is seeded straight from the gyro.
func (m *Model) AddIMU(gyro, accel r3.Vector, timestamp float64) {
	m.imu.push(IMURecord{AngularVelocity: gyro, LinearAcceleration: accel, Timestamp: timestamp})
	if m.poses.len() < 2 {
		m.kin.angVel = gyro
	}
	m.kf.updateIMU(gyro, accel, timestamp)
}

// updateKinematics recomputes the smoothed velocity, acceleration and jerk
// from finite differences over the newest records.
func (m *Model) updateKinematics() {
	v0, w0, dt0, ok := m.rawVelocity(0)
	if !ok {
		return
	}
	alphaV := m.cfg.VelocitySmoothing
	m.kin.linVel = ema(m.kin.linVel, v0, alphaV)
	m.kin.angVel = ema(m.kin.angVel, w0, alphaV)

	if m.poses.len() < 3 {
		return
	}
	v1, w1, dt1, ok := m.rawVelocity(1)
	if !ok {
		return
	}
	accDt := 0.5 * (dt0 + dt1)
	a0 := v0.Sub(v1).Mul(1 / accDt)
	aw0 := w0.Sub(w1).Mul(1 / accDt)
	alphaA := m.cfg.AccelerationSmoothing
	m.kin.linAcc = ema(m.kin.linAcc, a0, alphaA)
	m.kin.angAcc = ema(m.kin.angAcc, aw0, alphaA)

	if m.poses.len() < 4 {
		return
	}
	v2, w2, dt2, ok := m.rawVelocity(2)
	if !ok {
		return
	}
	a1 := v1.Sub(v2).Mul(1 / (0.5 * (dt1 + dt2)))
	aw1 := w1.Sub(w2).Mul(1 / (0.5 * (dt1 + dt2)))
	jerkDt := 0.5 * (dt0 + dt2)
	alphaJ := m.cfg.JerkSmoothing
	m.kin.linJerk = ema(m.kin.linJerk, a0.Sub(a1).Mul(1/jerkDt), alphaJ)
	m.kin.angJerk = ema(m.kin.angJerk, aw0.Sub(aw1).Mul(1/jerkDt), alphaJ)
}

// rawVelocity returns the finite-difference linear and angular velocity
// between the i-th and (i+1)-th newest records, and the interval between them.
func (m *Model) rawVelocity(i int) (linear, angular r3.Vector, dt float64, ok bool) {
	cur, prev := m.poses.at(i), m.poses.at(i+1)
	dt = cur.Timestamp - prev.Timestamp
	if dt <= 0 {
		return r3.Vector{}, r3.Vector{}, 0, false
	}
	linear = cur.Pose.Point().Sub(prev.Pose.Point()).Mul(1 / dt)
	angular = spatialmath.AngVelFromOrientationDelta(cur.Pose.Orientation(), prev.Pose.Orientation(), dt)
	return linear, angular, dt, true
}

// PredictPose extrapolates the headset pose horizonMs milliseconds ahead
// using the best strategy the available history supports. An empty history
// yields the identity pose.
func (m *Model) PredictPose(horizonMs float64) spatialmath.Pose {
	if m.poses.len() == 0 {
		return spatialmath.NewZeroPose()
	}
	horizonMs = m.clampHorizon(horizonMs)
	dt := horizonMs / 1000

	current := m.poses.at(0).Pose
	method := selectMethod(m.poses.len(), m.imu.len(), m.cfg.UseIMUForPrediction)
	switch method {
	case methodIMUPropagated:
		return extrapolateIMU(current, m.kin, m.imu.at(0).AngularVelocity, dt)
	case methodIdentity:
		return current
	default:
		return extrapolate(current, m.kin, dt, method)
	}
}

// PredictPoseKalman reconstructs a pose from the Kalman state propagated
// horizonMs ahead on a scratch copy; the persisted filter state is untouched.
func (m *Model) PredictPoseKalman(horizonMs float64) spatialmath.Pose {
	return m.kf.predictedPose(m.clampHorizon(horizonMs) / 1000)
}

// clampHorizon bounds the requested horizon by the configured maximum and,
// when adaptive prediction is on, by the current headset state: a stationary
// head gets almost no extrapolation, a fast-moving one a trimmed horizon.
func (m *Model) clampHorizon(horizonMs float64) float64 {
	if horizonMs < 0 {
		horizonMs = 0
	}
	if horizonMs > m.cfg.MaxPredictionMs {
		horizonMs = m.cfg.MaxPredictionMs
	}
	if !m.cfg.AdaptivePrediction {
		return horizonMs
	}
	switch m.state {
	case Stationary:
		if horizonMs > 5 {
			horizonMs = 5
		}
	case FastMovement:
		horizonMs *= 0.8
	case SlowMovement, RotationOnly:
	}
	return horizonMs
}

// EstimateHeadsetState returns the classification from the last pose update.
func (m *Model) EstimateHeadsetState() HeadsetState { return m.state }

// EstimateLinearVelocity returns the smoothed linear velocity in m/s.
func (m *Model) EstimateLinearVelocity() r3.Vector { return m.kin.linVel }

// EstimateAngularVelocity returns the smoothed angular velocity in rad/s.
func (m *Model) EstimateAngularVelocity() r3.Vector { return m.kin.angVel }

// EstimateLinearAcceleration returns the smoothed linear acceleration in m/s².
func (m *Model) EstimateLinearAcceleration() r3.Vector { return m.kin.linAcc }

// EstimateAngularAcceleration returns the smoothed angular acceleration.
func (m *Model) EstimateAngularAcceleration() r3.Vector { return m.kin.angAcc }

// EstimateLinearJerk returns the smoothed linear jerk in m/s³.
func (m *Model) EstimateLinearJerk() r3.Vector { return m.kin.linJerk }

// EstimateAngularJerk returns the smoothed angular jerk.
func (m *Model) EstimateAngularJerk() r3.Vector { return m.kin.angJerk }

// Behavior returns the current user-behavior statistics.
func (m *Model) Behavior() UserBehaviorModel { return m.behavior.model }

// Config returns a copy of the active config, including any adaptive nudges.
func (m *Model) Config() PredictionConfig { return m.cfg }

// SetInteractionMode overwrites the classifier thresholds with the preset for
// the given mode, regardless of history.
func (m *Model) SetInteractionMode(mode InteractionMode) {
	preset, ok := modePresets[mode]
	if !ok {
		m.logger.Warnw("unknown interaction mode, keeping thresholds", "mode", mode)
		return
	}
	m.cfg.StationaryThreshold = preset.stationary
	m.cfg.FastMovementThreshold = preset.fastMovement
	m.cfg.RotationOnlyThreshold = preset.rotationOnly
	m.logger.Debugw("interaction mode set", "mode", mode.String())
}

// Reset clears both histories, zeroes the kinematic caches and reinitializes
// the Kalman filter.
func (m *Model) Reset() {
	m.poses.clear()
	m.imu.clear()
	m.kin = kinematics{}
	m.state = Stationary
	m.behavior.reset()
	m.kf.reset()
}

func ema(old, sample r3.Vector, alpha float64) r3.Vector {
	return sample.Mul(alpha).Add(old.Mul(1 - alpha))
}
