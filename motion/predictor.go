package motion

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/lucidvr/headtrack/spatialmath"
)

// predictionMethod identifies one extrapolation strategy. Selection is an
// explicit ordered cascade on available history so the precedence can be
// tested on its own.
type predictionMethod int

const (
	methodIdentity predictionMethod = iota
	methodConstantVelocity
	methodConstantAcceleration
	methodJerkAware
	methodIMUPropagated
)

func (m predictionMethod) String() string {
	switch m {
	case methodIdentity:
		return "identity"
	case methodConstantVelocity:
		return "constant_velocity"
	case methodConstantAcceleration:
		return "constant_acceleration"
	case methodJerkAware:
		return "jerk_aware"
	case methodIMUPropagated:
		return "imu_propagated"
	default:
		return "unknown"
	}
}

// selectMethod picks the highest-order strategy the available data supports:
// IMU propagation when enabled and IMU samples exist, otherwise the richest
// finite-difference order the pose history allows.
func selectMethod(poseCount, imuCount int, useIMU bool) predictionMethod {
	switch {
	case useIMU && imuCount > 0 && poseCount > 0:
		return methodIMUPropagated
	case poseCount >= 4:
		return methodJerkAware
	case poseCount >= 3:
		return methodConstantAcceleration
	case poseCount >= 2:
		return methodConstantVelocity
	default:
		return methodIdentity
	}
}

// kinematics is the smoothed kinematic chain the predictors extrapolate from.
type kinematics struct {
	linVel  r3.Vector
	linAcc  r3.Vector
	linJerk r3.Vector
	angVel  r3.Vector // rad/s, world frame
	angAcc  r3.Vector
	angJerk r3.Vector
}

// extrapolate advances pose by dt seconds using Taylor terms up to the given
// method's order. Translation accumulates v·t, ½a·t² and ⅙j·t³; rotation
// composes the current orientation with the axis-angle rotation the angular
// velocity sweeps over dt. Higher-order variants integrate with the average
// of the current and projected angular velocity.
func extrapolate(pose spatialmath.Pose, kin kinematics, dt float64, method predictionMethod) spatialmath.Pose {
	translation := pose.Point().Add(kin.linVel.Mul(dt))
	angVel := kin.angVel

	switch method {
	case methodConstantAcceleration:
		translation = translation.Add(kin.linAcc.Mul(0.5 * dt * dt))
		angVel = averageAngVel(kin.angVel, kin.angAcc, r3.Vector{}, dt)
	case methodJerkAware:
		translation = translation.
			Add(kin.linAcc.Mul(0.5 * dt * dt)).
			Add(kin.linJerk.Mul(dt * dt * dt / 6))
		angVel = averageAngVel(kin.angVel, kin.angAcc, kin.angJerk, dt)
	case methodConstantVelocity, methodIdentity:
	}

	// angVel is a world-frame rate, so the swept rotation composes on the
	// left of the current orientation.
	orientation := quat.Mul(spatialmath.R3ToQuat(angVel.Mul(dt)), pose.Orientation())
	return spatialmath.NewPose(translation, orientation)
}

// averageAngVel returns the mean of the current angular velocity and its
// projection dt seconds ahead through the angular acceleration and jerk.
func averageAngVel(w, a, j r3.Vector, dt float64) r3.Vector {
	projected := w.Add(a.Mul(dt)).Add(j.Mul(0.5 * dt * dt))
	return w.Add(projected).Mul(0.5)
}

// extrapolateIMU advances pose by dt seconds using the latest raw gyro sample
// for rotation, with translation from the smoothed linear terms. The gyro is a
// body-frame rate, so the swept rotation composes on the right of the current
// orientation.
func extrapolateIMU(pose spatialmath.Pose, kin kinematics, gyro r3.Vector, dt float64) spatialmath.Pose {
	translation := pose.Point().
		Add(kin.linVel.Mul(dt)).
		Add(kin.linAcc.Mul(0.5 * dt * dt))
	orientation := quat.Mul(pose.Orientation(), spatialmath.R3ToQuat(gyro.Mul(dt)))
	return spatialmath.NewPose(translation, orientation)
}
