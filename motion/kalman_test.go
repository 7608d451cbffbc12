package motion

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/lucidvr/headtrack/spatialmath"
)

func quatNorm(q quat.Number) float64 {
	return math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

func TestKalmanInitialState(t *testing.T) {
	kf := newKalmanFilter()
	got := kf.predictedPose(0)
	test.That(t, got.AlmostEqual(spatialmath.NewZeroPose(), 1e-12, 1e-12), test.ShouldBeTrue)
}

func TestKalmanPoseUpdateConverges(t *testing.T) {
	kf := newKalmanFilter()
	target := spatialmath.NewPose(
		r3.Vector{X: 0.5, Y: -0.2, Z: 1.1},
		spatialmath.R3ToQuat(r3.Vector{Z: 0.4}),
	)
	for i := 0; i < 50; i++ {
		kf.updatePose(target, float64(i)*0.01)
	}
	got := kf.predictedPose(0)
	test.That(t, got.AlmostEqual(target, 1e-2, 1e-2), test.ShouldBeTrue)
	test.That(t, quatNorm(quatAt(kf.x)), test.ShouldAlmostEqual, 1, 1e-9)
}

func TestKalmanQuaternionSignAgnostic(t *testing.T) {
	kf := newKalmanFilter()
	orientation := spatialmath.R3ToQuat(r3.Vector{Z: 0.3})
	pose := spatialmath.NewPose(r3.Vector{}, orientation)
	negPose := spatialmath.NewPose(r3.Vector{}, quat.Scale(-1, orientation))

	// alternate between q and -q measurements of the same rotation; the
	// estimate must settle on the rotation rather than oscillating
	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			kf.updatePose(pose, float64(i)*0.01)
		} else {
			kf.updatePose(negPose, float64(i)*0.01)
		}
	}
	got := kf.predictedPose(0)
	test.That(t, spatialmath.QuaternionAlmostEqual(got.Orientation(), orientation, 1e-2), test.ShouldBeTrue)
}

func TestKalmanIMUUpdateObservesRates(t *testing.T) {
	kf := newKalmanFilter()
	gyro := r3.Vector{Z: 1.5}
	accel := r3.Vector{X: 0.3}
	for i := 0; i < 50; i++ {
		kf.updateIMU(gyro, accel, float64(i)*0.001)
	}
	test.That(t, kf.x.AtVec(idxAngVel+2), test.ShouldAlmostEqual, 1.5, 0.05)
	test.That(t, kf.x.AtVec(idxAccel), test.ShouldAlmostEqual, 0.3, 0.05)
}

func TestKalmanPredictedPoseIsTransient(t *testing.T) {
	kf := newKalmanFilter()
	for i := 0; i < 20; i++ {
		kf.updateIMU(r3.Vector{Z: 2.0}, r3.Vector{}, float64(i)*0.001)
	}
	before := kf.predictedPose(0)
	ahead := kf.predictedPose(0.1)
	after := kf.predictedPose(0)

	// propagation must not persist into the filter state
	test.That(t, after.AlmostEqual(before, 1e-12, 1e-12), test.ShouldBeTrue)
	// but the transient propagation must actually rotate
	test.That(t, spatialmath.QuaternionAlmostEqual(ahead.Orientation(), before.Orientation(), 1e-3), test.ShouldBeFalse)
}

func TestKalmanPredictMovesWithVelocity(t *testing.T) {
	kf := newKalmanFilter()
	kf.x.SetVec(idxVel, 1.0) // 1 m/s along X
	kf.predict(0.5)
	test.That(t, kf.x.AtVec(idxPos), test.ShouldAlmostEqual, 0.5, 1e-12)

	kf.reset()
	test.That(t, kf.x.AtVec(idxPos), test.ShouldAlmostEqual, 0)
	test.That(t, kf.x.AtVec(idxQuat), test.ShouldAlmostEqual, 1)
}
