package motion

import (
	"testing"

	"go.viam.com/test"
)

func TestSelectMethodPrecedence(t *testing.T) {
	for _, tc := range []struct {
		name   string
		poses  int
		imus   int
		useIMU bool
		want   predictionMethod
	}{
		{"no data", 0, 0, true, methodIdentity},
		{"single pose", 1, 0, false, methodIdentity},
		{"two poses", 2, 0, false, methodConstantVelocity},
		{"three poses", 3, 0, false, methodConstantAcceleration},
		{"four poses", 4, 0, false, methodJerkAware},
		{"many poses", 50, 0, false, methodJerkAware},
		{"imu wins when enabled", 2, 1, true, methodIMUPropagated},
		{"imu disabled", 4, 10, false, methodJerkAware},
		{"imu enabled but empty", 4, 0, true, methodJerkAware},
		{"imu without any pose", 0, 5, true, methodIdentity},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := selectMethod(tc.poses, tc.imus, tc.useIMU)
			test.That(t, got, test.ShouldEqual, tc.want)
		})
	}
}

func TestClassifyTable(t *testing.T) {
	cfg := DefaultPredictionConfig() // stationary 0.01, fast 0.5, rotation 0.15
	for _, tc := range []struct {
		name     string
		lin, ang float64
		want     HeadsetState
	}{
		{"still", 0.001, 0.01, Stationary},
		{"still but rotating slightly", 0.001, 0.15, SlowMovement},
		{"walking", 0.3, 0.05, SlowMovement},
		{"ducking", 0.9, 0.0, FastMovement},
		{"looking around", 0.05, 1.0, RotationOnly},
		{"looking around while walking", 0.3, 1.0, SlowMovement},
	} {
		t.Run(tc.name, func(t *testing.T) {
			test.That(t, classify(tc.lin, tc.ang, &cfg), test.ShouldEqual, tc.want)
		})
	}
}
