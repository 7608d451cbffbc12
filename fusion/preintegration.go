package fusion

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/lucidvr/headtrack/spatialmath"
)

// Bias is the current estimate of the IMU's slowly varying sensor biases,
// subtracted from every sample before integration.
type Bias struct {
	Accel r3.Vector // m/s²
	Gyro  r3.Vector // rad/s
}

// Preintegrator accumulates a window of bias-corrected IMU samples into a
// single body-frame rotation/velocity/position delta, so each fusion cycle
// consumes one delta instead of re-integrating the window from scratch.
//
// It is owned exclusively by the tracker and only touched under its IMU lock.
type Preintegrator struct {
	calib IMUCalibration
	bias  Bias

	deltaR quat.Number // body-frame rotation over the window
	deltaV r3.Vector   // velocity delta, start-of-window body frame
	deltaP r3.Vector   // position delta, start-of-window body frame
	dt     float64
	count  int
}

// NewPreintegrator returns an empty accumulator. The calibration is retained
// for noise propagation alongside the deltas.
func NewPreintegrator(calib IMUCalibration) *Preintegrator {
	return &Preintegrator{calib: calib, deltaR: quat.Number{Real: 1}}
}

// Integrate folds one sample spanning dt seconds into the accumulated deltas.
// Samples must arrive in timestamp order; non-positive dt is ignored.
func (p *Preintegrator) Integrate(sample IMUSample, dt float64) {
	if dt <= 0 {
		return
	}
	gyro := sample.Gyro.Sub(p.bias.Gyro)
	accel := sample.Accel.Sub(p.bias.Accel)

	// position and velocity integrate with the rotation at the start of the
	// interval, then the rotation advances
	accInFrame := spatialmath.Rotate(p.deltaR, accel)
	p.deltaP = p.deltaP.Add(p.deltaV.Mul(dt)).Add(accInFrame.Mul(0.5 * dt * dt))
	p.deltaV = p.deltaV.Add(accInFrame.Mul(dt))
	p.deltaR = spatialmath.Normalize(quat.Mul(p.deltaR, spatialmath.R3ToQuat(gyro.Mul(dt))))
	p.dt += dt
	p.count++
}

// Reset clears the accumulated deltas. The bias and calibration carry
// forward; they change only through SetBias.
func (p *Preintegrator) Reset() {
	p.deltaR = quat.Number{Real: 1}
	p.deltaV = r3.Vector{}
	p.deltaP = r3.Vector{}
	p.dt = 0
	p.count = 0
}

// SetBias replaces the bias applied to subsequent samples.
func (p *Preintegrator) SetBias(b Bias) { p.bias = b }

// Bias returns the bias currently applied to samples.
func (p *Preintegrator) Bias() Bias { return p.bias }

// DeltaRotation returns the accumulated body-frame rotation.
func (p *Preintegrator) DeltaRotation() quat.Number { return p.deltaR }

// DeltaVelocity returns the accumulated velocity delta in the start-of-window
// body frame, gravity not yet removed.
func (p *Preintegrator) DeltaVelocity() r3.Vector { return p.deltaV }

// DeltaPosition returns the accumulated position delta in the start-of-window
// body frame, gravity not yet removed.
func (p *Preintegrator) DeltaPosition() r3.Vector { return p.deltaP }

// DeltaT returns the total time the window spans.
func (p *Preintegrator) DeltaT() float64 { return p.dt }

// Count returns how many samples the window holds.
func (p *Preintegrator) Count() int { return p.count }
