package motion

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/lucidvr/headtrack/spatialmath"
)

// State vector layout of the fused filter.
const (
	kfStateSize = 16
	idxPos      = 0  // position x,y,z
	idxQuat     = 3  // orientation w,x,y,z
	idxVel      = 7  // linear velocity x,y,z
	idxAngVel   = 10 // angular velocity x,y,z
	idxAccel    = 13 // linear acceleration x,y,z

	poseMeasSize = 7 // position + quaternion
	imuMeasSize  = 6 // angular velocity + linear acceleration
)

// kalmanFilter fuses pose and IMU measurements into a single 16-dimensional
// kinematic state. The transition is linear in position/velocity/acceleration
// and composes a nonlinear quaternion propagation from the angular-velocity
// sub-state; the quaternion is carried directly in the state vector and
// re-normalized after every propagation and update. This is deliberately not
// an error-state formulation.
//
// The filter is not synchronized; it is only touched by the motion model,
// which is itself single-writer.
type kalmanFilter struct {
	x *mat.VecDense // 16
	p *mat.Dense    // 16x16 covariance
	q *mat.Dense    // 16x16 process noise

	rPose *mat.Dense // 7x7 pose measurement noise
	rIMU  *mat.Dense // 6x6 IMU measurement noise

	lastUpdate    float64
	hasLastUpdate bool
}

func newKalmanFilter() *kalmanFilter {
	kf := &kalmanFilter{
		x:     mat.NewVecDense(kfStateSize, nil),
		p:     diagDense(kfStateSize, 0.1),
		q:     mat.NewDense(kfStateSize, kfStateSize, nil),
		rPose: mat.NewDense(poseMeasSize, poseMeasSize, nil),
		rIMU:  mat.NewDense(imuMeasSize, imuMeasSize, nil),
	}
	kf.x.SetVec(idxQuat, 1) // identity orientation

	for i := 0; i < 3; i++ {
		kf.q.Set(idxPos+i, idxPos+i, 1e-4)
		kf.q.Set(idxVel+i, idxVel+i, 1e-3)
		kf.q.Set(idxAngVel+i, idxAngVel+i, 1e-3)
		kf.q.Set(idxAccel+i, idxAccel+i, 1e-2)
	}
	for i := 0; i < 4; i++ {
		kf.q.Set(idxQuat+i, idxQuat+i, 1e-4)
	}
	for i := 0; i < 3; i++ {
		kf.rPose.Set(i, i, 1e-4) // position, meters^2
	}
	for i := 3; i < poseMeasSize; i++ {
		kf.rPose.Set(i, i, 1e-4)
	}
	for i := 0; i < 3; i++ {
		kf.rIMU.Set(i, i, 1e-3)     // gyro
		kf.rIMU.Set(3+i, 3+i, 1e-2) // accel
	}
	return kf
}

func (kf *kalmanFilter) reset() {
	*kf = *newKalmanFilter()
}

// transition returns the linear part of the state transition for dt seconds.
func (kf *kalmanFilter) transition(dt float64) *mat.Dense {
	f := diagDense(kfStateSize, 1)
	for i := 0; i < 3; i++ {
		f.Set(idxPos+i, idxVel+i, dt)
		f.Set(idxVel+i, idxAccel+i, dt)
	}
	return f
}

// propagateVec applies the transition to a state vector: the linear blocks
// through F, then the quaternion block through composition with the rotation
// the angular-velocity sub-state produces over dt.
func (kf *kalmanFilter) propagateVec(x *mat.VecDense, dt float64) {
	f := kf.transition(dt)
	var next mat.VecDense
	next.MulVec(f, x)
	x.CopyVec(&next)

	w := r3.Vector{X: x.AtVec(idxAngVel), Y: x.AtVec(idxAngVel + 1), Z: x.AtVec(idxAngVel + 2)}
	q := quatAt(x)
	q = spatialmath.Normalize(quat.Mul(q, spatialmath.R3ToQuat(w.Mul(dt))))
	setQuat(x, q)
}

// predict advances the filter state and covariance by dt seconds.
func (kf *kalmanFilter) predict(dt float64) {
	if dt <= 0 {
		return
	}
	kf.propagateVec(kf.x, dt)

	f := kf.transition(dt)
	var fp, fpft mat.Dense
	fp.Mul(f, kf.p)
	fpft.Mul(&fp, f.T())
	fpft.Add(&fpft, kf.q)
	kf.p.Copy(&fpft)
}

// predictedPose propagates a scratch copy of the state forward dt seconds and
// reconstructs the pose, leaving the filter untouched.
func (kf *kalmanFilter) predictedPose(dt float64) spatialmath.Pose {
	scratch := mat.NewVecDense(kfStateSize, nil)
	scratch.CopyVec(kf.x)
	if dt > 0 {
		kf.propagateVec(scratch, dt)
	}
	return spatialmath.NewPose(
		r3.Vector{X: scratch.AtVec(idxPos), Y: scratch.AtVec(idxPos + 1), Z: scratch.AtVec(idxPos + 2)},
		quatAt(scratch),
	)
}

// updatePose runs a measurement update from a visual pose observation.
func (kf *kalmanFilter) updatePose(pose spatialmath.Pose, timestamp float64) {
	if kf.hasLastUpdate {
		kf.predict(timestamp - kf.lastUpdate)
	}
	kf.lastUpdate = timestamp
	kf.hasLastUpdate = true

	h := mat.NewDense(poseMeasSize, kfStateSize, nil)
	for i := 0; i < 3; i++ {
		h.Set(i, idxPos+i, 1)
	}
	for i := 0; i < 4; i++ {
		h.Set(3+i, idxQuat+i, 1)
	}

	// The orientation innovation is formed from the minimal rotation between
	// the measured and predicted quaternions, then re-expressed as a
	// component residual against the predicted quaternion. Aligning through
	// the minimal rotation removes the q/-q double-cover ambiguity that raw
	// component subtraction is exposed to.
	qPred := quatAt(kf.x)
	delta := spatialmath.R3ToQuat(spatialmath.QuatToR3(quat.Mul(pose.Orientation(), quat.Conj(qPred))))
	aligned := spatialmath.Normalize(quat.Mul(delta, qPred))

	y := mat.NewVecDense(poseMeasSize, nil)
	pt := pose.Point()
	y.SetVec(0, pt.X-kf.x.AtVec(idxPos))
	y.SetVec(1, pt.Y-kf.x.AtVec(idxPos+1))
	y.SetVec(2, pt.Z-kf.x.AtVec(idxPos+2))
	y.SetVec(3, aligned.Real-qPred.Real)
	y.SetVec(4, aligned.Imag-qPred.Imag)
	y.SetVec(5, aligned.Jmag-qPred.Jmag)
	y.SetVec(6, aligned.Kmag-qPred.Kmag)

	kf.applyUpdate(h, y, kf.rPose)
}

// updateIMU runs a measurement update from an IMU sample, observing the
// angular-velocity and linear-acceleration sub-states directly.
func (kf *kalmanFilter) updateIMU(gyro, accel r3.Vector, timestamp float64) {
	if kf.hasLastUpdate {
		kf.predict(timestamp - kf.lastUpdate)
	}
	kf.lastUpdate = timestamp
	kf.hasLastUpdate = true

	h := mat.NewDense(imuMeasSize, kfStateSize, nil)
	for i := 0; i < 3; i++ {
		h.Set(i, idxAngVel+i, 1)
		h.Set(3+i, idxAccel+i, 1)
	}

	y := mat.NewVecDense(imuMeasSize, nil)
	y.SetVec(0, gyro.X-kf.x.AtVec(idxAngVel))
	y.SetVec(1, gyro.Y-kf.x.AtVec(idxAngVel+1))
	y.SetVec(2, gyro.Z-kf.x.AtVec(idxAngVel+2))
	y.SetVec(3, accel.X-kf.x.AtVec(idxAccel))
	y.SetVec(4, accel.Y-kf.x.AtVec(idxAccel+1))
	y.SetVec(5, accel.Z-kf.x.AtVec(idxAccel+2))

	kf.applyUpdate(h, y, kf.rIMU)
}

// applyUpdate runs the standard gain/state/covariance update
// K = P Hᵗ (H P Hᵗ + R)⁻¹, x += K y, P = (I - K H) P.
func (kf *kalmanFilter) applyUpdate(h *mat.Dense, y *mat.VecDense, r *mat.Dense) {
	var pht, s mat.Dense
	pht.Mul(kf.p, h.T())
	s.Mul(h, &pht)
	s.Add(&s, r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		// Singular innovation covariance; skip this update rather than
		// corrupt the state.
		return
	}

	var k mat.Dense
	k.Mul(&pht, &sInv)

	var dx mat.VecDense
	dx.MulVec(&k, y)
	kf.x.AddVec(kf.x, &dx)
	setQuat(kf.x, spatialmath.Normalize(quatAt(kf.x)))

	var kh, ikh, next mat.Dense
	kh.Mul(&k, h)
	ikh.Sub(diagDense(kfStateSize, 1), &kh)
	next.Mul(&ikh, kf.p)
	kf.p.Copy(&next)
}

func quatAt(x *mat.VecDense) quat.Number {
	return quat.Number{
		Real: x.AtVec(idxQuat),
		Imag: x.AtVec(idxQuat + 1),
		Jmag: x.AtVec(idxQuat + 2),
		Kmag: x.AtVec(idxQuat + 3),
	}
}

func setQuat(x *mat.VecDense, q quat.Number) {
	x.SetVec(idxQuat, q.Real)
	x.SetVec(idxQuat+1, q.Imag)
	x.SetVec(idxQuat+2, q.Jmag)
	x.SetVec(idxQuat+3, q.Kmag)
}

func diagDense(n int, v float64) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, v)
	}
	return d
}
