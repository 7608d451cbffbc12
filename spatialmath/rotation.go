// Package spatialmath defines the spatial mathematical operations shared by the
// motion model and the fusion tracker: unit-quaternion rotations, axis-angle
// conversions, and rigid poses.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// defaultEpsilon is the cutoff below which a rotation-vector norm is treated as
// zero. Rotation vectors shorter than this produce the identity rotation about
// the default Z axis rather than a division by a vanishing norm.
const defaultEpsilon = 1e-6

// Normalize scales a quaternion to unit norm. A degenerate (near-zero)
// quaternion becomes the identity rather than NaN.
func Normalize(q quat.Number) quat.Number {
	norm := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if norm < defaultEpsilon {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/norm, q)
}

// R3ToQuat converts a rotation vector (axis scaled by angle, in radians) to a
// unit quaternion. A near-zero vector yields the identity rotation; the axis
// defaults to Z so callers never see a NaN axis.
func R3ToQuat(rv r3.Vector) quat.Number {
	theta := rv.Norm()
	if theta < defaultEpsilon {
		return quat.Number{Real: 1}
	}
	axis := rv.Mul(1 / theta)
	sinHalf := math.Sin(theta / 2)
	return quat.Number{
		Real: math.Cos(theta / 2),
		Imag: axis.X * sinHalf,
		Jmag: axis.Y * sinHalf,
		Kmag: axis.Z * sinHalf,
	}
}

// QuatToR3 converts a unit quaternion to a rotation vector taking the shortest
// arc, so the returned angle is always in [0, pi]. This is the minimal
// axis-angle form: both q and -q map to the same vector, which is what makes
// it safe to difference orientations without double-cover sign errors.
func QuatToR3(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	sinHalf := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if sinHalf < defaultEpsilon {
		return r3.Vector{}
	}
	cosHalf := q.Real
	if cosHalf > 1 {
		cosHalf = 1
	}
	theta := 2 * math.Atan2(sinHalf, cosHalf)
	return r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}.Mul(theta / sinHalf)
}

// Rotate rotates vector v by unit quaternion q.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	rotated := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}

// AngVelFromOrientationDelta computes the angular velocity, in rad/s, that
// carries the orientation prev to cur over dt seconds, expressed as a rotation
// vector divided by dt. dt must be positive; a non-positive dt returns zero.
func AngVelFromOrientationDelta(cur, prev quat.Number, dt float64) r3.Vector {
	if dt <= 0 {
		return r3.Vector{}
	}
	diff := quat.Mul(cur, quat.Conj(prev))
	return QuatToR3(diff).Mul(1 / dt)
}

// QuaternionAlmostEqual tests two quaternions for equality up to sign within
// tolerance tol, since q and -q represent the same rotation.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	d := quat.Mul(quat.Conj(a), b)
	return 2*math.Acos(math.Min(math.Abs(d.Real), 1)) < tol
}
