package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is an immutable rigid transform: a rotation applied about the origin
// followed by a translation. The stored quaternion is kept at unit norm on
// construction and after every composition, so repeated composition does not
// accumulate scale drift into the rotation.
type Pose struct {
	translation r3.Vector
	orientation quat.Number
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return Pose{orientation: quat.Number{Real: 1}}
}

// NewPose returns a pose with the given translation and orientation. The
// orientation is normalized; a degenerate quaternion becomes the identity.
func NewPose(translation r3.Vector, orientation quat.Number) Pose {
	return Pose{translation: translation, orientation: Normalize(orientation)}
}

// NewPoseFromPoint returns a pose at the given point with no rotation.
func NewPoseFromPoint(point r3.Vector) Pose {
	return Pose{translation: point, orientation: quat.Number{Real: 1}}
}

// Point returns the pose's translation.
func (p Pose) Point() r3.Vector {
	return p.translation
}

// Orientation returns the pose's rotation as a unit quaternion.
func (p Pose) Orientation() quat.Number {
	return p.orientation
}

// Compose returns the pose equivalent to applying o in p's frame: rotations
// multiply, and o's translation is carried through p's rotation.
func Compose(p, o Pose) Pose {
	return Pose{
		translation: p.translation.Add(Rotate(p.orientation, o.translation)),
		orientation: Normalize(quat.Mul(p.orientation, o.orientation)),
	}
}

// Invert returns the pose q such that Compose(p, q) is the identity.
func (p Pose) Invert() Pose {
	inv := quat.Conj(p.orientation)
	return Pose{
		translation: Rotate(inv, p.translation.Mul(-1)),
		orientation: inv,
	}
}

// AlmostEqual reports whether two poses agree within linearTol meters of
// translation and angTol radians of rotation.
func (p Pose) AlmostEqual(o Pose, linearTol, angTol float64) bool {
	if p.translation.Sub(o.translation).Norm() > linearTol {
		return false
	}
	return QuaternionAlmostEqual(p.orientation, o.orientation, angTol)
}

// Matrix4 returns the pose as a row-major 4x4 homogeneous transform,
// the layout used by the persisted tracker state.
func (p Pose) Matrix4() [16]float64 {
	q := p.orientation
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [16]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y), p.translation.X,
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x), p.translation.Y,
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y), p.translation.Z,
		0, 0, 0, 1,
	}
}

// NewPoseFromMatrix4 builds a pose from a row-major 4x4 homogeneous transform.
// The rotation block is converted with Shepperd's method, branching on the
// largest diagonal term to stay numerically stable for all rotations.
func NewPoseFromMatrix4(m [16]float64) Pose {
	translation := r3.Vector{X: m[3], Y: m[7], Z: m[11]}
	r00, r01, r02 := m[0], m[1], m[2]
	r10, r11, r12 := m[4], m[5], m[6]
	r20, r21, r22 := m[8], m[9], m[10]

	var q quat.Number
	trace := r00 + r11 + r22
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = quat.Number{
			Real: s / 4,
			Imag: (r21 - r12) / s,
			Jmag: (r02 - r20) / s,
			Kmag: (r10 - r01) / s,
		}
	case r00 > r11 && r00 > r22:
		s := math.Sqrt(1+r00-r11-r22) * 2
		q = quat.Number{
			Real: (r21 - r12) / s,
			Imag: s / 4,
			Jmag: (r01 + r10) / s,
			Kmag: (r02 + r20) / s,
		}
	case r11 > r22:
		s := math.Sqrt(1+r11-r00-r22) * 2
		q = quat.Number{
			Real: (r02 - r20) / s,
			Imag: (r01 + r10) / s,
			Jmag: s / 4,
			Kmag: (r12 + r21) / s,
		}
	default:
		s := math.Sqrt(1+r22-r00-r11) * 2
		q = quat.Number{
			Real: (r10 - r01) / s,
			Imag: (r02 + r20) / s,
			Jmag: (r12 + r21) / s,
			Kmag: s / 4,
		}
	}
	return NewPose(translation, q)
}
