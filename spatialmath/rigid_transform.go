// Package spatialmath defines the rigid-motion math used for point cloud alignment.
//
// A rigid transform is parameterized as an orthonormal 3x3 rotation block plus a
// translation vector, the rotation+translation sub-blocks of a 4x4 homogeneous
// matrix. Incremental updates during iterative alignment compose many of these,
// so the rotation block is periodically re-orthonormalized to suppress drift.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// RigidTransform is a proper rigid motion (rotation followed by translation).
// The zero value is not valid; use one of the constructors.
type RigidTransform struct {
	rot   [9]float64 // row-major
	trans r3.Vector
}

// NewRigidTransform returns the identity transform.
func NewRigidTransform() *RigidTransform {
	return &RigidTransform{rot: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// NewRigidTransformFromTranslation returns a pure translation.
func NewRigidTransformFromTranslation(t r3.Vector) *RigidTransform {
	rt := NewRigidTransform()
	rt.trans = t
	return rt
}

// NewRigidTransformFromAxisAngle returns the rotation of theta radians about the
// given axis (normalized internally), followed by translation t.
func NewRigidTransformFromAxisAngle(axis r3.Vector, theta float64, t r3.Vector) *RigidTransform {
	u := axis.Normalize()
	c := math.Cos(theta)
	s := math.Sin(theta)
	oc := 1 - c
	return &RigidTransform{
		rot: [9]float64{
			c + u.X*u.X*oc, u.X*u.Y*oc - u.Z*s, u.X*u.Z*oc + u.Y*s,
			u.Y*u.X*oc + u.Z*s, c + u.Y*u.Y*oc, u.Y*u.Z*oc - u.X*s,
			u.Z*u.X*oc - u.Y*s, u.Z*u.Y*oc + u.X*s, c + u.Z*u.Z*oc,
		},
		trans: t,
	}
}

// NewRigidTransformFromEulerVector builds the transform from a linearized
// 6-vector solution (alpha, beta, gamma) about x, y, z plus a translation. The
// rotation is composed as Rz(gamma) * Ry(beta) * Rx(alpha), the convention the
// small-angle estimators linearize against.
func NewRigidTransformFromEulerVector(alpha, beta, gamma float64, t r3.Vector) *RigidTransform {
	ca, sa := math.Cos(alpha), math.Sin(alpha)
	cb, sb := math.Cos(beta), math.Sin(beta)
	cg, sg := math.Cos(gamma), math.Sin(gamma)
	return &RigidTransform{
		rot: [9]float64{
			cg * cb, cg*sb*sa - sg*ca, cg*sb*ca + sg*sa,
			sg * cb, sg*sb*sa + cg*ca, sg*sb*ca - cg*sa,
			-sb, cb * sa, cb * ca,
		},
		trans: t,
	}
}

// NewRigidTransformFromMatrix builds the transform from a 4x4 homogeneous
// matrix. The bottom row must be (0 0 0 1) and the rotation block must be close
// to orthonormal; the block is re-orthonormalized on ingest.
func NewRigidTransformFromMatrix(m *mat.Dense) (*RigidTransform, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return nil, errors.Errorf("expected a 4x4 matrix, got %dx%d", r, c)
	}
	if m.At(3, 0) != 0 || m.At(3, 1) != 0 || m.At(3, 2) != 0 || m.At(3, 3) != 1 {
		return nil, errors.New("expected bottom row of a homogeneous matrix to be (0 0 0 1)")
	}
	rt := &RigidTransform{trans: r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt.rot[3*i+j] = m.At(i, j)
		}
	}
	rt.Orthonormalize()
	return rt, nil
}

// Matrix returns the transform as a 4x4 homogeneous matrix.
func (rt *RigidTransform) Matrix() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, rt.rot[3*i+j])
		}
	}
	m.Set(0, 3, rt.trans.X)
	m.Set(1, 3, rt.trans.Y)
	m.Set(2, 3, rt.trans.Z)
	m.Set(3, 3, 1)
	return m
}

// Rotation returns a copy of the 3x3 rotation block.
func (rt *RigidTransform) Rotation() *mat.Dense {
	rot := rt.rot
	return mat.NewDense(3, 3, rot[:])
}

// Translation returns the translation component.
func (rt *RigidTransform) Translation() r3.Vector {
	return rt.trans
}

// TransformPoint applies the full rigid motion to a point.
func (rt *RigidTransform) TransformPoint(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: rt.rot[0]*p.X + rt.rot[1]*p.Y + rt.rot[2]*p.Z + rt.trans.X,
		Y: rt.rot[3]*p.X + rt.rot[4]*p.Y + rt.rot[5]*p.Z + rt.trans.Y,
		Z: rt.rot[6]*p.X + rt.rot[7]*p.Y + rt.rot[8]*p.Z + rt.trans.Z,
	}
}

// TransformDirection applies only the rotation, for directions such as normals.
func (rt *RigidTransform) TransformDirection(d r3.Vector) r3.Vector {
	return r3.Vector{
		X: rt.rot[0]*d.X + rt.rot[1]*d.Y + rt.rot[2]*d.Z,
		Y: rt.rot[3]*d.X + rt.rot[4]*d.Y + rt.rot[5]*d.Z,
		Z: rt.rot[6]*d.X + rt.rot[7]*d.Y + rt.rot[8]*d.Z,
	}
}

// Compose returns rt ∘ other, the motion applying other first and rt second.
func (rt *RigidTransform) Compose(other *RigidTransform) *RigidTransform {
	out := &RigidTransform{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += rt.rot[3*i+k] * other.rot[3*k+j]
			}
			out.rot[3*i+j] = sum
		}
	}
	out.trans = rt.TransformPoint(other.trans)
	return out
}

// Invert returns the inverse motion, R^T and -R^T t.
func (rt *RigidTransform) Invert() *RigidTransform {
	out := &RigidTransform{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.rot[3*i+j] = rt.rot[3*j+i]
		}
	}
	out.trans = out.TransformDirection(rt.trans).Mul(-1)
	return out
}

// Orthonormalize projects the rotation block onto the nearest proper rotation
// via SVD, flipping the sign if the raw factorization yields a reflection.
func (rt *RigidTransform) Orthonormalize() {
	rot := rt.rot
	var svd mat.SVD
	if ok := svd.Factorize(mat.NewDense(3, 3, rot[:]), mat.SVDFull); !ok {
		return
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// flip the axis of least significance
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var fixed mat.Dense
		fixed.Mul(&u, d)
		r.Mul(&fixed, v.T())
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt.rot[3*i+j] = r.At(i, j)
		}
	}
}

// AlmostEqual reports whether two transforms agree entrywise within tol.
func (rt *RigidTransform) AlmostEqual(other *RigidTransform, tol float64) bool {
	for i := range rt.rot {
		if math.Abs(rt.rot[i]-other.rot[i]) > tol {
			return false
		}
	}
	diff := rt.trans.Sub(other.trans)
	return math.Abs(diff.X) <= tol && math.Abs(diff.Y) <= tol && math.Abs(diff.Z) <= tol
}

// Clone returns a copy of the transform.
func (rt *RigidTransform) Clone() *RigidTransform {
	out := *rt
	return &out
}
