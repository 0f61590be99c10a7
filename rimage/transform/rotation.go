package transform

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Rodrigues converts an axis-angle vector to a rotation matrix.
func Rodrigues(r r3.Vector) *mat.Dense {
	theta := r.Norm()
	if theta < 1e-12 {
		return eye(3)
	}
	k := r.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	return mat.NewDense(3, 3, []float64{
		c + (1-c)*k.X*k.X, (1-c)*k.X*k.Y - s*k.Z, (1-c)*k.X*k.Z + s*k.Y,
		(1-c)*k.Y*k.X + s*k.Z, c + (1-c)*k.Y*k.Y, (1-c)*k.Y*k.Z - s*k.X,
		(1-c)*k.Z*k.X - s*k.Y, (1-c)*k.Z*k.Y + s*k.X, c + (1-c)*k.Z*k.Z,
	})
}

// RotationToRodrigues converts a rotation matrix to its axis-angle vector. The input is first
// projected onto the closest proper rotation.
func RotationToRodrigues(m mat.Matrix) r3.Vector {
	rot := closestRotation(m)
	rx := rot.At(2, 1) - rot.At(1, 2)
	ry := rot.At(0, 2) - rot.At(2, 0)
	rz := rot.At(1, 0) - rot.At(0, 1)
	s := math.Sqrt((rx*rx+ry*ry+rz*rz)*0.25)
	c := (rot.At(0, 0) + rot.At(1, 1) + rot.At(2, 2) - 1) * 0.5
	c = math.Max(-1, math.Min(1, c))
	theta := math.Acos(c)

	if s >= 1e-5 {
		return r3.Vector{X: rx, Y: ry, Z: rz}.Mul(theta / (2 * s))
	}
	if c > 0 {
		return r3.Vector{}
	}

	// theta close to pi: recover the axis from the diagonal
	x := math.Sqrt(math.Max((rot.At(0, 0)+1)*0.5, 0))
	y := math.Sqrt(math.Max((rot.At(1, 1)+1)*0.5, 0))
	if rot.At(0, 1) < 0 {
		y = -y
	}
	z := math.Sqrt(math.Max((rot.At(2, 2)+1)*0.5, 0))
	if rot.At(0, 2) < 0 {
		z = -z
	}
	if math.Abs(x) < math.Abs(y) && math.Abs(x) < math.Abs(z) && (rot.At(1, 2) > 0) != (y*z > 0) {
		z = -z
	}
	axis := r3.Vector{X: x, Y: y, Z: z}
	return axis.Mul(theta / axis.Norm())
}
