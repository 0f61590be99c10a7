package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CameraMatrix holds the pinhole intrinsics of a camera without skew.
type CameraMatrix struct {
	Fx  float64 `json:"fx"`
	Fy  float64 `json:"fy"`
	Ppx float64 `json:"ppx"`
	Ppy float64 `json:"ppy"`
}

// Dense returns the 3x3 camera matrix.
func (k CameraMatrix) Dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		k.Fx, 0, k.Ppx,
		0, k.Fy, k.Ppy,
		0, 0, 1,
	})
}

// CameraMatrixFromDense reads a 3x3 camera matrix.
func CameraMatrixFromDense(m mat.Matrix) (CameraMatrix, error) {
	if r, c := m.Dims(); r != 3 || c != 3 {
		return CameraMatrix{}, errors.Errorf("camera matrix must be 3x3, got %dx%d", r, c)
	}
	return CameraMatrix{Fx: m.At(0, 0), Fy: m.At(1, 1), Ppx: m.At(0, 2), Ppy: m.At(1, 2)}, nil
}

// CheckValid checks that the intrinsics are finite with positive focal lengths.
func (k CameraMatrix) CheckValid() error {
	for _, v := range []float64{k.Fx, k.Fy, k.Ppx, k.Ppy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("camera matrix has non-finite values")
		}
	}
	if k.Fx <= 0 || k.Fy <= 0 {
		return errors.Errorf("focal lengths must be positive, got fx=%v fy=%v", k.Fx, k.Fy)
	}
	return nil
}

// PixelToNormalized maps a pixel to normalized image coordinates.
func (k CameraMatrix) PixelToNormalized(p r2.Point) r2.Point {
	return r2.Point{X: (p.X - k.Ppx) / k.Fx, Y: (p.Y - k.Ppy) / k.Fy}
}

// NormalizedToPixel maps normalized image coordinates to a pixel.
func (k CameraMatrix) NormalizedToPixel(p r2.Point) r2.Point {
	return r2.Point{X: p.X*k.Fx + k.Ppx, Y: p.Y*k.Fy + k.Ppy}
}
