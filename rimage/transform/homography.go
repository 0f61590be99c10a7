package transform

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// FindHomography estimates the 3x3 homography mapping src onto dst with the normalized DLT.
// The result is scaled so that H[2][2] = 1.
func FindHomography(src, dst []r2.Point) (*mat.Dense, error) {
	if len(src) != len(dst) {
		return nil, errors.New("sets of points src and dst must have the same number of elements")
	}
	if len(src) < 4 {
		return nil, errors.New("sets of points must have at least 4 elements")
	}
	srcN, T1 := normalizePoints(src)
	dstN, T2 := normalizePoints(dst)

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range srcN {
		x, y := srcN[i].X, srcN[i].Y
		u, v := dstN[i].X, dstN[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}
	h := nullVector(a)
	if h == nil {
		return nil, errors.New("homography svd failed")
	}
	hn := mat.NewDense(3, 3, h)

	var t2Inv mat.Dense
	if err := t2Inv.Inverse(T2); err != nil {
		return nil, errors.Wrap(err, "inverting normalization")
	}
	var out mat.Dense
	out.Mul(&t2Inv, hn)
	out.Mul(&out, T1)
	scale := out.At(2, 2)
	if scale == 0 {
		return nil, errors.New("degenerate homography")
	}
	out.Scale(1/scale, &out)
	return &out, nil
}

// ApplyHomography maps p through h.
func ApplyHomography(h mat.Matrix, p r2.Point) r2.Point {
	x := h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)
	y := h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	return r2.Point{X: x / w, Y: y / w}
}
