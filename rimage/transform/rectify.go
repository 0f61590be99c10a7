package transform

import (
	"image"
	"math"

	geor2 "github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// RectifyZeroDisparity makes the principal points of both rectified views coincide.
const RectifyZeroDisparity = 1

// RectifyResult holds the rectifying rotations and projections of a stereo pair along with the
// disparity-to-depth matrix Q. ROI1 and ROI2 are the regions of each rectified view that contain
// only valid pixels.
type RectifyResult struct {
	R1, R2 *mat.Dense
	P1, P2 *mat.Dense
	Q      *mat.Dense
	ROI1   image.Rectangle
	ROI2   image.Rectangle
}

type rectF struct {
	x, y, w, h float64
}

// StereoRectify computes rectification transforms for a calibrated pair so that epipolar lines
// become image rows (or columns for a vertical rig). alpha in [0, 1] picks between keeping only
// valid pixels (0) and keeping every source pixel (1); a negative alpha skips the scaling.
func StereoRectify(params *StereoParameters, size image.Point, alpha float64, flags int) (*RectifyResult, error) {
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, errors.Errorf("invalid image size %v", size)
	}

	// rotate each camera half way
	om := RotationToRodrigues(params.R).Mul(-0.5)
	rr := Rodrigues(om)
	t := mulVec(rr, params.T)

	idx := 0
	if math.Abs(t.X) <= math.Abs(t.Y) {
		idx = 1
	}
	var uu r3.Vector
	if c := vecComponent(t, idx); c > 0 {
		uu = setComponent(uu, idx, 1)
	} else {
		uu = setComponent(uu, idx, -1)
	}
	ww := t.Cross(uu)
	if nw := ww.Norm(); nw > 0 {
		ww = ww.Mul(math.Acos(math.Abs(vecComponent(t, idx))/t.Norm()) / nw)
	}
	wr := Rodrigues(ww)

	var r1, r2 mat.Dense
	r1.Mul(wr, rr.T())
	r2.Mul(wr, rr)
	t = mulVec(&r2, params.T)
	tIdx := vecComponent(t, idx)

	ks := [2]CameraMatrix{params.Left, params.Right}
	ds := [2]Distortion{params.LeftDist, params.RightDist}
	rs := [2]*mat.Dense{&r1, &r2}
	nx, ny := float64(size.X), float64(size.Y)

	fcNew := math.MaxFloat64
	for k := 0; k < 2; k++ {
		fc := ks[k].Fy
		if idx == 1 {
			fc = ks[k].Fx
		}
		if dk1 := ds[k][K1]; dk1 < 0 {
			fc *= 1 + dk1*(nx*nx+ny*ny)/(4*fc*fc)
		}
		fcNew = math.Min(fcNew, fc)
	}

	var cc [2]geor2.Point
	corners := []geor2.Point{{X: 0, Y: 0}, {X: nx - 1, Y: 0}, {X: 0, Y: ny - 1}, {X: nx - 1, Y: ny - 1}}
	for k := 0; k < 2; k++ {
		norm := UndistortPoints(corners, ks[k], ds[k], nil, nil)
		var avg geor2.Point
		for _, p := range norm {
			v := mulVec(rs[k], r3.Vector{X: p.X, Y: p.Y, Z: 1})
			avg = avg.Add(geor2.Point{X: fcNew * v.X / v.Z, Y: fcNew * v.Y / v.Z})
		}
		avg = avg.Mul(1 / float64(len(norm)))
		cc[k] = geor2.Point{X: (nx-1)/2 - avg.X, Y: (ny-1)/2 - avg.Y}
	}
	switch {
	case flags&RectifyZeroDisparity != 0:
		mid := cc[0].Add(cc[1]).Mul(0.5)
		cc[0], cc[1] = mid, mid
	case idx == 0:
		y := (cc[0].Y + cc[1].Y) * 0.5
		cc[0].Y, cc[1].Y = y, y
	default:
		x := (cc[0].X + cc[1].X) * 0.5
		cc[0].X, cc[1].X = x, x
	}

	p1 := projectionMatrix(fcNew, cc[0])
	p2 := projectionMatrix(fcNew, cc[1])
	p2.Set(idx, 3, tIdx*fcNew)

	inner1, outer1 := validRectangles(ks[0], ds[0], &r1, p1, size)
	inner2, outer2 := validRectangles(ks[1], ds[1], &r2, p2, size)

	s := 1.0
	if alpha >= 0 {
		alpha = math.Min(alpha, 1)
		s0 := math.Max(scaleBound(inner1, cc[0], size, math.Max), scaleBound(inner2, cc[1], size, math.Max))
		s1 := math.Min(scaleBound(outer1, cc[0], size, math.Min), scaleBound(outer2, cc[1], size, math.Min))
		s = s0*(1-alpha) + s1*alpha
	}
	fcNew *= s
	for k, p := range []*mat.Dense{p1, p2} {
		p.Set(0, 0, fcNew)
		p.Set(1, 1, fcNew)
		p.Set(0, 2, cc[k].X)
		p.Set(1, 2, cc[k].Y)
	}
	p2.Set(idx, 3, s*p2.At(idx, 3))

	bounds := image.Rect(0, 0, size.X, size.Y)
	roi := func(inner rectF, c geor2.Point) image.Rectangle {
		x := int(math.Ceil((inner.x-c.X)*s + c.X))
		y := int(math.Ceil((inner.y-c.Y)*s + c.Y))
		return image.Rect(x, y, x+int(math.Floor(inner.w*s)), y+int(math.Floor(inner.h*s))).Intersect(bounds)
	}

	dc := cc[0].X - cc[1].X
	if idx == 1 {
		dc = cc[0].Y - cc[1].Y
	}
	q := mat.NewDense(4, 4, []float64{
		1, 0, 0, -cc[0].X,
		0, 1, 0, -cc[0].Y,
		0, 0, 0, fcNew,
		0, 0, -1 / tIdx, dc / tIdx,
	})

	res := &RectifyResult{
		R1:   &r1,
		R2:   &r2,
		P1:   p1,
		P2:   p2,
		Q:    q,
		ROI1: roi(inner1, cc[0]),
		ROI2: roi(inner2, cc[1]),
	}
	if !AllFinite(res.R1, res.R2, res.P1, res.P2, res.Q) {
		return nil, errors.New("rectification produced non finite values")
	}
	return res, nil
}

func setComponent(v r3.Vector, i int, val float64) r3.Vector {
	switch i {
	case 0:
		v.X = val
	case 1:
		v.Y = val
	default:
		v.Z = val
	}
	return v
}

func projectionMatrix(fc float64, c geor2.Point) *mat.Dense {
	return mat.NewDense(3, 4, []float64{
		fc, 0, c.X, 0,
		0, fc, c.Y, 0,
		0, 0, 1, 0,
	})
}

// scaleBound is the extreme of the ratios between the distances from the principal point to the
// image border and to the rectangle border.
func scaleBound(r rectF, c geor2.Point, size image.Point, pick func(a, b float64) float64) float64 {
	w, h := float64(size.X), float64(size.Y)
	v := pick(c.X/(c.X-r.x), c.Y/(c.Y-r.y))
	v = pick(v, (w-1-c.X)/(r.x+r.w-c.X))
	return pick(v, (h-1-c.Y)/(r.y+r.h-c.Y))
}

// validRectangles undistorts a grid over the source image and returns the largest rectangle inside
// the warped grid and the bounding box of the whole grid.
func validRectangles(k CameraMatrix, d Distortion, rot, proj *mat.Dense, size image.Point) (inner, outer rectF) {
	const n = 9
	pts := make([]geor2.Point, 0, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			pts = append(pts, geor2.Point{
				X: float64(x * (size.X - 1) / (n - 1)),
				Y: float64(y * (size.Y - 1) / (n - 1)),
			})
		}
	}
	pts = UndistortPoints(pts, k, d, rot, proj)

	ix0, ix1 := -math.MaxFloat64, math.MaxFloat64
	iy0, iy1 := -math.MaxFloat64, math.MaxFloat64
	ox0, ox1 := math.MaxFloat64, -math.MaxFloat64
	oy0, oy1 := math.MaxFloat64, -math.MaxFloat64
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			p := pts[y*n+x]
			ox0, ox1 = math.Min(ox0, p.X), math.Max(ox1, p.X)
			oy0, oy1 = math.Min(oy0, p.Y), math.Max(oy1, p.Y)
			if x == 0 {
				ix0 = math.Max(ix0, p.X)
			}
			if x == n-1 {
				ix1 = math.Min(ix1, p.X)
			}
			if y == 0 {
				iy0 = math.Max(iy0, p.Y)
			}
			if y == n-1 {
				iy1 = math.Min(iy1, p.Y)
			}
		}
	}
	return rectF{ix0, iy0, ix1 - ix0, iy1 - iy0}, rectF{ox0, oy0, ox1 - ox0, oy1 - oy0}
}
