package transform

import (
	"context"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CalibFlags constrain a calibration solve.
type CalibFlags uint

// Calibration flags.
const (
	// CalibUseIntrinsicGuess starts from the given camera matrix and distortion.
	CalibUseIntrinsicGuess CalibFlags = 1 << iota
	// CalibFixAspectRatio keeps fx/fy at its initial value.
	CalibFixAspectRatio
	// CalibFixPrincipalPoint keeps the principal point at its initial value.
	CalibFixPrincipalPoint
	// CalibZeroTangentDist forces p1 = p2 = 0.
	CalibZeroTangentDist
	// CalibFixK3 keeps k3 at its initial value.
	CalibFixK3
	// CalibFixK4 keeps k4 at its initial value.
	CalibFixK4
	// CalibFixK5 keeps k5 at its initial value.
	CalibFixK5
	// CalibRationalModel enables the denominator terms k4, k5 and k6.
	CalibRationalModel
	// CalibSameFocalLength ties the right camera focal lengths to the left ones (stereo only).
	CalibSameFocalLength
	// CalibFixIntrinsic only solves the stereo extrinsics (stereo only).
	CalibFixIntrinsic
)

// Has reports whether all bits of flag are set.
func (f CalibFlags) Has(flag CalibFlags) bool {
	return f&flag == flag
}

const (
	intrinsicParams = 4 + DistortionTerms
	poseParams      = 6
)

// CalibrationResult is the output of CalibrateCamera.
type CalibrationResult struct {
	CameraMatrix  CameraMatrix
	Distortion    Distortion
	Poses         []Pose
	RMS           float64
	PerViewErrors []float64
}

// ChessboardObjectPoints returns the board corners in board coordinates, row by row, with Z = 0.
func ChessboardObjectPoints(cols, rows int, squareSize float64) []r3.Vector {
	pts := make([]r3.Vector, 0, cols*rows)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			pts = append(pts, r3.Vector{X: float64(j) * squareSize, Y: float64(i) * squareSize})
		}
	}
	return pts
}

func checkViews(objPts [][]r3.Vector, imgPts ...[][]r2.Point) (int, error) {
	if len(objPts) == 0 {
		return 0, errors.New("no calibration views")
	}
	total := 0
	for _, img := range imgPts {
		if len(img) != len(objPts) {
			return 0, errors.Errorf("got %d object views but %d image views", len(objPts), len(img))
		}
	}
	for i, obj := range objPts {
		if len(obj) < 4 {
			return 0, errors.Errorf("view %d has %d points, need at least 4", i, len(obj))
		}
		for _, img := range imgPts {
			if len(img[i]) != len(obj) {
				return 0, errors.Errorf("view %d has %d object points but %d image points", i, len(obj), len(img[i]))
			}
		}
		for _, pt := range obj {
			if pt.Z != 0 {
				return 0, errors.Errorf("view %d is not planar: calibration targets must have Z = 0", i)
			}
		}
		total += len(obj)
	}
	return total, nil
}

// InitCameraMatrix estimates focal lengths from the plane homographies of each view, assuming the
// principal point is at the image center and no distortion. A positive aspectRatio forces
// fx = aspectRatio*fy.
func InitCameraMatrix(objPts [][]r3.Vector, imgPts [][]r2.Point, size image.Point, aspectRatio float64) (CameraMatrix, error) {
	if _, err := checkViews(objPts, imgPts); err != nil {
		return CameraMatrix{}, err
	}
	cx := (float64(size.X) - 1) * 0.5
	cy := (float64(size.Y) - 1) * 0.5

	a := mat.NewDense(2*len(objPts), 2, nil)
	b := mat.NewVecDense(2*len(objPts), nil)
	for i, obj := range objPts {
		h, err := FindHomography(planar(obj), imgPts[i])
		if err != nil {
			return CameraMatrix{}, errors.Wrapf(err, "view %d", i)
		}
		for j := 0; j < 3; j++ {
			h.Set(0, j, h.At(0, j)-h.At(2, j)*cx)
			h.Set(1, j, h.At(1, j)-h.At(2, j)*cy)
		}
		var hc, vc, d1, d2 [3]float64
		var n [4]float64
		for j := 0; j < 3; j++ {
			t0, t1 := h.At(j, 0), h.At(j, 1)
			hc[j], vc[j] = t0, t1
			d1[j], d2[j] = (t0+t1)*0.5, (t0-t1)*0.5
			n[0] += t0 * t0
			n[1] += t1 * t1
			n[2] += d1[j] * d1[j]
			n[3] += d2[j] * d2[j]
		}
		for j := range n {
			n[j] = 1 / math.Sqrt(n[j])
		}
		for j := 0; j < 3; j++ {
			hc[j] *= n[0]
			vc[j] *= n[1]
			d1[j] *= n[2]
			d2[j] *= n[3]
		}
		a.SetRow(2*i, []float64{hc[0] * vc[0], hc[1] * vc[1]})
		a.SetRow(2*i+1, []float64{d1[0] * d2[0], d1[1] * d2[1]})
		b.SetVec(2*i, -hc[2]*vc[2])
		b.SetVec(2*i+1, -d1[2]*d2[2])
	}

	var f mat.VecDense
	if err := f.SolveVec(a, b); err != nil {
		return CameraMatrix{}, errors.Wrap(err, "solving for focal length")
	}
	fx := math.Sqrt(math.Abs(1 / f.AtVec(0)))
	fy := math.Sqrt(math.Abs(1 / f.AtVec(1)))
	if aspectRatio > 0 {
		tf := (fx + fy) / (aspectRatio + 1)
		fx, fy = aspectRatio*tf, tf
	}
	k := CameraMatrix{Fx: fx, Fy: fy, Ppx: cx, Ppy: cy}
	return k, k.CheckValid()
}

func planar(obj []r3.Vector) []r2.Point {
	out := make([]r2.Point, len(obj))
	for i, pt := range obj {
		out[i] = r2.Point{X: pt.X, Y: pt.Y}
	}
	return out
}

// SolvePlanarPose estimates the pose of a planar target from its homography, then refines it by
// minimizing the reprojection error.
func SolvePlanarPose(ctx context.Context, obj []r3.Vector, img []r2.Point, k CameraMatrix, d Distortion) (Pose, error) {
	norm := UndistortPoints(img, k, d, nil, nil)
	h, err := FindHomography(planar(obj), norm)
	if err != nil {
		return Pose{}, err
	}
	h1 := denseToVec(h.ColView(0))
	h2 := denseToVec(h.ColView(1))
	h3 := denseToVec(h.ColView(2))
	n1, n2 := h1.Norm(), h2.Norm()
	if n1 == 0 || n2 == 0 {
		return Pose{}, errors.New("degenerate target homography")
	}
	t := h3.Mul(2 / (n1 + n2))
	r1, r2 := h1.Mul(1/n1), h2.Mul(1/n2)
	if t.Z < 0 {
		r1, r2, t = r1.Mul(-1), r2.Mul(-1), t.Mul(-1)
	}
	r3v := r1.Cross(r2)
	rot := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	pose := Pose{Rvec: RotationToRodrigues(rot), Tvec: t}

	params := poseToParams(pose, nil)
	f := func(dst, p []float64) {
		writeResiduals(dst, obj, img, paramsToPose(p), k, d)
	}
	if _, err := LevenbergMarquardt(ctx, f, 2*len(obj), params, LMSettings{MaxIterations: 20, Epsilon: 1e-12}); err != nil {
		return pose, err
	}
	return paramsToPose(params), nil
}

func poseToParams(p Pose, dst []float64) []float64 {
	return append(dst, p.Rvec.X, p.Rvec.Y, p.Rvec.Z, p.Tvec.X, p.Tvec.Y, p.Tvec.Z)
}

func paramsToPose(p []float64) Pose {
	return Pose{
		Rvec: r3.Vector{X: p[0], Y: p[1], Z: p[2]},
		Tvec: r3.Vector{X: p[3], Y: p[4], Z: p[5]},
	}
}

func intrinsicsToParams(k CameraMatrix, d Distortion, dst []float64) []float64 {
	dst = append(dst, k.Fx, k.Fy, k.Ppx, k.Ppy)
	return append(dst, d[:]...)
}

// intrinsicModel turns the packed intrinsic parameters into a camera model, applying the
// constraints that are expressed as derived values rather than fixed parameters.
type intrinsicModel struct {
	aspect float64 // fx/fy when the aspect ratio is fixed, else 0
}

func (m intrinsicModel) unpack(p []float64) (CameraMatrix, Distortion) {
	k := CameraMatrix{Fx: p[0], Fy: p[1], Ppx: p[2], Ppy: p[3]}
	if m.aspect > 0 {
		k.Fx = m.aspect * k.Fy
	}
	var d Distortion
	copy(d[:], p[4:4+DistortionTerms])
	return k, d
}

// intrinsicMask marks which of the packed intrinsic parameters are free under flags.
func intrinsicMask(flags CalibFlags) []bool {
	free := make([]bool, intrinsicParams)
	free[0] = !flags.Has(CalibFixAspectRatio)
	free[1] = true
	free[2] = !flags.Has(CalibFixPrincipalPoint)
	free[3] = !flags.Has(CalibFixPrincipalPoint)
	free[4+K1] = true
	free[4+K2] = true
	free[4+P1] = !flags.Has(CalibZeroTangentDist)
	free[4+P2] = !flags.Has(CalibZeroTangentDist)
	free[4+K3] = !flags.Has(CalibFixK3)
	rational := flags.Has(CalibRationalModel)
	free[4+K4] = rational && !flags.Has(CalibFixK4)
	free[4+K5] = rational && !flags.Has(CalibFixK5)
	free[4+K6] = rational
	return free
}

// applyFixedTerms zeroes the coefficients the flags pin to zero.
func applyFixedTerms(d Distortion, flags CalibFlags) Distortion {
	if flags.Has(CalibZeroTangentDist) {
		d[P1], d[P2] = 0, 0
	}
	if !flags.Has(CalibRationalModel) {
		d[K4], d[K5], d[K6] = 0, 0, 0
	}
	return d
}

func writeResiduals(dst []float64, obj []r3.Vector, img []r2.Point, pose Pose, k CameraMatrix, d Distortion) {
	rot := pose.Rotation()
	for i, pt := range obj {
		proj := projectCamera(mulVec(rot, pt).Add(pose.Tvec), k, d)
		dst[2*i] = proj.X - img[i].X
		dst[2*i+1] = proj.Y - img[i].Y
	}
}

func viewError(obj []r3.Vector, img []r2.Point, pose Pose, k CameraMatrix, d Distortion) float64 {
	res := make([]float64, 2*len(obj))
	writeResiduals(res, obj, img, pose, k, d)
	sum := 0.0
	for _, r := range res {
		sum += r * r
	}
	return sum
}

// CalibrateCamera solves for the intrinsics, distortion and per-view poses of a camera that
// observed planar targets. The initial guess comes from InitCameraMatrix unless
// CalibUseIntrinsicGuess is set. The result is rejected when any value is not finite.
func CalibrateCamera(
	ctx context.Context,
	objPts [][]r3.Vector,
	imgPts [][]r2.Point,
	size image.Point,
	guess CameraMatrix,
	guessDist Distortion,
	flags CalibFlags,
) (*CalibrationResult, error) {
	totalPoints, err := checkViews(objPts, imgPts)
	if err != nil {
		return nil, err
	}

	k, d := guess, guessDist
	if !flags.Has(CalibUseIntrinsicGuess) {
		aspect := 0.0
		if flags.Has(CalibFixAspectRatio) {
			aspect = 1
			if guess.Fx > 0 && guess.Fy > 0 {
				aspect = guess.Fx / guess.Fy
			}
		}
		if k, err = InitCameraMatrix(objPts, imgPts, size, aspect); err != nil {
			return nil, errors.Wrap(err, "initializing camera matrix")
		}
		d = Distortion{}
	} else if err := k.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "intrinsic guess")
	}
	d = applyFixedTerms(d, flags)

	model := intrinsicModel{}
	if flags.Has(CalibFixAspectRatio) {
		model.aspect = k.Fx / k.Fy
	}

	params := intrinsicsToParams(k, d, nil)
	free := intrinsicMask(flags)
	for i := range objPts {
		pose, err := SolvePlanarPose(ctx, objPts[i], imgPts[i], k, d)
		if err != nil {
			return nil, errors.Wrapf(err, "initial pose of view %d", i)
		}
		params = poseToParams(pose, params)
		for j := 0; j < poseParams; j++ {
			free = append(free, true)
		}
	}

	f := func(dst, p []float64) {
		k, d := model.unpack(p)
		offset := 0
		for i, obj := range objPts {
			pose := paramsToPose(p[intrinsicParams+poseParams*i:])
			writeResiduals(dst[offset:], obj, imgPts[i], pose, k, d)
			offset += 2 * len(obj)
		}
	}
	settings := DefaultLMSettings
	settings.Free = free
	if _, err := LevenbergMarquardt(ctx, f, 2*totalPoints, params, settings); err != nil {
		return nil, errors.Wrap(err, "refining calibration")
	}

	k, d = model.unpack(params)
	result := &CalibrationResult{CameraMatrix: k, Distortion: d}
	sum := 0.0
	for i, obj := range objPts {
		pose := paramsToPose(params[intrinsicParams+poseParams*i:])
		result.Poses = append(result.Poses, pose)
		viewSq := viewError(obj, imgPts[i], pose, k, d)
		sum += viewSq
		result.PerViewErrors = append(result.PerViewErrors, math.Sqrt(viewSq/float64(len(obj))))
	}
	result.RMS = math.Sqrt(sum / float64(totalPoints))

	if err := k.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "calibration diverged")
	}
	if err := d.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "calibration diverged")
	}
	if math.IsNaN(result.RMS) || math.IsInf(result.RMS, 0) {
		return nil, errors.New("calibration diverged: reprojection error is not finite")
	}
	return result, nil
}
