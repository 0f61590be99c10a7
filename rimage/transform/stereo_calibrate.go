package transform

import (
	"context"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// StereoParameters describes a calibrated stereo pair. R and T map left camera coordinates into
// right camera coordinates.
type StereoParameters struct {
	Left      CameraMatrix
	LeftDist  Distortion
	Right     CameraMatrix
	RightDist Distortion
	R         *mat.Dense
	T         r3.Vector
}

// CheckValid rejects parameters with non finite entries or a non positive focal length.
func (p *StereoParameters) CheckValid() error {
	for _, err := range []error{p.Left.CheckValid(), p.Right.CheckValid(), p.LeftDist.CheckValid(), p.RightDist.CheckValid()} {
		if err != nil {
			return err
		}
	}
	if p.R == nil || !AllFinite(p.R) {
		return errors.New("stereo rotation is missing or not finite")
	}
	if r, c := p.R.Dims(); r != 3 || c != 3 {
		return errors.Errorf("stereo rotation must be 3x3, got %dx%d", r, c)
	}
	if !AllFinite(vecToDense(p.T)) {
		return errors.New("stereo translation is not finite")
	}
	if p.T.Norm() == 0 {
		return errors.New("stereo baseline is zero")
	}
	return nil
}

// StereoCalibrationResult is the output of StereoCalibrate.
type StereoCalibrationResult struct {
	StereoParameters
	E   *mat.Dense
	F   *mat.Dense
	RMS float64
}

// EssentialMatrix returns [T]x R.
func EssentialMatrix(rot mat.Matrix, t r3.Vector) *mat.Dense {
	var e mat.Dense
	e.Mul(skew(t), rot)
	return &e
}

// FundamentalMatrix returns Kr^-T E Kl^-1 scaled so that F[2][2] is 1 when it is not zero.
func FundamentalMatrix(left, right CameraMatrix, e mat.Matrix) (*mat.Dense, error) {
	var kl, kr mat.Dense
	if err := kl.Inverse(left.Dense()); err != nil {
		return nil, errors.Wrap(err, "inverting left camera matrix")
	}
	if err := kr.Inverse(right.Dense()); err != nil {
		return nil, errors.Wrap(err, "inverting right camera matrix")
	}
	var f mat.Dense
	f.Product(kr.T(), e, &kl)
	if s := f.At(2, 2); math.Abs(s) > 1e-12 {
		f.Scale(1/s, &f)
	}
	return &f, nil
}

// StereoCalibrate solves for the rotation and translation between two cameras that observed the
// same planar targets and jointly refines both intrinsics unless CalibFixIntrinsic is set. Each
// camera is first calibrated on its own with the same flags.
func StereoCalibrate(
	ctx context.Context,
	objPts [][]r3.Vector,
	leftPts, rightPts [][]r2.Point,
	size image.Point,
	guess StereoParameters,
	flags CalibFlags,
) (*StereoCalibrationResult, error) {
	totalPoints, err := checkViews(objPts, leftPts, rightPts)
	if err != nil {
		return nil, err
	}

	kl, dl := guess.Left, guess.LeftDist
	kr, dr := guess.Right, guess.RightDist
	var leftPoses, rightPoses []Pose
	if flags.Has(CalibFixIntrinsic) {
		for _, k := range []CameraMatrix{kl, kr} {
			if err := k.CheckValid(); err != nil {
				return nil, errors.Wrap(err, "fixed intrinsics")
			}
		}
		for i := range objPts {
			lp, err := SolvePlanarPose(ctx, objPts[i], leftPts[i], kl, dl)
			if err != nil {
				return nil, errors.Wrapf(err, "left pose of view %d", i)
			}
			rp, err := SolvePlanarPose(ctx, objPts[i], rightPts[i], kr, dr)
			if err != nil {
				return nil, errors.Wrapf(err, "right pose of view %d", i)
			}
			leftPoses = append(leftPoses, lp)
			rightPoses = append(rightPoses, rp)
		}
	} else {
		monoFlags := flags &^ (CalibSameFocalLength | CalibFixIntrinsic)
		left, err := CalibrateCamera(ctx, objPts, leftPts, size, kl, dl, monoFlags)
		if err != nil {
			return nil, errors.Wrap(err, "calibrating left camera")
		}
		right, err := CalibrateCamera(ctx, objPts, rightPts, size, kr, dr, monoFlags)
		if err != nil {
			return nil, errors.Wrap(err, "calibrating right camera")
		}
		kl, dl, leftPoses = left.CameraMatrix, left.Distortion, left.Poses
		kr, dr, rightPoses = right.CameraMatrix, right.Distortion, right.Poses
		if flags.Has(CalibSameFocalLength) {
			fx, fy := (kl.Fx+kr.Fx)*0.5, (kl.Fy+kr.Fy)*0.5
			kl.Fx, kl.Fy, kr.Fx, kr.Fy = fx, fy, fx, fy
		}
	}

	rvec, t, err := initialStereoPose(leftPoses, rightPoses)
	if err != nil {
		return nil, err
	}

	// rvec, T, left intrinsics, right intrinsics, then one left pose per view
	const (
		leftOffset  = 6
		rightOffset = leftOffset + intrinsicParams
		posesOffset = rightOffset + intrinsicParams
	)
	params := []float64{rvec.X, rvec.Y, rvec.Z, t.X, t.Y, t.Z}
	params = intrinsicsToParams(kl, dl, params)
	params = intrinsicsToParams(kr, dr, params)
	free := []bool{true, true, true, true, true, true}
	for cam := 0; cam < 2; cam++ {
		mask := intrinsicMask(flags)
		if flags.Has(CalibFixIntrinsic) {
			mask = make([]bool, intrinsicParams)
		}
		if cam == 1 && flags.Has(CalibSameFocalLength) {
			mask[0], mask[1] = false, false
		}
		free = append(free, mask...)
	}
	for _, lp := range leftPoses {
		params = poseToParams(lp, params)
		free = append(free, true, true, true, true, true, true)
	}

	leftModel, rightModel := intrinsicModel{}, intrinsicModel{}
	if flags.Has(CalibFixAspectRatio) {
		leftModel.aspect = kl.Fx / kl.Fy
		rightModel.aspect = kr.Fx / kr.Fy
	}
	unpack := func(p []float64) (CameraMatrix, Distortion, CameraMatrix, Distortion) {
		kl, dl := leftModel.unpack(p[leftOffset:])
		kr, dr := rightModel.unpack(p[rightOffset:])
		if flags.Has(CalibSameFocalLength) {
			kr.Fx, kr.Fy = kl.Fx, kl.Fy
		}
		return kl, dl, kr, dr
	}

	f := func(dst, p []float64) {
		kl, dl, kr, dr := unpack(p)
		rot := Rodrigues(r3.Vector{X: p[0], Y: p[1], Z: p[2]})
		tr := r3.Vector{X: p[3], Y: p[4], Z: p[5]}
		offset := 0
		for i, obj := range objPts {
			lp := paramsToPose(p[posesOffset+poseParams*i:])
			writeResiduals(dst[offset:], obj, leftPts[i], lp, kl, dl)
			offset += 2 * len(obj)
			writeResiduals(dst[offset:], obj, rightPts[i], composePose(rot, tr, lp), kr, dr)
			offset += 2 * len(obj)
		}
	}
	settings := DefaultLMSettings
	settings.Free = free
	if _, err := LevenbergMarquardt(ctx, f, 4*totalPoints, params, settings); err != nil {
		return nil, errors.Wrap(err, "refining stereo calibration")
	}

	kl, dl, kr, dr = unpack(params)
	rot := Rodrigues(r3.Vector{X: params[0], Y: params[1], Z: params[2]})
	result := &StereoCalibrationResult{
		StereoParameters: StereoParameters{
			Left: kl, LeftDist: dl, Right: kr, RightDist: dr,
			R: rot,
			T: r3.Vector{X: params[3], Y: params[4], Z: params[5]},
		},
	}
	sum := 0.0
	for i, obj := range objPts {
		lp := paramsToPose(params[posesOffset+poseParams*i:])
		sum += viewError(obj, leftPts[i], lp, kl, dl)
		sum += viewError(obj, rightPts[i], composePose(rot, result.T, lp), kr, dr)
	}
	result.RMS = math.Sqrt(sum / float64(2*totalPoints))

	if err := result.StereoParameters.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "stereo calibration diverged")
	}
	result.E = EssentialMatrix(result.R, result.T)
	if result.F, err = FundamentalMatrix(kl, kr, result.E); err != nil {
		return nil, err
	}
	if !AllFinite(result.E, result.F) || math.IsNaN(result.RMS) {
		return nil, errors.New("stereo calibration diverged: result is not finite")
	}
	return result, nil
}

// composePose returns the pose of the board in the right camera given its pose in the left one.
func composePose(rot *mat.Dense, t r3.Vector, left Pose) Pose {
	var rr mat.Dense
	rr.Mul(rot, left.Rotation())
	return Pose{
		Rvec: RotationToRodrigues(&rr),
		Tvec: mulVec(rot, left.Tvec).Add(t),
	}
}

// initialStereoPose takes the per component median of the relative pose implied by each view.
func initialStereoPose(left, right []Pose) (r3.Vector, r3.Vector, error) {
	comps := make([][]float64, 6)
	for i := range left {
		rl, rr := left[i].Rotation(), right[i].Rotation()
		var rel mat.Dense
		rel.Mul(rr, rl.T())
		om := RotationToRodrigues(&rel)
		t := right[i].Tvec.Sub(mulVec(&rel, left[i].Tvec))
		for j, v := range []float64{om.X, om.Y, om.Z, t.X, t.Y, t.Z} {
			comps[j] = append(comps[j], v)
		}
	}
	med := make([]float64, 6)
	for j, c := range comps {
		m, err := stats.Median(c)
		if err != nil {
			return r3.Vector{}, r3.Vector{}, errors.Wrap(err, "initial stereo pose")
		}
		med[j] = m
	}
	return r3.Vector{X: med[0], Y: med[1], Z: med[2]}, r3.Vector{X: med[3], Y: med[4], Z: med[5]}, nil
}
