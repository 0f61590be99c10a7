package transform

import (
	"context"
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

var (
	testSize  = image.Point{640, 480}
	testBoard = ChessboardObjectPoints(9, 6, 0.025)
	testPoses = []Pose{
		{Rvec: r3.Vector{X: 0.2}, Tvec: r3.Vector{X: -0.1, Y: -0.06, Z: 0.5}},
		{Rvec: r3.Vector{Y: 0.3}, Tvec: r3.Vector{X: -0.12, Y: -0.05, Z: 0.55}},
		{Rvec: r3.Vector{X: -0.2, Y: 0.2, Z: 0.1}, Tvec: r3.Vector{X: -0.08, Y: -0.07, Z: 0.6}},
		{Rvec: r3.Vector{X: 0.1, Y: -0.25}, Tvec: r3.Vector{X: -0.1, Y: -0.04, Z: 0.45}},
		{Rvec: r3.Vector{X: 0.3, Y: 0.1, Z: -0.1}, Tvec: r3.Vector{X: -0.11, Y: -0.08, Z: 0.65}},
		{Rvec: r3.Vector{Z: 0.2}, Tvec: r3.Vector{X: -0.09, Y: -0.06, Z: 0.5}},
		{Rvec: r3.Vector{X: -0.3, Y: -0.1}, Tvec: r3.Vector{X: -0.1, Y: -0.05, Z: 0.58}},
	}
)

func testViews(k CameraMatrix, d Distortion, poses []Pose) ([][]r3.Vector, [][]r2.Point) {
	var obj [][]r3.Vector
	var img [][]r2.Point
	for _, p := range poses {
		obj = append(obj, testBoard)
		img = append(img, ProjectPoints(testBoard, p, k, d))
	}
	return obj, img
}

func testStereo() *StereoParameters {
	return &StereoParameters{
		Left:      CameraMatrix{Fx: 520, Fy: 520, Ppx: 322, Ppy: 238},
		LeftDist:  Distortion{-0.12, 0.04},
		Right:     CameraMatrix{Fx: 520, Fy: 520, Ppx: 316, Ppy: 243},
		RightDist: Distortion{-0.1, 0.03},
		R:         Rodrigues(r3.Vector{X: 0.01, Y: 0.02, Z: -0.005}),
		T:         r3.Vector{X: -0.06, Y: 0.001, Z: 0.002},
	}
}

func TestInitCameraMatrix(t *testing.T) {
	k := CameraMatrix{Fx: 500, Fy: 500, Ppx: 319.5, Ppy: 239.5}
	obj, img := testViews(k, Distortion{}, testPoses)
	got, err := InitCameraMatrix(obj, img, testSize, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Fx, test.ShouldAlmostEqual, 500, 1)
	test.That(t, got.Fy, test.ShouldAlmostEqual, 500, 1)
	test.That(t, got.Ppx, test.ShouldEqual, 319.5)

	_, err = InitCameraMatrix(obj, img[:2], testSize, 0)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCalibrateCamera(t *testing.T) {
	k := CameraMatrix{Fx: 500, Fy: 505, Ppx: 322, Ppy: 236}
	d := Distortion{-0.15, 0.05, 0.001, -0.0005}
	obj, img := testViews(k, d, testPoses)

	res, err := CalibrateCamera(context.Background(), obj, img, testSize, CameraMatrix{}, Distortion{}, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.RMS, test.ShouldBeLessThan, 1e-3)
	test.That(t, len(res.Poses), test.ShouldEqual, len(testPoses))
	test.That(t, len(res.PerViewErrors), test.ShouldEqual, len(testPoses))
	test.That(t, res.CameraMatrix.Fx, test.ShouldAlmostEqual, k.Fx, 0.5)
	test.That(t, res.CameraMatrix.Fy, test.ShouldAlmostEqual, k.Fy, 0.5)
	test.That(t, res.CameraMatrix.Ppx, test.ShouldAlmostEqual, k.Ppx, 0.5)
	test.That(t, res.CameraMatrix.Ppy, test.ShouldAlmostEqual, k.Ppy, 0.5)
	test.That(t, res.Distortion[K1], test.ShouldAlmostEqual, d[K1], 1e-3)
	test.That(t, res.Distortion[K4], test.ShouldEqual, 0.)

	t.Run("zero tangential distortion", func(t *testing.T) {
		obj, img := testViews(k, Distortion{-0.15, 0.05}, testPoses)
		res, err := CalibrateCamera(context.Background(), obj, img, testSize, CameraMatrix{}, Distortion{}, CalibZeroTangentDist)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Distortion[P1], test.ShouldEqual, 0.)
		test.That(t, res.Distortion[P2], test.ShouldEqual, 0.)
		test.That(t, res.RMS, test.ShouldBeLessThan, 1e-3)
	})

	t.Run("bad input", func(t *testing.T) {
		_, err := CalibrateCamera(context.Background(), nil, nil, testSize, CameraMatrix{}, Distortion{}, 0)
		test.That(t, err, test.ShouldNotBeNil)

		raised := [][]r3.Vector{append([]r3.Vector(nil), testBoard...)}
		raised[0][3].Z = 0.01
		_, err = CalibrateCamera(context.Background(), raised, img[:1], testSize, CameraMatrix{}, Distortion{}, 0)
		test.That(t, err, test.ShouldNotBeNil)

		_, err = CalibrateCamera(context.Background(), obj, img, testSize, CameraMatrix{}, Distortion{}, CalibUseIntrinsicGuess)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestStereoCalibrate(t *testing.T) {
	truth := testStereo()
	var rightPoses []Pose
	for _, p := range testPoses {
		rightPoses = append(rightPoses, composePose(truth.R, truth.T, p))
	}
	obj, left := testViews(truth.Left, truth.LeftDist, testPoses)
	_, right := testViews(truth.Right, truth.RightDist, rightPoses)

	flags := CalibZeroTangentDist | CalibSameFocalLength
	res, err := StereoCalibrate(context.Background(), obj, left, right, testSize, StereoParameters{}, flags)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.RMS, test.ShouldBeLessThan, 1e-3)
	test.That(t, res.T.Sub(truth.T).Norm(), test.ShouldBeLessThan, 1e-3)
	test.That(t, mat.EqualApprox(res.R, truth.R, 1e-3), test.ShouldBeTrue)
	test.That(t, res.Right.Fx, test.ShouldEqual, res.Left.Fx)
	test.That(t, res.F.At(2, 2), test.ShouldAlmostEqual, 1, 1e-9)

	// epipolar constraint on ideal normalized coordinates
	for _, pt := range testBoard[:10] {
		pl := testPoses[0].Apply(pt)
		pr := composePose(truth.R, truth.T, testPoses[0]).Apply(pt)
		xl := mat.NewVecDense(3, []float64{pl.X / pl.Z, pl.Y / pl.Z, 1})
		xr := mat.NewVecDense(3, []float64{pr.X / pr.Z, pr.Y / pr.Z, 1})
		var ex mat.VecDense
		ex.MulVec(res.E, xl)
		test.That(t, math.Abs(mat.Dot(xr, &ex)), test.ShouldBeLessThan, 1e-4)
	}

	t.Run("fixed intrinsics", func(t *testing.T) {
		guess := *truth
		guess.R, guess.T = nil, r3.Vector{}
		res, err := StereoCalibrate(context.Background(), obj, left, right, testSize, guess, CalibFixIntrinsic)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Left, test.ShouldResemble, truth.Left)
		test.That(t, res.T.Sub(truth.T).Norm(), test.ShouldBeLessThan, 1e-4)
	})

	t.Run("mismatched views", func(t *testing.T) {
		_, err := StereoCalibrate(context.Background(), obj, left, right[:2], testSize, StereoParameters{}, flags)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestStereoRectify(t *testing.T) {
	params := testStereo()
	res, err := StereoRectify(params, testSize, 1, RectifyZeroDisparity)
	test.That(t, err, test.ShouldBeNil)

	// corresponding points land on the same row
	pose := testPoses[2]
	left := ProjectPoints(testBoard, pose, params.Left, params.LeftDist)
	right := ProjectPoints(testBoard, composePose(params.R, params.T, pose), params.Right, params.RightDist)
	rl := UndistortPoints(left, params.Left, params.LeftDist, res.R1, res.P1)
	rr := UndistortPoints(right, params.Right, params.RightDist, res.R2, res.P2)
	for i := range rl {
		test.That(t, rl[i].Y, test.ShouldAlmostEqual, rr[i].Y, 1e-6)
		test.That(t, rl[i].X, test.ShouldBeGreaterThan, rr[i].X)
	}

	test.That(t, res.P1.At(0, 2), test.ShouldEqual, res.P2.At(0, 2))
	test.That(t, res.Q.At(2, 3), test.ShouldEqual, res.P1.At(0, 0))
	test.That(t, res.Q.At(0, 3), test.ShouldEqual, -res.P1.At(0, 2))
	test.That(t, res.Q.At(3, 3), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, res.Q.At(3, 2), test.ShouldBeGreaterThan, 0)

	bounds := image.Rect(0, 0, testSize.X, testSize.Y)
	test.That(t, res.ROI1.Empty(), test.ShouldBeFalse)
	test.That(t, res.ROI1.In(bounds), test.ShouldBeTrue)
	test.That(t, res.ROI2.In(bounds), test.ShouldBeTrue)

	t.Run("invalid", func(t *testing.T) {
		bad := *params
		bad.T = r3.Vector{}
		_, err := StereoRectify(&bad, testSize, 1, RectifyZeroDisparity)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = StereoRectify(params, image.Point{}, 1, RectifyZeroDisparity)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestUndistortRectifyMap(t *testing.T) {
	k := CameraMatrix{Fx: 500, Fy: 500, Ppx: 319.5, Ppy: 239.5}
	table, err := NewUndistortion(k, Distortion{}, testSize)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, table.Size(), test.ShouldResemble, testSize)
	for _, p := range []image.Point{{0, 0}, {100, 200}, {639, 479}} {
		i := p.Y*testSize.X + p.X
		test.That(t, float64(table.X[i]), test.ShouldAlmostEqual, float64(p.X), 1e-3)
		test.That(t, float64(table.Y[i]), test.ShouldAlmostEqual, float64(p.Y), 1e-3)
	}

	// the rectification maps send rectified pixels back to where the raw points were
	params := testStereo()
	rect, err := NewRectification(params, testSize)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rect.CommonROI.Empty(), test.ShouldBeFalse)
	raw := r2.Point{X: 300, Y: 200}
	ideal := UndistortPoints([]r2.Point{raw}, params.Left, params.LeftDist, rect.R1, rect.P1)[0]
	u, v := int(math.Round(ideal.X)), int(math.Round(ideal.Y))
	i := v*testSize.X + u
	test.That(t, float64(rect.Left.X[i]), test.ShouldAlmostEqual, raw.X, 2)
	test.That(t, float64(rect.Left.Y[i]), test.ShouldAlmostEqual, raw.Y, 2)

	_, err = NewUndistortion(CameraMatrix{}, Distortion{}, testSize)
	test.That(t, err, test.ShouldNotBeNil)
}
