package calibration

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/stereocam/logging"
	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/rimage/transform"
	"go.viam.com/stereocam/testutils"
)

const openCVStereoFile = `%YAML:1.0
---
CMLeft: !!opencv-matrix
   rows: 3
   cols: 3
   dt: d
   data: [ 3.0e+02, 0., 1.61e+02, 0., 3.0e+02, 1.18e+02, 0., 0., 1. ]
DLeft: !!opencv-matrix
   rows: 1
   cols: 5
   dt: d
   data: [ -8.0e-02, 2.0e-02, 0., 0., 0. ]
CMRight: !!opencv-matrix
   rows: 3
   cols: 3
   dt: d
   data: [ 3.0e+02, 0., 1.58e+02, 0., 3.0e+02, 1.21e+02, 0., 0., 1. ]
DRight: !!opencv-matrix
   rows: 8
   cols: 1
   dt: d
   data: [ -6.0e-02, 1.0e-02, 0., 0., 0., 0., 0., 0. ]
R: !!opencv-matrix
   rows: 3
   cols: 3
   dt: d
   data: [ 1., 0., 0., 0., 1., 0., 0., 0., 1. ]
T: !!opencv-matrix
   rows: 3
   cols: 1
   dt: d
   data: [ -6.0e-02, 0., 0. ]
E: !!opencv-matrix
   rows: 3
   cols: 3
   dt: d
   data: [ 0., 0., 0., 0., 0., 6.0e-02, 0., -6.0e-02, 0. ]
F: !!opencv-matrix
   rows: 3
   cols: 3
   dt: d
   data: [ 0., 0., 0., 0., 0., 1., 0., -1., 1. ]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	test.That(t, os.WriteFile(path, []byte(content), 0o600), test.ShouldBeNil)
	return path
}

func testStereoCalibration() *Stereo {
	p := testutils.TestStereoParameters()
	e := transform.EssentialMatrix(p.R, p.T)
	f, _ := transform.FundamentalMatrix(p.Left, p.Right, e)
	return &Stereo{
		CMLeft: p.Left, DLeft: p.LeftDist,
		CMRight: p.Right, DRight: p.RightDist,
		R: p.R, T: p.T, E: e, F: f,
	}
}

func TestLoadOpenCVFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "stereo.yml", openCVStereoFile)
	s, err := LoadStereo(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.CMLeft, test.ShouldResemble, transform.CameraMatrix{Fx: 300, Fy: 300, Ppx: 161, Ppy: 118})
	test.That(t, s.DLeft[transform.K1], test.ShouldEqual, -0.08)
	test.That(t, s.DLeft[transform.K6], test.ShouldEqual, 0.)
	test.That(t, s.T, test.ShouldResemble, r3.Vector{X: -0.06})
	test.That(t, s.F.At(2, 2), test.ShouldEqual, 1.)
	test.That(t, s.String(), test.ShouldContainSubstring, "baseline")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	stereo := testStereoCalibration()
	for _, ext := range []string{"yml", "json"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(dir, "stereo."+ext)
			test.That(t, stereo.Save(path), test.ShouldBeNil)
			loaded, err := LoadStereo(path)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, loaded.CMLeft, test.ShouldResemble, stereo.CMLeft)
			test.That(t, loaded.DRight, test.ShouldResemble, stereo.DRight)
			test.That(t, mat.Equal(loaded.R, stereo.R), test.ShouldBeTrue)
			test.That(t, mat.Equal(loaded.E, stereo.E), test.ShouldBeTrue)
			test.That(t, loaded.T, test.ShouldResemble, stereo.T)

			mono := &Mono{CameraMatrix: stereo.CMLeft, DistCoeffs: stereo.DLeft}
			monoPath := filepath.Join(dir, "mono."+ext)
			test.That(t, mono.Save(monoPath), test.ShouldBeNil)
			loadedMono, err := LoadMono(monoPath)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, loadedMono, test.ShouldResemble, mono)
		})
	}

	data, err := os.ReadFile(filepath.Join(dir, "stereo.yml"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldStartWith, "%YAML:1.0\n---\n")
	test.That(t, string(data), test.ShouldContainSubstring, "!!opencv-matrix")

	test.That(t, stereo.Save(filepath.Join(dir, "stereo.txt")), test.ShouldNotBeNil)
}

func TestLoadFailures(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"garbage.yml":   "this: [is not",
		"missing.yml":   "%YAML:1.0\n---\ncameraMatrix: !!opencv-matrix\n   rows: 3\n   cols: 3\n   dt: d\n   data: [ 1, 0, 0, 0, 1, 0, 0, 0, 1 ]\n",
		"short.yml":     "%YAML:1.0\n---\ncameraMatrix: !!opencv-matrix\n   rows: 3\n   cols: 3\n   dt: d\n   data: [ 1, 0 ]\n",
		"negative.json": `{"cameraMatrix": {"rows": 3, "cols": 3, "data": [-1, 0, 0, 0, 1, 0, 0, 0, 1]}, "distCoeffs": {"rows": 5, "cols": 1, "data": [0, 0, 0, 0, 0]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadMono(writeFile(t, dir, name, content))
			test.That(t, err, test.ShouldNotBeNil)
		})
	}
	_, err := LoadMono(filepath.Join(dir, "nonexistent.yml"))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = LoadStereo(writeFile(t, dir, "nan.yml", regexp.MustCompile(`1\.0e-02`).ReplaceAllString(openCVStereoFile, ".nan")))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStereoStore(t *testing.T) {
	dir := t.TempDir()
	var store StereoStore
	test.That(t, store.Loaded(), test.ShouldBeFalse)
	_, err := store.Rectification(image.Point{320, 240})
	test.That(t, err, test.ShouldNotBeNil)

	good := filepath.Join(dir, "good.yml")
	test.That(t, testStereoCalibration().Save(good), test.ShouldBeNil)
	test.That(t, store.Load(good), test.ShouldBeNil)
	before := store.Stereo()

	// failed loads leave the calibration untouched
	test.That(t, store.Load(filepath.Join(dir, "nonexistent.yml")), test.ShouldNotBeNil)
	test.That(t, store.Load(writeFile(t, dir, "bad.yml", "%YAML:1.0\n---\nR: 1\n")), test.ShouldNotBeNil)
	after := store.Stereo()
	test.That(t, after.CMLeft, test.ShouldResemble, before.CMLeft)
	test.That(t, after.DRight, test.ShouldResemble, before.DRight)
	test.That(t, mat.Equal(after.R, before.R), test.ShouldBeTrue)
	test.That(t, after.T, test.ShouldResemble, before.T)

	// rectification is computed once per resolution
	r1, err := store.Rectification(image.Point{320, 240})
	test.That(t, err, test.ShouldBeNil)
	r2, err := store.Rectification(image.Point{320, 240})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r2, test.ShouldEqual, r1)
	test.That(t, store.Computations(), test.ShouldEqual, 1)
	test.That(t, r1.Left.Size(), test.ShouldResemble, image.Point{320, 240})
	test.That(t, r1.CommonROI.Empty(), test.ShouldBeFalse)

	r3, err := store.Rectification(image.Point{160, 120})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r3.Left.Size(), test.ShouldResemble, image.Point{160, 120})
	test.That(t, store.Computations(), test.ShouldEqual, 2)

	r4, err := store.Rectification(image.Point{320, 240})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r4.Left.Equal(r1.Left), test.ShouldBeTrue)
	test.That(t, store.Computations(), test.ShouldEqual, 3)

	// loading again invalidates the cache
	test.That(t, store.Load(good), test.ShouldBeNil)
	_, err = store.Rectification(image.Point{320, 240})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, store.Computations(), test.ShouldEqual, 4)
}

func TestMonoStore(t *testing.T) {
	var store MonoStore
	_, err := store.Undistortion(image.Point{320, 240})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, store.Mono(), test.ShouldBeNil)

	store.Set(&Mono{CameraMatrix: transform.CameraMatrix{Fx: 300, Fy: 300, Ppx: 160, Ppy: 120}})
	m1, err := store.Undistortion(image.Point{320, 240})
	test.That(t, err, test.ShouldBeNil)
	m2, err := store.Undistortion(image.Point{320, 240})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m2, test.ShouldEqual, m1)
	test.That(t, store.Computations(), test.ShouldEqual, 1)
}

// boardPose places the center of the board at (shift, 0, z) with the given rotation.
func boardPose(board testutils.Board, rvec r3.Vector, shift, z float64) transform.Pose {
	center := r3.Vector{X: float64(board.Cols-1) * board.Square / 2, Y: float64(board.Rows-1) * board.Square / 2}
	rot := transform.Rodrigues(rvec)
	rc := r3.Vector{
		X: rot.At(0, 0)*center.X + rot.At(0, 1)*center.Y,
		Y: rot.At(1, 0)*center.X + rot.At(1, 1)*center.Y,
		Z: rot.At(2, 0)*center.X + rot.At(2, 1)*center.Y,
	}
	return transform.Pose{Rvec: rvec, Tvec: r3.Vector{X: shift, Z: z}.Sub(rc)}
}

var (
	testBoard    = testutils.Board{Cols: 7, Rows: 5, Square: 0.025}
	testRotation = []r3.Vector{
		{X: 0.3}, {X: -0.3}, {Y: 0.35}, {Y: -0.35}, {X: 0.25, Y: 0.25}, {X: -0.2, Y: 0.3, Z: 0.1},
	}
)

func TestCalibrateMono(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	cam := testutils.Camera{
		K:    transform.CameraMatrix{Fx: 300, Fy: 300, Ppx: 161, Ppy: 118},
		D:    transform.Distortion{-0.08, 0.02},
		Size: image.Point{320, 240},
	}
	var paths []string
	for i, rvec := range testRotation {
		frame := testutils.RenderChessboard(cam, testBoard, boardPose(testBoard, rvec, 0, 0.5), 3)
		path := filepath.Join(dir, fmt.Sprintf("view%d.png", i))
		test.That(t, rimage.WriteFile(path, frame), test.ShouldBeNil)
		paths = append(paths, path)
	}
	blank := filepath.Join(dir, "blank.png")
	test.That(t, rimage.WriteFile(blank, rimage.NewFrame(320, 240, 1)), test.ShouldBeNil)

	opts := DefaultOptions(testBoard.Square, testBoard.Cols, testBoard.Rows)
	opts.DebugDir = filepath.Join(dir, "debug")
	res, err := CalibrateMono(context.Background(), logger, opts, append(paths, blank))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Used), test.ShouldEqual, len(paths))
	test.That(t, res.ImageSize, test.ShouldResemble, cam.Size)
	test.That(t, res.RMS, test.ShouldBeLessThan, 0.5)
	test.That(t, res.CameraMatrix.Fx, test.ShouldAlmostEqual, cam.K.Fx, 6)
	test.That(t, res.CameraMatrix.Fy, test.ShouldAlmostEqual, cam.K.Fy, 6)
	test.That(t, res.CameraMatrix.Ppx, test.ShouldAlmostEqual, cam.K.Ppx, 5)
	test.That(t, res.DistCoeffs[transform.K4], test.ShouldEqual, 0.)
	test.That(t, res.DistCoeffs[transform.K5], test.ShouldEqual, 0.)

	debug, err := os.ReadDir(opts.DebugDir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(debug), test.ShouldEqual, len(paths)+1)

	now := time.Date(2024, 3, 5, 14, 7, 9, 42*int(time.Millisecond), time.UTC)
	out, err := WriteTimestamped(dir, &res.Mono, now)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, filepath.Base(out), test.ShouldEqual, "calib-data-20240305-140709042.yml")
	loaded, err := LoadMono(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.CameraMatrix, test.ShouldResemble, res.CameraMatrix)
}

func TestCalibrateMonoWithoutBoards(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, fmt.Sprintf("blank%d.png", i))
		test.That(t, rimage.WriteFile(path, rimage.NewFrame(64, 48, 3)), test.ShouldBeNil)
		paths = append(paths, path)
	}
	paths = append(paths, filepath.Join(dir, "nonexistent.png"))

	res, err := CalibrateMono(context.Background(), logger, DefaultOptions(0.025, 7, 5), paths)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, res, test.ShouldBeNil)

	_, err = CalibrateMono(context.Background(), logger, DefaultOptions(0.025, 7, 5), nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = CalibrateMono(context.Background(), logger, DefaultOptions(0, 7, 5), paths)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCalibrateStereo(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	params := testutils.TestStereoParameters()
	size := image.Point{320, 240}

	var leftPaths, rightPaths []string
	for i, rvec := range testRotation {
		left, right := testutils.RenderStereoChessboard(params, size, testBoard, boardPose(testBoard, rvec, 0.03, 0.55), 1)
		lp := filepath.Join(dir, fmt.Sprintf("left%d.png", i))
		rp := filepath.Join(dir, fmt.Sprintf("right%d.png", i))
		test.That(t, rimage.WriteFile(lp, left), test.ShouldBeNil)
		test.That(t, rimage.WriteFile(rp, right), test.ShouldBeNil)
		leftPaths = append(leftPaths, lp)
		rightPaths = append(rightPaths, rp)
	}

	opts := DefaultOptions(testBoard.Square, testBoard.Cols, testBoard.Rows)
	res, err := CalibrateStereo(context.Background(), logger, opts, leftPaths, rightPaths)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Pairs, test.ShouldEqual, len(testRotation))
	test.That(t, res.RMS, test.ShouldBeLessThan, 0.5)
	test.That(t, res.EpipolarError, test.ShouldBeLessThan, 1)
	test.That(t, res.T.Norm(), test.ShouldAlmostEqual, params.T.Norm(), 0.005)
	test.That(t, res.T.X, test.ShouldBeLessThan, 0)
	test.That(t, res.CMLeft.Fx, test.ShouldEqual, res.CMRight.Fx)
	test.That(t, res.DLeft[transform.P1], test.ShouldEqual, 0.)
	test.That(t, res.DLeft[transform.K3], test.ShouldEqual, 0.)
	test.That(t, math.Abs(res.F.At(2, 2)-1), test.ShouldBeLessThan, 1e-9)

	out, err := WriteTimestamped(dir, &res.Stereo, time.Now())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, filepath.Base(out), test.ShouldStartWith, FilePrefix)
	_, err = LoadStereo(out)
	test.That(t, err, test.ShouldBeNil)

	_, err = CalibrateStereo(context.Background(), logger, opts, leftPaths, rightPaths[:1])
	test.That(t, err, test.ShouldNotBeNil)
}
