package chessboard

import (
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/rimage/transform"
	"go.viam.com/stereocam/testutils"
)

var (
	testCamera = testutils.Camera{
		K:    transform.CameraMatrix{Fx: 300, Fy: 300, Ppx: 159.5, Ppy: 119.5},
		D:    transform.Distortion{-0.05},
		Size: image.Point{320, 240},
	}
	testBoard = testutils.Board{Cols: 7, Rows: 5, Square: 0.025}
)

func projectedCorners(pose transform.Pose) []r2.Point {
	return transform.ProjectPoints(testBoard.Corners(), pose, testCamera.K, testCamera.D)
}

func TestFindChessboard(t *testing.T) {
	for _, tc := range []struct {
		name string
		pose transform.Pose
	}{
		{"frontal", transform.Pose{Rvec: r3.Vector{X: 0.1, Y: -0.1}, Tvec: r3.Vector{X: -0.075, Y: -0.05, Z: 0.45}}},
		{"tilted", transform.Pose{Rvec: r3.Vector{X: -0.3, Y: 0.25, Z: 0.1}, Tvec: r3.Vector{X: -0.07, Y: -0.05, Z: 0.5}}},
		{"quarter turn", transform.Pose{Rvec: r3.Vector{Z: math.Pi / 2}, Tvec: r3.Vector{X: 0.05, Y: -0.075, Z: 0.45}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			frame := testutils.RenderChessboard(testCamera, testBoard, tc.pose, 3)
			corners, found, err := FindChessboard(frame, image.Point{testBoard.Cols, testBoard.Rows}, DefaultDetectionConf)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, found, test.ShouldBeTrue)
			test.That(t, len(corners), test.ShouldEqual, testBoard.Cols*testBoard.Rows)

			truth := projectedCorners(tc.pose)
			for i := range truth {
				test.That(t, corners[i].Sub(truth[i]).Norm(), test.ShouldBeLessThan, 0.5)
			}
		})
	}
}

func TestFindChessboardMissing(t *testing.T) {
	blank := rimage.NewFrame(320, 240, 1)
	_, found, err := FindChessboard(blank, image.Point{7, 5}, DefaultDetectionConf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldBeFalse)

	pose := transform.Pose{Tvec: r3.Vector{X: -0.075, Y: -0.05, Z: 0.45}}
	frame := testutils.RenderChessboard(testCamera, testBoard, pose, 1)
	_, found, err = FindChessboard(frame, image.Point{8, 5}, DefaultDetectionConf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldBeFalse)

	_, _, err = FindChessboard(nil, image.Point{7, 5}, DefaultDetectionConf)
	test.That(t, err, test.ShouldNotBeNil)
	_, _, err = FindChessboard(frame, image.Point{1, 5}, DefaultDetectionConf)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSaddlePoints(t *testing.T) {
	pose := transform.Pose{Rvec: r3.Vector{X: 0.1}, Tvec: r3.Vector{X: -0.075, Y: -0.05, Z: 0.45}}
	frame := testutils.RenderChessboard(testCamera, testBoard, pose, 1)
	img := luminance(frame, DefaultSaddleConf.BlurSigma)
	saddleMap, saddles := GetSaddleMapPoints(img, &DefaultSaddleConf)
	h, w := saddleMap.Dims()
	test.That(t, h, test.ShouldEqual, 240)
	test.That(t, w, test.ShouldEqual, 320)
	test.That(t, mat.Min(saddleMap), test.ShouldEqual, 0.)
	test.That(t, len(saddles), test.ShouldBeGreaterThanOrEqualTo, testBoard.Cols*testBoard.Rows)

	for _, c := range projectedCorners(pose) {
		best := math.MaxFloat64
		for _, s := range saddles {
			best = math.Min(best, c.Sub(r2.Point{X: float64(s.X), Y: float64(s.Y)}).Norm())
		}
		test.That(t, best, test.ShouldBeLessThan, 2)
	}

	plot := PlotSaddleMap(saddles, image.Point{w, h})
	test.That(t, plot.Bounds().Dx(), test.ShouldEqual, w)
}

func TestNonMaxSuppression(t *testing.T) {
	m := mat.NewDense(20, 20, nil)
	for _, p := range []image.Point{{5, 5}, {12, 14}} {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				m.Set(p.Y+dy, p.X+dx, 10-float64(dx*dx+dy*dy))
			}
		}
	}
	// a plateau keeps a single point
	m.Set(2, 15, 4)
	m.Set(2, 16, 4)

	sup := NonMaxSuppression(m, 2, 1)
	test.That(t, sup.At(5, 5), test.ShouldEqual, 10.)
	test.That(t, sup.At(5, 6), test.ShouldEqual, 0.)
	test.That(t, sup.At(14, 12), test.ShouldEqual, 10.)
	test.That(t, sup.At(2, 15), test.ShouldEqual, 4.)
	test.That(t, sup.At(2, 16), test.ShouldEqual, 0.)

	high := NonMaxSuppression(m, 2, 5)
	test.That(t, high.At(2, 15), test.ShouldEqual, 0.)
}

func TestOrderGrid(t *testing.T) {
	// a 3x2 lattice, seen upside down
	var pts []r2.Point
	grid := map[image.Point]int{}
	for j := 0; j < 2; j++ {
		for i := 0; i < 3; i++ {
			grid[image.Point{i, j}] = len(pts)
			pts = append(pts, r2.Point{X: 100 - float64(i)*10, Y: 50 - float64(j)*10})
		}
	}
	corners, ok := orderGrid(pts, grid, 3, 2)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, corners[0], test.ShouldResemble, r2.Point{X: 80, Y: 40})
	test.That(t, corners[2], test.ShouldResemble, r2.Point{X: 100, Y: 40})
	test.That(t, corners[3], test.ShouldResemble, r2.Point{X: 80, Y: 50})

	_, ok = orderGrid(pts, grid, 2, 2)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestDrawChessboardCorners(t *testing.T) {
	pose := transform.Pose{Tvec: r3.Vector{X: -0.075, Y: -0.05, Z: 0.45}}
	frame := testutils.RenderChessboard(testCamera, testBoard, pose, 1)
	corners := projectedCorners(pose)

	drawn := DrawChessboardCorners(frame, image.Point{testBoard.Cols, testBoard.Rows}, corners, true)
	test.That(t, drawn.Channels, test.ShouldEqual, 3)
	test.That(t, drawn.Size(), test.ShouldResemble, frame.Size())
	test.That(t, frame.Channels, test.ShouldEqual, 1)

	missed := DrawChessboardCorners(frame, image.Point{testBoard.Cols, testBoard.Rows}, corners[:3], false)
	test.That(t, missed.Size(), test.ShouldResemble, frame.Size())
}
