package depthmap

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/stereocam/calibration"
	"go.viam.com/stereocam/logging"
	"go.viam.com/stereocam/pointcloud"
	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/rimage/transform"
	"go.viam.com/stereocam/stereo"
	stereotest "go.viam.com/stereocam/testutils"
)

func texture(x, y int) byte {
	h := uint32(x/2)*2654435761 ^ uint32(y/2)*2246822519
	h ^= h >> 15
	h *= 0x2c1b3c6d
	h ^= h >> 12
	return byte(30 + h%200)
}

// shiftedPair renders a color left frame and a gray right frame seeing it disp pixels to the left.
func shiftedPair(width, height, disp int) (*rimage.Frame, *rimage.Frame) {
	left := rimage.NewFrame(width, height, 3)
	right := rimage.NewFrame(width, height, 1)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := texture(x, y)
			left.Set(x, y, 0, v)
			left.Set(x, y, 1, v)
			left.Set(x, y, 2, v)
			right.Set(x, y, 0, texture(x+disp, y))
		}
	}
	return left, right
}

func smallConfig() stereo.Config {
	cfg := stereo.DefaultConfig()
	cfg.NumDisparities = 32
	return cfg
}

func TestStateMachine(t *testing.T) {
	b := New(logging.NewTestLogger(t))
	test.That(t, b.State(), test.ShouldEqual, Idle)
	test.That(t, b.State().String(), test.ShouldEqual, "idle")
	b.StartProcessing()
	b.StartProcessing()
	test.That(t, b.State(), test.ShouldEqual, Running)
	test.That(t, b.State().String(), test.ShouldEqual, "running")
	b.StopProcessing()
	test.That(t, b.State(), test.ShouldEqual, Idle)
	b.StopProcessing()
	test.That(t, b.Close(), test.ShouldBeNil)
}

func TestProcessOnceWithoutFrames(t *testing.T) {
	ctx := context.Background()
	b := New(logging.NewTestLogger(t))
	test.That(t, b.processOnce(ctx), test.ShouldBeNil)

	left, _ := shiftedPair(64, 32, 4)
	b.SetLeftSource(rimage.StaticSource{Frame: left})
	test.That(t, b.processOnce(ctx), test.ShouldBeNil)
	b.SetRightSource(rimage.StaticSource{})
	test.That(t, b.processOnce(ctx), test.ShouldBeNil)

	test.That(t, b.Iterations(), test.ShouldEqual, 0)
	test.That(t, b.GetFrame(), test.ShouldBeNil)
	test.That(t, b.GetColorFrame(), test.ShouldBeNil)
	pts, colors := b.GetPoints()
	test.That(t, pts, test.ShouldBeEmpty)
	test.That(t, colors, test.ShouldBeEmpty)
	test.That(t, b.SavePointCloud(filepath.Join(t.TempDir(), "x.pcd")), test.ShouldNotBeNil)
	test.That(t, b.SaveDepthMap(filepath.Join(t.TempDir(), "x.png")), test.ShouldNotBeNil)
}

func TestSizeMismatch(t *testing.T) {
	b := New(logging.NewTestLogger(t))
	left, _ := shiftedPair(64, 32, 4)
	b.SetLeftSource(rimage.StaticSource{Frame: left})
	b.SetRightSource(rimage.StaticSource{Frame: rimage.NewFrame(32, 32, 1)})
	test.That(t, b.processOnce(context.Background()), test.ShouldNotBeNil)
	test.That(t, b.GetFrame(), test.ShouldBeNil)
}

func TestUncalibratedMatching(t *testing.T) {
	ctx := context.Background()
	b := New(logging.NewTestLogger(t))
	test.That(t, b.SetConfig(smallConfig()), test.ShouldBeNil)
	left, right := shiftedPair(160, 100, 12)
	b.SetLeftSource(rimage.StaticSource{Frame: left})
	b.SetRightSource(rimage.StaticSource{Frame: right})

	snap := filepath.Join(t.TempDir(), "depth.png")
	test.That(t, b.TakeSnapshot(snap), test.ShouldBeTrue)
	test.That(t, b.processOnce(ctx), test.ShouldBeNil)
	test.That(t, b.Iterations(), test.ShouldEqual, 1)
	test.That(t, b.CanTakeSnapshot(), test.ShouldBeTrue)
	_, err := os.Stat(snap)
	test.That(t, err, test.ShouldBeNil)

	// unchanged frames are not matched again
	test.That(t, b.processOnce(ctx), test.ShouldBeNil)
	test.That(t, b.Iterations(), test.ShouldEqual, 1)

	vis := b.GetFrame()
	test.That(t, vis, test.ShouldNotBeNil)
	test.That(t, vis.Channels, test.ShouldEqual, 1)
	test.That(t, vis.Size(), test.ShouldResemble, image.Pt(127, 98))
	// 12 px of 32 maps to about 192*255/512
	matching := 0
	for _, v := range vis.Pix {
		if v >= 92 && v <= 100 {
			matching++
		}
	}
	test.That(t, float64(matching)/float64(len(vis.Pix)), test.ShouldBeGreaterThan, 0.8)

	colored := b.GetColorFrame()
	test.That(t, colored.Channels, test.ShouldEqual, 3)
	test.That(t, colored.Size(), test.ShouldResemble, vis.Size())

	test.That(t, b.Disparity().Size(), test.ShouldResemble, image.Pt(160, 100))
	// without a calibration there is no geometry to reproject with
	test.That(t, b.Cloud().Size(), test.ShouldEqual, 0)

	test.That(t, b.SaveDepthMap(filepath.Join(t.TempDir(), "now.png")), test.ShouldBeNil)
}

func TestConfigUpdates(t *testing.T) {
	b := New(logging.NewTestLogger(t))
	test.That(t, b.Config(), test.ShouldResemble, stereo.DefaultConfig())

	bad := stereo.DefaultConfig()
	bad.NumDisparities = 17
	test.That(t, b.SetConfig(bad), test.ShouldNotBeNil)
	test.That(t, b.Config(), test.ShouldResemble, stereo.DefaultConfig())

	cfg, err := b.UpdateConfig(map[string]interface{}{"num_disparities": 64, "mode": "sgbm"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.NumDisparities, test.ShouldEqual, 64)
	test.That(t, cfg.Mode, test.ShouldEqual, stereo.ModeSGBM)
	test.That(t, b.Config(), test.ShouldResemble, cfg)

	_, err = b.UpdateConfig(map[string]interface{}{"block_size": 4})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, b.Config(), test.ShouldResemble, cfg)
}

// millimeterCalibration returns the calibration of the test rig with the baseline in millimeters
// so reprojected points clear the near field filter.
func millimeterCalibration(t *testing.T) *calibration.Stereo {
	t.Helper()
	p := stereotest.TestStereoParameters()
	tvec := p.T.Mul(1000)
	e := transform.EssentialMatrix(p.R, tvec)
	f, err := transform.FundamentalMatrix(p.Left, p.Right, e)
	test.That(t, err, test.ShouldBeNil)
	return &calibration.Stereo{
		CMLeft:  p.Left,
		DLeft:   p.LeftDist,
		CMRight: p.Right,
		DRight:  p.RightDist,
		R:       p.R,
		T:       tvec,
		E:       e,
		F:       f,
	}
}

func TestCalibratedPointCloud(t *testing.T) {
	size := image.Pt(320, 240)
	b := New(logging.NewTestLogger(t))
	test.That(t, b.Calibrated(), test.ShouldBeFalse)
	_, _, err := b.LeftMapping(size)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, b.LoadCalibrationParams(filepath.Join(t.TempDir(), "missing.yml")), test.ShouldNotBeNil)
	test.That(t, b.Calibrated(), test.ShouldBeFalse)

	calibPath := filepath.Join(t.TempDir(), "stereo.yml")
	test.That(t, millimeterCalibration(t).Save(calibPath), test.ShouldBeNil)
	test.That(t, b.LoadCalibrationParams(calibPath), test.ShouldBeNil)
	test.That(t, b.Calibrated(), test.ShouldBeTrue)

	leftMap, roi, err := b.LeftMapping(size)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, leftMap.Size(), test.ShouldResemble, size)
	test.That(t, roi.Empty(), test.ShouldBeFalse)
	rightMap, roi2, err := b.RightMapping(size)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rightMap.Size(), test.ShouldResemble, size)
	test.That(t, roi2, test.ShouldResemble, roi)

	cfg := stereo.DefaultConfig()
	cfg.NumDisparities, cfg.BlockSize = 48, 5
	cfg.P1, cfg.P2 = 8*25, 32*25
	test.That(t, b.SetConfig(cfg), test.ShouldBeNil)

	const depth = 0.6
	left, right := stereotest.RenderStereoPlane(stereotest.TestStereoParameters(), size, depth, 3)
	b.SetLeftSource(rimage.StaticSource{Frame: left})
	b.SetRightSource(rimage.StaticSource{Frame: right})
	test.That(t, b.processOnce(context.Background()), test.ShouldBeNil)

	disp := b.Disparity()
	test.That(t, disp.Size(), test.ShouldResemble, roi.Size())
	nonZero := 0
	valid := stereo.ValidRect(disp.Size(), cfg)
	for y := valid.Min.Y; y < valid.Max.Y; y++ {
		for x := valid.Min.X; x < valid.Max.X; x++ {
			if disp.At(x, y) != 0 {
				nonZero++
			}
		}
	}

	pts, colors := b.GetPoints()
	test.That(t, len(pts), test.ShouldEqual, len(colors))
	test.That(t, len(pts), test.ShouldBeGreaterThan, valid.Dx()*valid.Dy()/2)
	test.That(t, len(pts), test.ShouldBeLessThanOrEqualTo, nonZero)

	var zs []float64
	for _, p := range pts {
		if p.Z > 0 {
			zs = append(zs, float64(p.Z))
		}
	}
	sort.Float64s(zs)
	test.That(t, zs[len(zs)/2], test.ShouldAlmostEqual, depth*1000, depth*1000*0.05)

	// returned slices are copies
	pts[0] = pointcloud.Point{}
	again, _ := b.GetPoints()
	test.That(t, again[0], test.ShouldNotResemble, pointcloud.Point{})

	pcd := filepath.Join(t.TempDir(), "cloud.pcd")
	test.That(t, b.SavePointCloud(pcd), test.ShouldBeNil)
	f, err := os.Open(pcd)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	read, err := pointcloud.ReadPCD(f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, read.Size(), test.ShouldEqual, len(pts))
}

func TestMatchingLoop(t *testing.T) {
	mock := clock.NewMock()
	b := New(logging.NewTestLogger(t), WithClock(mock), WithPollInterval(time.Second))
	test.That(t, b.SetConfig(smallConfig()), test.ShouldBeNil)
	left, right := shiftedPair(96, 48, 6)
	b.SetLeftSource(rimage.StaticSource{Frame: left})
	b.SetRightSource(rimage.StaticSource{Frame: right})

	b.StartProcessing()
	defer b.StopProcessing()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		mock.Add(time.Second)
		test.That(tb, b.Iterations(), test.ShouldEqual, 1)
	})

	// a new right frame triggers another match
	_, right2 := shiftedPair(96, 48, 8)
	b.SetRightSource(rimage.FrameSourceFunc(func() *rimage.Frame { return right2 }))
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		mock.Add(time.Second)
		test.That(tb, b.Iterations(), test.ShouldEqual, 2)
	})
	b.StopProcessing()
	test.That(t, b.State(), test.ShouldEqual, Idle)
}
