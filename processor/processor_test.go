package processor

import (
	"fmt"
	"image"
	"path/filepath"
	"testing"

	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/stereocam/calibration"
	"go.viam.com/stereocam/logging"
	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/rimage/transform"
)

// pattern fills channel c of pixel (x, y) with a value unique to c.
func pattern(width, height, channels int) *rimage.Frame {
	f := rimage.NewFrame(width, height, channels)
	for y := 0; y < height; y++ {
		row := f.Row(y)
		for x := 0; x < width; x++ {
			for c := 0; c < channels; c++ {
				row[x*channels+c] = byte((x + 3*y + 85*c) % 256)
			}
		}
	}
	return f
}

func TestSettingsValidate(t *testing.T) {
	test.That(t, DefaultSettings().Validate(), test.ShouldBeNil)
	for _, s := range []Settings{
		{ScaleFactor: 0, Channel: AllChannels},
		{ScaleFactor: -1, Channel: AllChannels},
		{ScaleFactor: 1, Channel: 3},
		{ScaleFactor: 1, Channel: -2},
	} {
		test.That(t, s.Validate(), test.ShouldNotBeNil)
	}

	p := New(logging.NewTestLogger(t))
	test.That(t, p.SetScaleFactor(0), test.ShouldNotBeNil)
	test.That(t, p.SetChannel(5), test.ShouldNotBeNil)
	test.That(t, p.Settings(), test.ShouldResemble, DefaultSettings())
	test.That(t, p.SetScaleFactor(0.5), test.ShouldBeNil)
	p.SetGray(true)
	p.SetUndistort(true)
	test.That(t, p.UndistortApplied(), test.ShouldBeTrue)
	test.That(t, p.Settings(), test.ShouldResemble, Settings{ScaleFactor: 0.5, Channel: AllChannels, Gray: true, Undistort: true})
}

func TestChannelSelection(t *testing.T) {
	in := pattern(640, 480, 3)
	p := New(logging.NewTestLogger(t))
	test.That(t, p.GetFrame(), test.ShouldBeNil)
	test.That(t, p.SetChannel(0), test.ShouldBeNil)

	p.SetFrame(in)
	p.processOnce()
	out := p.GetFrame()
	test.That(t, out, test.ShouldNotBeNil)
	test.That(t, out.Channels, test.ShouldEqual, 1)
	test.That(t, out.Size(), test.ShouldResemble, image.Point{640, 480})
	for y := 0; y < 480; y += 37 {
		for x := 0; x < 640; x += 41 {
			test.That(t, out.At(x, y, 0), test.ShouldEqual, in.At(x, y, 0))
		}
	}
	// input is never modified
	test.That(t, in.Channels, test.ShouldEqual, 3)
}

func TestOutputChannels(t *testing.T) {
	for _, tc := range []struct {
		in       int
		settings Settings
		want     int
	}{
		{3, DefaultSettings(), 3},
		{1, DefaultSettings(), 1},
		{3, Settings{ScaleFactor: 1, Channel: AllChannels, Gray: true}, 1},
		{1, Settings{ScaleFactor: 1, Channel: AllChannels, Gray: true}, 1},
		{3, Settings{ScaleFactor: 1, Channel: 2}, 1},
		{1, Settings{ScaleFactor: 1, Channel: 2}, 1},
		{3, Settings{ScaleFactor: 0.5, Channel: 1, Overlay: true}, 1},
		{3, Settings{ScaleFactor: 2, Channel: AllChannels, Overlay: true}, 3},
	} {
		for _, size := range []image.Point{{1, 1}, {17, 9}, {64, 48}} {
			t.Run(fmt.Sprintf("%d-%+v-%v", tc.in, tc.settings, size), func(t *testing.T) {
				p := New(logging.NewTestLogger(t))
				test.That(t, p.SetSettings(tc.settings), test.ShouldBeNil)
				p.SetFrame(pattern(size.X, size.Y, tc.in))
				p.processOnce()
				out := p.GetFrame()
				test.That(t, out, test.ShouldNotBeNil)
				test.That(t, out.Channels, test.ShouldEqual, tc.want)
			})
		}
	}
}

func TestScaleAndOverlay(t *testing.T) {
	p := New(logging.NewTestLogger(t))
	test.That(t, p.SetSettings(Settings{ScaleFactor: 0.5, Channel: AllChannels, Gray: true, Overlay: true}), test.ShouldBeNil)
	p.SetFrame(rimage.NewFrame(200, 100, 3))
	p.processOnce()
	out := p.GetFrame()
	test.That(t, out.Size(), test.ShouldResemble, image.Point{100, 50})
	// white guide on black
	test.That(t, out.At(50, 10, 0), test.ShouldEqual, byte(255))
	test.That(t, out.At(10, 25, 0), test.ShouldEqual, byte(255))
	test.That(t, out.At(15, 10, 0), test.ShouldEqual, byte(0))
}

func TestProcessOnceWithoutInput(t *testing.T) {
	p := New(logging.NewTestLogger(t))
	p.processOnce()
	test.That(t, p.GetFrame(), test.ShouldBeNil)
	test.That(t, p.Iterations(), test.ShouldEqual, 0)

	p.SetFrame(pattern(4, 4, 3))
	p.SetFrame(pattern(8, 8, 3))
	test.That(t, p.Dropped(), test.ShouldEqual, uint64(1))
	p.processOnce()
	p.processOnce()
	test.That(t, p.Iterations(), test.ShouldEqual, 1)
	test.That(t, p.GetFrame().Width, test.ShouldEqual, 8)
}

func TestUndistortMappings(t *testing.T) {
	in := pattern(20, 10, 3)
	table := rimage.NewRemapTable(20, 10)
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			// shift left by one pixel
			table.X[y*20+x] = float32(x + 1)
			table.Y[y*20+x] = float32(y)
		}
	}

	p := New(logging.NewTestLogger(t))
	p.SetUndistort(true)
	p.SetUndistortMappings(table, image.Rect(0, 0, 19, 10))
	p.SetFrame(in)
	p.processOnce()
	out := p.GetFrame()
	test.That(t, out.Size(), test.ShouldResemble, image.Point{19, 10})
	test.That(t, out.At(0, 3, 1), test.ShouldEqual, in.At(1, 3, 1))

	// a table for another size is an error and nothing is published
	p2 := New(logging.NewTestLogger(t))
	p2.SetUndistort(true)
	p2.SetUndistortMappings(table, image.Rectangle{})
	p2.SetFrame(pattern(10, 10, 3))
	p2.processOnce()
	test.That(t, p2.GetFrame(), test.ShouldBeNil)
}

func TestCalibrationUndistort(t *testing.T) {
	logger := logging.NewTestLogger(t)
	p := New(logger)
	p.SetUndistort(true)

	// without calibration frames pass through
	in := pattern(32, 24, 3)
	p.SetFrame(in)
	p.processOnce()
	test.That(t, p.GetFrame(), test.ShouldEqual, in)

	dir := t.TempDir()
	test.That(t, p.LoadCalibrationParams(filepath.Join(dir, "missing.yml")), test.ShouldNotBeNil)

	// zero distortion and a centered camera leave the interior untouched
	mono := &calibration.Mono{
		CameraMatrix: transform.CameraMatrix{Fx: 30, Fy: 30, Ppx: 16, Ppy: 12},
	}
	path := filepath.Join(dir, "mono.yml")
	test.That(t, mono.Save(path), test.ShouldBeNil)
	test.That(t, p.LoadCalibrationParams(path), test.ShouldBeNil)

	p.SetFrame(in)
	p.processOnce()
	out := p.GetFrame()
	test.That(t, out, test.ShouldNotEqual, in)
	test.That(t, out.Size(), test.ShouldResemble, in.Size())
	test.That(t, out.At(10, 10, 2), test.ShouldEqual, in.At(10, 10, 2))
}

func TestProcessingLoop(t *testing.T) {
	p := New(logging.NewTestLogger(t))
	p.StartProcessing()
	p.StartProcessing()
	defer p.StopProcessing()

	snap := filepath.Join(t.TempDir(), "processed.png")
	test.That(t, p.TakeSnapshot(snap), test.ShouldBeTrue)
	test.That(t, p.SetChannel(1), test.ShouldBeNil)
	p.SetFrame(pattern(16, 16, 3))
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		f := p.GetFrame()
		test.That(tb, f, test.ShouldNotBeNil)
		if f == nil {
			return
		}
		test.That(tb, f.Channels, test.ShouldEqual, 1)
		test.That(tb, p.CanTakeSnapshot(), test.ShouldBeTrue)
	})
	written, err := rimage.ReadFile(snap)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, written.Size(), test.ShouldResemble, image.Point{16, 16})

	p.StopProcessing()
	before := p.Iterations()
	p.SetFrame(pattern(16, 16, 3))
	test.That(t, p.Iterations(), test.ShouldEqual, before)
	test.That(t, p.Close(), test.ShouldBeNil)
}
