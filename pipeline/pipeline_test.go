package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/stereocam/capture"
	"go.viam.com/stereocam/capture/fake"
	"go.viam.com/stereocam/config"
	"go.viam.com/stereocam/logging"
)

func fakeDevices() capture.Device {
	return &fake.Device{Interval: 10 * time.Millisecond}
}

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.FromReader("", strings.NewReader(`{
		"fake": true,
		"left": {"id": 0, "width": 64, "height": 48,
			"processor": {"scale_factor": 0.5, "channel": -1, "gray": true}},
		"right": {"id": 1, "pixel_format": "YUYV", "width": 64, "height": 48},
		"depth": {"matcher": {"num_disparities": 16, "block_size": 3, "p1": 8, "p2": 32,
			"pre_filter_cap": 63, "uniqueness_ratio": 10, "mode": "sgbm"}`+extra+`}
	}`))
	test.That(t, err, test.ShouldBeNil)
	return cfg
}

func TestPipelineRuns(t *testing.T) {
	logger := logging.NewTestLogger(t)
	p, err := New(logger, testConfig(t, ""), fakeDevices)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, p.Close(), test.ShouldBeNil)
	}()

	test.That(t, p.Start(context.Background()), test.ShouldBeNil)
	test.That(t, p.Start(context.Background()), test.ShouldNotBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		for _, src := range p.Sources() {
			test.That(tb, src.GetFrame(), test.ShouldNotBeNil)
		}
	})
	processed := p.Left.Processor.GetFrame()
	test.That(t, processed.Width, test.ShouldEqual, 32)
	test.That(t, processed.Channels, test.ShouldEqual, 1)
	test.That(t, p.Right.Processor.GetFrame().Channels, test.ShouldEqual, 3)
	test.That(t, p.Errors(), test.ShouldBeNil)

	dir := t.TempDir()
	paths, err := p.Snapshot(dir, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	test.That(t, err, test.ShouldBeNil)
	// uncalibrated, so no point cloud
	test.That(t, paths, test.ShouldHaveLength, 5)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		for _, path := range paths {
			_, err := os.Stat(path)
			test.That(tb, err, test.ShouldBeNil)
		}
	})
	test.That(t, filepath.Dir(paths[0]), test.ShouldEqual, dir)

	// restartable
	test.That(t, p.Stop(), test.ShouldBeNil)
	test.That(t, p.Left.Capture.Running(), test.ShouldBeFalse)
	test.That(t, p.Start(context.Background()), test.ShouldBeNil)
	test.That(t, p.Right.Capture.Running(), test.ShouldBeTrue)
}

func TestPipelineStartFailure(t *testing.T) {
	logger := logging.NewTestLogger(t)
	openErr := errors.New("no such device")
	var calls atomic.Int32
	p, err := New(logger, testConfig(t, ""), func() capture.Device {
		if calls.Inc()%2 == 0 {
			return &fake.Device{OpenErr: openErr}
		}
		return fakeDevices()
	})
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, p.Close(), test.ShouldBeNil)
	}()

	err = p.Start(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, openErr), test.ShouldBeTrue)
	test.That(t, p.Left.Capture.Running(), test.ShouldBeFalse)
	test.That(t, p.Right.Capture.Running(), test.ShouldBeFalse)
}

func TestPipelineMatcherFile(t *testing.T) {
	dir := t.TempDir()
	matcherFile := filepath.Join(dir, "matcher.json")
	test.That(t, os.WriteFile(matcherFile, []byte(`{"num_disparities": 32, "block_size": 5}`), 0o600), test.ShouldBeNil)

	cfg := testConfig(t, `, "matcher_file": "`+matcherFile+`"`)
	p, err := New(logging.NewTestLogger(t), cfg, fakeDevices)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Depth.Config().NumDisparities, test.ShouldEqual, 16)

	test.That(t, p.Start(context.Background()), test.ShouldBeNil)
	test.That(t, p.Depth.Config().NumDisparities, test.ShouldEqual, 32)
	test.That(t, p.Depth.Config().BlockSize, test.ShouldEqual, 5)

	test.That(t, os.WriteFile(matcherFile, []byte(`{"num_disparities": 48}`), 0o600), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, p.Depth.Config().NumDisparities, test.ShouldEqual, 48)
	})
	test.That(t, p.Close(), test.ShouldBeNil)
}

func TestPipelineMissingCalibration(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Depth.Calibration = filepath.Join(t.TempDir(), "missing.yml")
	_, err := New(logging.NewTestLogger(t), cfg, fakeDevices)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "stereo calibration")
}
