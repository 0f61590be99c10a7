// Package depthmap turns the frames of a stereo pair into a disparity image and a colored point
// cloud on a background goroutine.
package depthmap

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/stereocam/calibration"
	"go.viam.com/stereocam/logging"
	"go.viam.com/stereocam/pointcloud"
	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/stereo"
	"go.viam.com/stereocam/utils"
)

// DefaultPollInterval is how often the sources are checked for new frames.
const DefaultPollInterval = 10 * time.Millisecond

// State is the lifecycle state of a Builder.
type State int

const (
	// Idle means no matching goroutine runs.
	Idle State = iota
	// Running means the matching goroutine is active.
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock paces the matching loop with c instead of the wall clock.
func WithClock(c clock.Clock) Option {
	return func(b *Builder) { b.clock = c }
}

// WithPollInterval sets how often the sources are checked for new frames.
func WithPollInterval(d time.Duration) Option {
	return func(b *Builder) { b.pollInterval = d }
}

// result is everything published by one matching iteration.
type result struct {
	disparity *stereo.Disparity
	visual    *rimage.Frame
	cloud     *pointcloud.Cloud
}

// Builder matches the latest left and right frames whenever either changes. Sources are polled;
// frames produced between two polls are never seen.
type Builder struct {
	logger       logging.Logger
	clock        clock.Clock
	pollInterval time.Duration

	// input side
	srcMu       sync.Mutex
	left, right rimage.FrameSource

	// output side and matcher configuration
	mu         sync.Mutex
	cfg        stereo.Config
	workers    utils.StoppableWorkers
	out        result
	iterations int

	calib    calibration.StereoStore
	snap     rimage.Snapshotter
	warnings rate.Sometimes

	// owned by the matching goroutine
	lastLeft, lastRight *rimage.Frame
}

// New returns an idle builder using the default matcher configuration.
func New(logger logging.Logger, opts ...Option) *Builder {
	b := &Builder{
		logger:       logger,
		clock:        clock.New(),
		pollInterval: DefaultPollInterval,
		cfg:          stereo.DefaultConfig(),
		warnings:     rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetLeftSource binds the left frame source.
func (b *Builder) SetLeftSource(src rimage.FrameSource) {
	b.srcMu.Lock()
	defer b.srcMu.Unlock()
	b.left = src
}

// SetRightSource binds the right frame source.
func (b *Builder) SetRightSource(src rimage.FrameSource) {
	b.srcMu.Lock()
	defer b.srcMu.Unlock()
	b.right = src
}

// StartProcessing moves the builder from Idle to Running. It has no effect when already running.
func (b *Builder) StartProcessing() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.workers != nil {
		return
	}
	b.workers = utils.NewStoppableWorkers(b.run)
	b.logger.Debug("depth map processing started")
}

// StopProcessing returns the builder to Idle once the matching goroutine has exited.
func (b *Builder) StopProcessing() {
	b.mu.Lock()
	workers := b.workers
	b.workers = nil
	b.mu.Unlock()
	if workers != nil {
		workers.Stop()
		b.logger.Debug("depth map processing stopped")
	}
}

// Close stops processing.
func (b *Builder) Close() error {
	b.StopProcessing()
	return nil
}

// State reports whether the matching goroutine runs.
func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.workers != nil {
		return Running
	}
	return Idle
}

// Iterations returns how many frame pairs were matched.
func (b *Builder) Iterations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.iterations
}

// GetFrame returns the latest 8-bit disparity visualization, or nil.
func (b *Builder) GetFrame() *rimage.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out.visual
}

// GetColorFrame returns the latest disparity rendered with a hue ramp, or nil.
func (b *Builder) GetColorFrame() *rimage.Frame {
	b.mu.Lock()
	d, cfg := b.out.disparity, b.cfg
	b.mu.Unlock()
	if d == nil {
		return nil
	}
	f, err := stereo.Colorize(d.Crop(visibleRect(d, cfg)), cfg.NumDisparities)
	if err != nil {
		return nil
	}
	return f
}

// Disparity returns the latest raw disparity map, or nil. It must not be modified.
func (b *Builder) Disparity() *stereo.Disparity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out.disparity
}

// GetPoints returns copies of the latest point positions and colors.
func (b *Builder) GetPoints() ([]pointcloud.Point, []pointcloud.Color) {
	b.mu.Lock()
	cloud := b.out.cloud
	b.mu.Unlock()
	return cloud.Points(), cloud.Colors()
}

// Cloud returns the latest point cloud, or nil. It must not be modified.
func (b *Builder) Cloud() *pointcloud.Cloud {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out.cloud
}

// SavePointCloud writes the latest point cloud to path (.pcd or .las).
func (b *Builder) SavePointCloud(path string) error {
	cloud := b.Cloud()
	if cloud == nil {
		return errors.New("no point cloud produced yet")
	}
	return pointcloud.WriteToFile(cloud, path)
}

// SaveDepthMap writes the latest visualization to path right away.
func (b *Builder) SaveDepthMap(path string) error {
	f := b.GetFrame()
	if f == nil {
		return errors.New("no depth map produced yet")
	}
	return rimage.WriteFile(path, f)
}

// TakeSnapshot arms a write of the next visualization to path.
func (b *Builder) TakeSnapshot(path string) bool {
	return b.snap.Arm(path)
}

// CanTakeSnapshot reports whether no snapshot is pending.
func (b *Builder) CanTakeSnapshot() bool {
	return !b.snap.Pending()
}

// LoadCalibrationParams loads a stereo calibration and enables rectification. On failure the
// calibration in use is unchanged.
func (b *Builder) LoadCalibrationParams(path string) error {
	if err := b.calib.Load(path); err != nil {
		b.logger.Warnw("cannot load stereo calibration", "path", path, "error", err)
		return err
	}
	b.logger.Infow("stereo calibration loaded", "path", path)
	return nil
}

// SetCalibration enables rectification with an in-memory calibration.
func (b *Builder) SetCalibration(s *calibration.Stereo) {
	b.calib.Set(s)
}

// Calibrated reports whether a stereo calibration is loaded.
func (b *Builder) Calibrated() bool {
	return b.calib.Loaded()
}

// LeftMapping returns the left rectification table for frames of the given size and the region
// valid in both views.
func (b *Builder) LeftMapping(size image.Point) (*rimage.RemapTable, image.Rectangle, error) {
	r, err := b.calib.Rectification(size)
	if err != nil {
		return nil, image.Rectangle{}, err
	}
	return r.Left, r.CommonROI, nil
}

// RightMapping is LeftMapping for the right camera.
func (b *Builder) RightMapping(size image.Point) (*rimage.RemapTable, image.Rectangle, error) {
	r, err := b.calib.Rectification(size)
	if err != nil {
		return nil, image.Rectangle{}, err
	}
	return r.Right, r.CommonROI, nil
}

// Config returns the matcher configuration in use.
func (b *Builder) Config() stereo.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// SetConfig validates and replaces the matcher configuration. It takes effect on the next
// iteration.
func (b *Builder) SetConfig(cfg stereo.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	return nil
}

// UpdateConfig applies a partial update keyed by the JSON field names of stereo.Config.
func (b *Builder) UpdateConfig(patch map[string]interface{}) (stereo.Config, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg, err := b.cfg.Apply(patch)
	if err != nil {
		return b.cfg, err
	}
	b.cfg = cfg
	return cfg, nil
}

func (b *Builder) run(ctx context.Context) {
	ticker := b.clock.Ticker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := b.processOnce(ctx); err != nil && ctx.Err() == nil {
			b.warnings.Do(func() {
				b.logger.Warnw("cannot build depth map", "error", err)
			})
		}
	}
}

func (b *Builder) frames() (*rimage.Frame, *rimage.Frame) {
	b.srcMu.Lock()
	defer b.srcMu.Unlock()
	if b.left == nil || b.right == nil {
		return nil, nil
	}
	return b.left.GetFrame(), b.right.GetFrame()
}

// processOnce matches the current frame pair unless either is missing or both are unchanged since
// the previous call.
func (b *Builder) processOnce(ctx context.Context) error {
	left, right := b.frames()
	if left == nil || right == nil || left.Empty() || right.Empty() {
		return nil
	}
	if left == b.lastLeft && right == b.lastRight {
		return nil
	}
	b.lastLeft, b.lastRight = left, right

	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()

	res, err := b.build(ctx, left, right, cfg)
	if err != nil {
		return err
	}

	if path, err := b.snap.Consume(res.visual); err != nil {
		b.logger.Warnw("cannot write depth map snapshot", "path", path, "error", err)
	} else if path != "" {
		b.logger.Infow("depth map snapshot written", "path", path)
	}

	b.mu.Lock()
	b.out = res
	b.iterations++
	b.mu.Unlock()
	return nil
}

func (b *Builder) build(ctx context.Context, left, right *rimage.Frame, cfg stereo.Config) (result, error) {
	if left.Size() != right.Size() {
		return result{}, errors.Errorf("left frame is %v but right frame is %v", left.Size(), right.Size())
	}
	color := rimage.ToRGB(left)
	grayLeft, grayRight := rimage.ToGray(left), rimage.ToGray(right)

	var q mat.Matrix
	if b.calib.Loaded() {
		rect, err := b.calib.Rectification(left.Size())
		if err != nil {
			return result{}, err
		}
		if rect.CommonROI.Empty() {
			return result{}, errors.New("rectified views do not overlap")
		}
		if grayLeft, err = rectify(grayLeft, rect.Left, rect.CommonROI); err != nil {
			return result{}, err
		}
		if grayRight, err = rectify(grayRight, rect.Right, rect.CommonROI); err != nil {
			return result{}, err
		}
		if color, err = rectify(color, rect.Left, rect.CommonROI); err != nil {
			return result{}, err
		}
		q = shiftedQ(rect.Q, rect.CommonROI.Min)
	}

	disp, err := stereo.Compute(ctx, grayLeft, grayRight, cfg)
	if err != nil {
		return result{}, err
	}

	cloud := pointcloud.New(0)
	if q != nil {
		if cloud, err = stereo.Reproject(disp, q, color, stereo.ValidRect(disp.Size(), cfg)); err != nil {
			return result{}, err
		}
	}

	visual, err := stereo.Visualize(disp.Crop(visibleRect(disp, cfg)), cfg.NumDisparities)
	if err != nil {
		return result{}, err
	}
	visual.Time, visual.Seq = left.Time, left.Seq
	return result{disparity: disp, visual: visual, cloud: cloud}, nil
}

// visibleRect is the part of the disparity shown to users: the matcher's valid region, or the
// whole map when that region is empty.
func visibleRect(d *stereo.Disparity, cfg stereo.Config) image.Rectangle {
	r := stereo.ValidRect(d.Size(), cfg)
	if r.Empty() {
		return d.Bounds()
	}
	return r
}

func rectify(f *rimage.Frame, table *rimage.RemapTable, roi image.Rectangle) (*rimage.Frame, error) {
	out, err := rimage.Remap(f, table)
	if err != nil {
		return nil, err
	}
	return rimage.Crop(out, roi), nil
}

// shiftedQ returns q for disparity maps whose pixel (0, 0) lies at offset of the rectified image.
func shiftedQ(q mat.Matrix, offset image.Point) *mat.Dense {
	shift := mat.NewDense(4, 4, []float64{
		1, 0, 0, float64(offset.X),
		0, 1, 0, float64(offset.Y),
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	var out mat.Dense
	out.Mul(q, shift)
	return &out
}
