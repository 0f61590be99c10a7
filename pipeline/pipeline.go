// Package pipeline assembles a running stereo camera from a config: a capture worker and a
// processor per camera, and a depth map builder matching the two raw streams.
package pipeline

import (
	"context"
	"image"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/stereocam/capture"
	"go.viam.com/stereocam/config"
	"go.viam.com/stereocam/depthmap"
	"go.viam.com/stereocam/logging"
	"go.viam.com/stereocam/processor"
	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/utils"
)

// Stage is one camera: raw frames from Capture feed Processor.
type Stage struct {
	Name      string
	Camera    config.Camera
	Capture   *capture.Worker
	Processor *processor.Processor

	unregister func()
}

// Pipeline is a stereo camera assembled from a config.
type Pipeline struct {
	logger logging.Logger
	cfg    *config.Config

	Left, Right *Stage
	Depth       *depthmap.Builder

	mu      sync.Mutex
	watcher *config.MatcherWatcher
	started bool
}

// New builds every stage and loads the configured calibrations. Nothing runs until Start.
func New(logger logging.Logger, cfg *config.Config, newDevice func() capture.Device) (*Pipeline, error) {
	p := &Pipeline{
		logger: logger,
		cfg:    cfg,
		Depth:  depthmap.New(logger.Sublogger("depth"), depthmap.WithPollInterval(cfg.Depth.Interval())),
	}
	if err := p.Depth.SetConfig(*cfg.Depth.Matcher); err != nil {
		return nil, err
	}
	if cfg.Depth.Calibration != "" {
		if err := p.Depth.LoadCalibrationParams(cfg.Depth.Calibration); err != nil {
			return nil, errors.Wrap(err, "loading stereo calibration")
		}
	}

	var err error
	if p.Left, err = p.newStage("left", cfg.Left, newDevice, p.Depth.LeftMapping); err != nil {
		return nil, err
	}
	if p.Right, err = p.newStage("right", cfg.Right, newDevice, p.Depth.RightMapping); err != nil {
		return nil, err
	}
	// matching runs on raw frames; processors only shape what is shown
	p.Depth.SetLeftSource(p.Left.Capture)
	p.Depth.SetRightSource(p.Right.Capture)
	return p, nil
}

type mappingFunc func(size image.Point) (*rimage.RemapTable, image.Rectangle, error)

func (p *Pipeline) newStage(name string, cam config.Camera, newDevice func() capture.Device, mapping mappingFunc) (*Stage, error) {
	logger := p.logger.Sublogger(name)
	s := &Stage{
		Name:      name,
		Camera:    cam,
		Capture:   capture.NewWorker(logger.Sublogger("capture"), newDevice),
		Processor: processor.New(logger.Sublogger("processor")),
	}
	if err := s.Processor.SetSettings(*cam.Processor); err != nil {
		return nil, errors.Wrapf(err, "%s processor", name)
	}
	switch {
	case cam.Calibration != "":
		if err := s.Processor.LoadCalibrationParams(cam.Calibration); err != nil {
			return nil, errors.Wrapf(err, "loading %s calibration", name)
		}
	case cam.Processor.Undistort && p.Depth.Calibrated():
		table, roi, err := mapping(cam.Format().Size())
		if err != nil {
			return nil, errors.Wrapf(err, "rectifying %s camera", name)
		}
		s.Processor.SetUndistortMappings(table, roi)
	}
	s.unregister = s.Capture.SetFrameCallback(s.Processor.SetFrame)
	return s, nil
}

// Stages returns both camera stages, left first.
func (p *Pipeline) Stages() []*Stage {
	return []*Stage{p.Left, p.Right}
}

// Start opens both cameras concurrently and starts processing. If either camera cannot be
// opened, everything started is stopped again.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pipeline already started")
	}

	for _, s := range p.Stages() {
		s.Processor.StartProcessing()
	}
	p.Depth.StartProcessing()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range p.Stages() {
		g.Go(func() error {
			return errors.Wrapf(s.Capture.Start(gctx, s.Camera.ID, s.Camera.Format()), "starting %s camera", s.Name)
		})
	}
	if err := g.Wait(); err != nil {
		goutils.UncheckedError(p.stop())
		return err
	}

	if p.cfg.Depth.MatcherFile != "" {
		watcher, err := config.WatchMatcherFile(p.logger.Sublogger("matcher"), p.cfg.Depth.MatcherFile,
			config.DefaultReloadDelay, p.Depth.UpdateConfig)
		if err != nil {
			goutils.UncheckedError(p.stop())
			return err
		}
		p.watcher = watcher
	}
	p.started = true
	p.logger.Infow("pipeline started",
		"left", p.Left.Capture.Format().String(), "right", p.Right.Capture.Format().String(),
		"calibrated", p.Depth.Calibrated())
	return nil
}

func (p *Pipeline) stop() error {
	var err error
	if p.watcher != nil {
		err = p.watcher.Close()
		p.watcher = nil
	}
	for _, s := range p.Stages() {
		s.Capture.Stop()
		s.Processor.StopProcessing()
	}
	p.Depth.StopProcessing()
	return err
}

// Stop stops every stage. The pipeline can be started again.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	return p.stop()
}

// Close stops the pipeline and releases it.
func (p *Pipeline) Close() error {
	err := p.Stop()
	for _, s := range p.Stages() {
		s.unregister()
		err = multierr.Combine(err, s.Processor.Close())
	}
	return multierr.Combine(err, p.Depth.Close())
}

// Sources names every frame the pipeline produces.
func (p *Pipeline) Sources() map[string]rimage.FrameSource {
	return map[string]rimage.FrameSource{
		"left":            p.Left.Capture,
		"right":           p.Right.Capture,
		"left_processed":  p.Left.Processor,
		"right_processed": p.Right.Processor,
		"depth":           p.Depth,
		"depth_color":     rimage.FrameSourceFunc(p.Depth.GetColorFrame),
	}
}

// Errors returns the capture errors that stopped either camera.
func (p *Pipeline) Errors() error {
	return multierr.Combine(p.Left.Capture.LastError(), p.Right.Capture.LastError())
}

// Snapshot arms a snapshot of every frame source in dir and writes the current point cloud, if
// any. It returns the paths that are or will be written.
func (p *Pipeline) Snapshot(dir string, now time.Time) ([]string, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, err
	}
	var paths []string
	arm := func(name string, fn func(string) bool) {
		path := filepath.Join(dir, utils.TimestampFileName(name, "png", now))
		if fn(path) {
			paths = append(paths, path)
		} else {
			p.logger.Debugw("snapshot already pending", "source", name)
		}
	}
	for _, s := range p.Stages() {
		arm(s.Name, s.Capture.TakeSnapshot)
		arm(s.Name+"-processed", s.Processor.TakeSnapshot)
	}
	arm("depth", p.Depth.TakeSnapshot)

	if cloud := p.Depth.Cloud(); cloud != nil && cloud.Size() > 0 {
		path := filepath.Join(dir, utils.TimestampFileName("cloud", "pcd", now))
		if err := p.Depth.SavePointCloud(path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
