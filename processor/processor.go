// Package processor turns raw captured frames into the frames shown and matched downstream:
// undistorted, color converted, scaled and optionally marked with an aiming guide.
package processor

import (
	"context"
	"image"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"go.viam.com/stereocam/calibration"
	"go.viam.com/stereocam/logging"
	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/utils"
)

// AllChannels keeps every channel of the input.
const AllChannels = -1

// Settings control what a Processor does to every frame.
type Settings struct {
	ScaleFactor float64 `json:"scale_factor"`
	// Channel selects one color channel of the output, or AllChannels.
	Channel   int  `json:"channel"`
	Gray      bool `json:"gray"`
	Undistort bool `json:"undistort"`
	Overlay   bool `json:"overlay"`
}

// DefaultSettings passes frames through unchanged.
func DefaultSettings() Settings {
	return Settings{ScaleFactor: 1, Channel: AllChannels}
}

// Validate ensures all parts of the settings are valid.
func (s Settings) Validate() error {
	if s.ScaleFactor <= 0 || math.IsNaN(s.ScaleFactor) || math.IsInf(s.ScaleFactor, 0) {
		return errors.Errorf("scale factor must be positive and finite, got %v", s.ScaleFactor)
	}
	if s.Channel < AllChannels || s.Channel > 2 {
		return errors.Errorf("channel must be -1, 0, 1 or 2, got %d", s.Channel)
	}
	return nil
}

// Processor transforms frames on its own goroutine. Input and output are single slots: a frame
// that arrives before the previous one was processed replaces it.
type Processor struct {
	logger logging.Logger

	// input side
	input  utils.Mailbox[*rimage.Frame]
	wakeup chan struct{}

	// output side, settings and undistortion state
	mu       sync.Mutex
	output   *rimage.Frame
	settings Settings
	mapping  *rimage.RemapTable
	roi      image.Rectangle
	workers  utils.StoppableWorkers

	mono       calibration.MonoStore
	snap       rimage.Snapshotter
	warnings   rate.Sometimes
	iterations int
}

// New returns a stopped processor with default settings.
func New(logger logging.Logger) *Processor {
	return &Processor{
		logger:   logger,
		wakeup:   make(chan struct{}, 1),
		settings: DefaultSettings(),
		warnings: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// SetFrame hands a new raw frame to the processor. It never blocks. The frame must not be modified
// afterwards.
func (p *Processor) SetFrame(f *rimage.Frame) {
	if f == nil {
		return
	}
	p.input.Put(f)
	select {
	case p.wakeup <- struct{}{}:
	default:
	}
}

// GetFrame returns the latest processed frame, or nil if none was produced yet.
func (p *Processor) GetFrame() *rimage.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

// Dropped returns how many input frames were replaced before being processed.
func (p *Processor) Dropped() uint64 {
	return p.input.Drops()
}

// StartProcessing launches the processing goroutine. Calling it while running has no effect.
func (p *Processor) StartProcessing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers != nil {
		return
	}
	p.workers = utils.NewStoppableWorkers(p.run)
}

// StopProcessing stops the processing goroutine and waits for it to exit.
func (p *Processor) StopProcessing() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
}

// Close stops processing.
func (p *Processor) Close() error {
	p.StopProcessing()
	return nil
}

// Settings returns the settings in use.
func (p *Processor) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// SetSettings replaces all settings at once.
func (p *Processor) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = s
	return nil
}

func (p *Processor) update(fn func(s *Settings)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.settings
	fn(&s)
	if err := s.Validate(); err != nil {
		return err
	}
	p.settings = s
	return nil
}

// SetScaleFactor sets the output scale.
func (p *Processor) SetScaleFactor(factor float64) error {
	return p.update(func(s *Settings) { s.ScaleFactor = factor })
}

// SetChannel selects one output channel, or AllChannels.
func (p *Processor) SetChannel(channel int) error {
	return p.update(func(s *Settings) { s.Channel = channel })
}

// SetGray toggles grayscale output.
func (p *Processor) SetGray(gray bool) {
	//nolint:errcheck
	p.update(func(s *Settings) { s.Gray = gray })
}

// SetUndistort toggles undistortion.
func (p *Processor) SetUndistort(undistort bool) {
	//nolint:errcheck
	p.update(func(s *Settings) { s.Undistort = undistort })
}

// UndistortApplied reports whether undistortion is enabled.
func (p *Processor) UndistortApplied() bool {
	return p.Settings().Undistort
}

// SetOverlay toggles the center-cross guide.
func (p *Processor) SetOverlay(overlay bool) {
	//nolint:errcheck
	p.update(func(s *Settings) { s.Overlay = overlay })
}

// LoadCalibrationParams loads a single camera calibration used when undistortion is enabled and
// no remap table was set. On failure the calibration in use is unchanged.
func (p *Processor) LoadCalibrationParams(path string) error {
	if err := p.mono.Load(path); err != nil {
		p.logger.Warnw("cannot load calibration", "path", path, "error", err)
		return err
	}
	p.logger.Infow("calibration loaded", "path", path)
	return nil
}

// SetUndistortMappings installs a precomputed remap table, taking precedence over the single
// camera calibration. Output is cropped to roi unless it is empty. A nil table removes it.
func (p *Processor) SetUndistortMappings(table *rimage.RemapTable, roi image.Rectangle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mapping = table
	p.roi = roi
}

// TakeSnapshot arms a write of the next processed frame to path.
func (p *Processor) TakeSnapshot(path string) bool {
	return p.snap.Arm(path)
}

// CanTakeSnapshot reports whether no snapshot is pending.
func (p *Processor) CanTakeSnapshot() bool {
	return !p.snap.Pending()
}

func (p *Processor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wakeup:
		}
		p.processOnce()
	}
}

// processOnce handles the pending input frame, if any.
func (p *Processor) processOnce() {
	in, ok := p.input.Take()
	if !ok {
		return
	}

	p.mu.Lock()
	s := p.settings
	mapping, roi := p.mapping, p.roi
	p.mu.Unlock()

	out, err := p.process(in, s, mapping, roi)
	if err != nil {
		p.warnings.Do(func() {
			p.logger.Warnw("cannot process frame", "error", err)
		})
		return
	}

	if path, err := p.snap.Consume(out); err != nil {
		p.logger.Warnw("cannot write snapshot", "path", path, "error", err)
	} else if path != "" {
		p.logger.Infow("snapshot written", "path", path)
	}

	p.mu.Lock()
	p.output = out
	p.iterations++
	p.mu.Unlock()
}

func (p *Processor) process(f *rimage.Frame, s Settings, mapping *rimage.RemapTable, roi image.Rectangle) (*rimage.Frame, error) {
	var err error
	if s.Undistort {
		if f, err = p.undistort(f, mapping, roi); err != nil {
			return nil, err
		}
	}

	switch {
	case s.Gray:
		f = rimage.ToGray(f)
	case s.Channel != AllChannels && s.Channel < f.Channels:
		if f, err = rimage.ExtractChannel(f, s.Channel); err != nil {
			return nil, err
		}
	}

	if f, err = rimage.Scale(f, s.ScaleFactor); err != nil {
		return nil, err
	}
	if s.Overlay {
		f = rimage.DrawCenterCross(f)
	}
	if f == nil || f.Empty() {
		return nil, errors.New("processing produced an empty frame")
	}
	return f, nil
}

func (p *Processor) undistort(f *rimage.Frame, mapping *rimage.RemapTable, roi image.Rectangle) (*rimage.Frame, error) {
	if mapping != nil {
		if mapping.Size() != f.Size() {
			return nil, errors.Errorf("remap table is %v but frame is %v", mapping.Size(), f.Size())
		}
		out, err := rimage.Remap(f, mapping)
		if err != nil {
			return nil, err
		}
		if !roi.Empty() {
			out = rimage.Crop(out, roi)
		}
		return out, nil
	}
	if p.mono.Mono() == nil {
		p.warnings.Do(func() {
			p.logger.Warn("undistortion enabled without calibration; passing frames through")
		})
		return f, nil
	}
	table, err := p.mono.Undistortion(f.Size())
	if err != nil {
		return nil, err
	}
	return rimage.Remap(f, table)
}

// Iterations returns how many frames were processed.
func (p *Processor) Iterations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iterations
}
