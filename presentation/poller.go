// Package presentation exposes pipeline output to consumers outside the core: periodic pollers that
// hand frames to a display sink and an HTTP preview server.
package presentation

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/utils"
)

// Sink receives every new frame a Poller observes.
type Sink func(name string, img image.Image)

// Poller checks frame sources at a fixed cadence and forwards frames it has not seen before.
type Poller struct {
	clock    clock.Clock
	interval time.Duration
	sink     Sink

	mu      sync.Mutex
	sources map[string]rimage.FrameSource
	last    map[string]*rimage.Frame
	workers utils.StoppableWorkers
}

// NewPoller returns a stopped poller. A nil clock means the wall clock.
func NewPoller(c clock.Clock, interval time.Duration, sink Sink) (*Poller, error) {
	if interval <= 0 {
		return nil, errors.Errorf("poll interval must be positive, got %v", interval)
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if c == nil {
		c = clock.New()
	}
	return &Poller{
		clock:    c,
		interval: interval,
		sink:     sink,
		sources:  map[string]rimage.FrameSource{},
		last:     map[string]*rimage.Frame{},
	}, nil
}

// Watch adds or replaces a named source.
func (p *Poller) Watch(name string, src rimage.FrameSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[name] = src
	delete(p.last, name)
}

// Start begins polling. It has no effect when already started.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers != nil {
		return
	}
	p.workers = utils.NewStoppableWorkers(p.run)
}

// Stop ends polling and waits for the polling goroutine.
func (p *Poller) Stop() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
}

func (p *Poller) run(ctx context.Context) {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.Poll()
	}
}

// Poll checks every source once and forwards new frames.
func (p *Poller) Poll() {
	type update struct {
		name  string
		frame *rimage.Frame
	}
	var updates []update
	p.mu.Lock()
	for name, src := range p.sources {
		f := src.GetFrame()
		if f == nil || f.Empty() || f == p.last[name] {
			continue
		}
		p.last[name] = f
		updates = append(updates, update{name, f})
	}
	p.mu.Unlock()

	for _, u := range updates {
		p.sink(u.name, u.frame.ToImage())
	}
}
