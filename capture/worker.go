package capture

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"go.viam.com/stereocam/logging"
	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/utils"
)

// FrameCallback receives every decoded frame on the capture goroutine. The frame must be treated
// as read only and the callback should return quickly.
type FrameCallback func(f *rimage.Frame)

// errNotStarted completes the start rendezvous when the capture goroutine exits abnormally.
var errNotStarted = errors.New("capture goroutine exited before the device started")

// Worker runs one capture session at a time on its own goroutine. A device or decode error ends
// the session; it is recorded and never retried.
type Worker struct {
	logger    logging.Logger
	newDevice func() Device

	mu      sync.Mutex
	workers utils.StoppableWorkers
	lastErr error
	format  Format

	callbackMu sync.Mutex
	callbacks  map[uint64]FrameCallback
	nextID     uint64

	latest utils.Mailbox[*rimage.Frame]
	snap   rimage.Snapshotter
	frames atomic.Uint64
	stats  rate.Sometimes
}

// NewWorker returns an idle worker. newDevice is called once per session.
func NewWorker(logger logging.Logger, newDevice func() Device) *Worker {
	return &Worker{
		logger:    logger,
		newDevice: newDevice,
		callbacks: map[uint64]FrameCallback{},
		stats:     rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Start stops any running session and opens device id in format. It returns once the device is
// streaming or has failed to start.
func (w *Worker) Start(ctx context.Context, id int, format Format) error {
	w.Stop()
	if !rimage.CanDecode(format.PixelFormat) {
		err := errors.Errorf("cannot decode pixel format %s", format.PixelFormat)
		w.setErr(err)
		return err
	}

	w.mu.Lock()
	w.lastErr = nil
	w.mu.Unlock()

	started := &utils.OneShot[error]{}
	workers := utils.NewStoppableWorkers(func(ctx context.Context) {
		w.capture(ctx, id, format, started)
	})
	err, waitErr := started.Wait(ctx)
	if waitErr != nil {
		workers.Stop()
		return waitErr
	}
	if err != nil {
		workers.Stop()
		w.setErr(err)
		return err
	}

	w.mu.Lock()
	w.workers = workers
	w.format = format
	w.mu.Unlock()
	return nil
}

// StartCapture is Start reporting success as a boolean; the error is kept for LastError.
func (w *Worker) StartCapture(ctx context.Context, id int, format Format) bool {
	return w.Start(ctx, id, format) == nil
}

// Stop cancels the running session, if any, and waits for its goroutine to exit. It is safe to
// call at any time and more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	workers := w.workers
	w.workers = nil
	w.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
}

// StopCapture is an alias of Stop.
func (w *Worker) StopCapture() {
	w.Stop()
}

// Running reports whether a session is active. A session that ended with an error still counts
// until Stop is called.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workers != nil
}

// Format returns the format of the last started session.
func (w *Worker) Format() Format {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.format
}

// LastError returns the error that ended or prevented the last session.
func (w *Worker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *Worker) setErr(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	w.logger.Errorw("capture failed", "error", err)
}

// SetFrameCallback registers fn for every new frame and returns a function that unregisters it.
func (w *Worker) SetFrameCallback(fn FrameCallback) (unregister func()) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	id := w.nextID
	w.nextID++
	w.callbacks[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			w.callbackMu.Lock()
			defer w.callbackMu.Unlock()
			delete(w.callbacks, id)
		})
	}
}

// GetFrame returns the newest decoded frame, or nil before the first one.
func (w *Worker) GetFrame() *rimage.Frame {
	f, _ := w.latest.Latest()
	return f
}

// Frames returns the number of frames decoded since the worker was created.
func (w *Worker) Frames() uint64 {
	return w.frames.Load()
}

// TakeSnapshot arms a write of the next frame to path. It returns false when a snapshot is
// already pending.
func (w *Worker) TakeSnapshot(path string) bool {
	return w.snap.Arm(path)
}

// CanTakeSnapshot reports whether no snapshot is pending.
func (w *Worker) CanTakeSnapshot() bool {
	return !w.snap.Pending()
}

func openDevice(dev Device, id int, format Format) error {
	if err := dev.Open(id); err != nil {
		return errors.Wrapf(err, "opening video%d", id)
	}
	if err := dev.SetFormat(format); err != nil {
		return errors.Wrapf(err, "setting format %v on video%d", format, id)
	}
	if err := dev.StartStream(); err != nil {
		return errors.Wrapf(err, "starting stream on video%d", id)
	}
	return nil
}

func (w *Worker) capture(ctx context.Context, id int, format Format, started *utils.OneShot[error]) {
	defer started.Complete(errNotStarted)

	dev := w.newDevice()
	if err := openDevice(dev, id, format); err != nil {
		started.Complete(multierr.Combine(err, dev.Close()))
		return
	}
	started.Complete(nil)
	w.logger.Infow("capture started", "device", id, "format", format.String())

	defer func() {
		if err := multierr.Combine(dev.StopStream(), dev.Close()); err != nil {
			w.logger.Warnw("error closing device", "device", id, "error", err)
		}
		w.logger.Infow("capture stopped", "device", id)
	}()

	var seq uint64
	for ctx.Err() == nil {
		raw, err := dev.DequeueFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.setErr(errors.Wrapf(err, "reading frame from video%d", id))
			return
		}
		frame, err := rimage.DecodeRaw(format.PixelFormat, format.Width, format.Height, raw)
		if err != nil {
			w.setErr(err)
			return
		}
		seq++
		frame.Seq = seq
		frame.Time = time.Now()
		w.frames.Inc()
		w.latest.Put(frame)

		if path, err := w.snap.Consume(frame); err != nil {
			w.logger.Warnw("cannot write snapshot", "path", path, "error", err)
		} else if path != "" {
			w.logger.Infow("snapshot written", "path", path)
		}
		w.dispatch(frame)

		w.stats.Do(func() {
			w.logger.Debugw("capture stats", "device", id, "frames", w.frames.Load())
		})
	}
}

func (w *Worker) dispatch(f *rimage.Frame) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	for _, fn := range w.callbacks {
		fn(f)
	}
}
