// Package fake implements capture devices that render a moving gradient instead of reading
// hardware.
package fake

import (
	"context"
	"image/color"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/stereocam/capture"
	"go.viam.com/stereocam/rimage"
)

// ErrInjected is returned by a Device configured to fail after a number of frames.
var ErrInjected = errors.New("injected device failure")

// Device renders a diagonal gradient that moves one pixel per frame.
type Device struct {
	// Clock paces frames; nil means the wall clock.
	Clock clock.Clock
	// Interval between frames; zero produces frames as fast as they are read.
	Interval time.Duration
	// OpenErr is returned from Open when set.
	OpenErr error
	// FailAfter makes DequeueFrame fail with ErrInjected once this many frames were produced.
	FailAfter int

	mu        sync.Mutex
	id        int
	open      bool
	streaming bool
	format    capture.Format
	ticker    *clock.Ticker
	produced  int

	Closed atomic.Bool
}

// Open implements capture.Device.
func (d *Device) Open(id int) error {
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.id = id
	d.open = true
	return nil
}

// SetFormat implements capture.Device.
func (d *Device) SetFormat(format capture.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.New("device is not open")
	}
	if format.Width <= 0 || format.Height <= 0 {
		return errors.Errorf("invalid frame size %dx%d", format.Width, format.Height)
	}
	switch format.PixelFormat {
	case rimage.PixelFormatRGB24, rimage.PixelFormatBGR24, rimage.PixelFormatGrey, rimage.PixelFormatMJPEG:
	case rimage.PixelFormatYUYV:
		if format.Width%2 != 0 {
			return errors.Errorf("YUYV width must be even, got %d", format.Width)
		}
	default:
		return errors.Errorf("unsupported pixel format %s", format.PixelFormat)
	}
	d.format = format
	return nil
}

// StartStream implements capture.Device.
func (d *Device) StartStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.format.Width == 0 {
		return errors.New("format not set")
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Interval > 0 {
		d.ticker = d.Clock.Ticker(d.Interval)
	}
	d.streaming = true
	return nil
}

// DequeueFrame implements capture.Device.
func (d *Device) DequeueFrame(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	ticker := d.ticker
	streaming := d.streaming
	d.mu.Unlock()
	if !streaming {
		return nil, errors.New("device is not streaming")
	}
	if ticker != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailAfter > 0 && d.produced >= d.FailAfter {
		return nil, ErrInjected
	}
	d.produced++
	return Render(d.format, d.produced)
}

// StopStream implements capture.Device.
func (d *Device) StopStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ticker != nil {
		d.ticker.Stop()
		d.ticker = nil
	}
	d.streaming = false
	return nil
}

// Close implements capture.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
	d.Closed.Store(true)
	return nil
}

// Produced returns the number of frames handed out.
func (d *Device) Produced() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.produced
}

// Render returns raw bytes in format for the gradient shifted by offset pixels.
func Render(format capture.Format, offset int) ([]byte, error) {
	w, h := format.Width, format.Height
	f := rimage.NewFrame(w, h, 3)
	for y := 0; y < h; y++ {
		row := f.Row(y)
		for x := 0; x < w; x++ {
			v := byte((x + y + offset) * 255 / (w + h))
			row[3*x] = v
			row[3*x+1] = 255 - v
			row[3*x+2] = byte((x + offset) % 256)
		}
	}

	switch format.PixelFormat {
	case rimage.PixelFormatRGB24:
		return f.Pix, nil
	case rimage.PixelFormatBGR24:
		for i := 0; i < len(f.Pix); i += 3 {
			f.Pix[i], f.Pix[i+2] = f.Pix[i+2], f.Pix[i]
		}
		return f.Pix, nil
	case rimage.PixelFormatGrey:
		return rimage.ToGray(f).Pix, nil
	case rimage.PixelFormatMJPEG, rimage.PixelFormatJPEG:
		return rimage.EncodeJPEG(f, 90)
	case rimage.PixelFormatYUYV:
		return toYUYV(f), nil
	}
	return nil, errors.Errorf("unsupported pixel format %s", format.PixelFormat)
}

func toYUYV(f *rimage.Frame) []byte {
	out := make([]byte, 0, f.Width*f.Height*2)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x += 2 {
			y0, cb, cr := color.RGBToYCbCr(f.RGB(x, y))
			y1, _, _ := color.RGBToYCbCr(f.RGB(x+1, y))
			out = append(out, y0, cb, y1, cr)
		}
	}
	return out
}

// Enumerator serves a fixed device list.
type Enumerator struct {
	Devices []capture.DeviceID
	Formats map[int][]capture.Format
}

// NewEnumerator returns two devices supporting the given formats.
func NewEnumerator(formats ...capture.Format) *Enumerator {
	return &Enumerator{
		Devices: []capture.DeviceID{{ID: 0, Name: "fake left"}, {ID: 1, Name: "fake right"}},
		Formats: map[int][]capture.Format{0: formats, 1: formats},
	}
}

// ListDevices implements capture.Enumerator.
func (e *Enumerator) ListDevices() ([]capture.DeviceID, error) {
	return e.Devices, nil
}

// ListFormats implements capture.Enumerator.
func (e *Enumerator) ListFormats(id int) ([]capture.Format, error) {
	formats, ok := e.Formats[id]
	if !ok {
		return nil, errors.Errorf("no device video%d", id)
	}
	return formats, nil
}
