//go:build linux

// Package v4l2 talks to Video4Linux devices through github.com/blackjack/webcam.
package v4l2

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/stereocam/capture"
	"go.viam.com/stereocam/rimage"
)

const (
	bufferCount = 2
	// frameTimeout is how long, in seconds, a single wait for a frame may block before the
	// capture context is checked again.
	frameTimeout = 1
)

// DevicePath returns the device node of video device id.
func DevicePath(id int) string {
	return fmt.Sprintf("/dev/video%d", id)
}

// Device is a capture.Device backed by a V4L2 node.
type Device struct {
	cam    *webcam.Webcam
	id     int
	format capture.Format
}

// NewDevice returns an unopened device.
func NewDevice() capture.Device {
	return &Device{}
}

// Open implements capture.Device.
func (d *Device) Open(id int) error {
	cam, err := webcam.Open(DevicePath(id))
	if err != nil {
		return errors.Wrapf(err, "cannot open webcam %s", DevicePath(id))
	}
	d.cam = cam
	d.id = id
	return nil
}

// SetFormat implements capture.Device. The driver may adjust the size; that is an error since
// callers size buffers from the requested format.
func (d *Device) SetFormat(format capture.Format) error {
	if d.cam == nil {
		return errors.New("device is not open")
	}
	got, w, h, err := d.cam.SetImageFormat(webcam.PixelFormat(format.PixelFormat), uint32(format.Width), uint32(format.Height))
	if err != nil {
		return errors.Wrap(err, "cannot set image format")
	}
	if rimage.PixelFormat(got) != format.PixelFormat || int(w) != format.Width || int(h) != format.Height {
		return errors.Errorf("driver chose %s %dx%d instead of %v", rimage.PixelFormat(got), w, h, format)
	}
	if err := d.cam.SetBufferCount(bufferCount); err != nil {
		return errors.Wrap(err, "cannot set buffer count")
	}
	d.format = format
	return nil
}

// StartStream implements capture.Device.
func (d *Device) StartStream() error {
	if d.cam == nil {
		return errors.New("device is not open")
	}
	return errors.Wrapf(d.cam.StartStreaming(), "cannot start stream for %s", DevicePath(d.id))
}

// DequeueFrame implements capture.Device.
func (d *Device) DequeueFrame(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := d.cam.WaitForFrame(frameTimeout)
		var timeout *webcam.Timeout
		if errors.As(err, &timeout) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "couldn't get webcam frame")
		}
		frame, err := d.cam.ReadFrame()
		if err != nil {
			return nil, errors.Wrap(err, "couldn't read webcam frame")
		}
		if len(frame) == 0 {
			continue
		}
		out := make([]byte, len(frame))
		copy(out, frame)
		return out, nil
	}
}

// StopStream implements capture.Device.
func (d *Device) StopStream() error {
	if d.cam == nil {
		return nil
	}
	return d.cam.StopStreaming()
}

// Close implements capture.Device.
func (d *Device) Close() error {
	if d.cam == nil {
		return nil
	}
	err := d.cam.Close()
	d.cam = nil
	return err
}

// Enumerator lists /dev/video* nodes.
type Enumerator struct{}

// ListDevices implements capture.Enumerator. Nodes that cannot be opened are skipped.
func (Enumerator) ListDevices() ([]capture.DeviceID, error) {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	var devices []capture.DeviceID
	for _, p := range paths {
		id, err := strconv.Atoi(strings.TrimPrefix(p, "/dev/video"))
		if err != nil {
			continue
		}
		cam, err := webcam.Open(p)
		if err != nil {
			continue
		}
		name, err := cam.GetName()
		if err != nil {
			name = p
		}
		//nolint:errcheck
		cam.Close()
		devices = append(devices, capture.DeviceID{ID: id, Name: name})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

// ListFormats implements capture.Enumerator. Only discrete frame sizes are reported.
func (Enumerator) ListFormats(id int) ([]capture.Format, error) {
	cam, err := webcam.Open(DevicePath(id))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open webcam %s", DevicePath(id))
	}
	//nolint:errcheck
	defer cam.Close()

	supported := cam.GetSupportedFormats()
	pixFormats := lo.Keys(supported)
	sort.Slice(pixFormats, func(i, j int) bool { return pixFormats[i] < pixFormats[j] })

	var formats []capture.Format
	for _, pf := range pixFormats {
		for _, size := range cam.GetSupportedFrameSizes(pf) {
			if size.MinWidth != size.MaxWidth || size.MinHeight != size.MaxHeight {
				continue
			}
			formats = append(formats, capture.Format{
				PixelFormat: rimage.PixelFormat(pf),
				Width:       int(size.MaxWidth),
				Height:      int(size.MaxHeight),
				Description: fmt.Sprintf("%s %dx%d", supported[pf], size.MaxWidth, size.MaxHeight),
			})
		}
	}
	return formats, nil
}
