//go:build !linux

// Package v4l2 talks to Video4Linux devices. Outside Linux every operation fails.
package v4l2

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"go.viam.com/stereocam/capture"
)

var errUnsupported = errors.New("video4linux is only available on linux")

// DevicePath returns the device node of video device id.
func DevicePath(id int) string {
	return fmt.Sprintf("/dev/video%d", id)
}

// Device always fails to open.
type Device struct{}

// NewDevice returns an unopened device.
func NewDevice() capture.Device {
	return &Device{}
}

// Open implements capture.Device.
func (d *Device) Open(int) error { return errUnsupported }

// SetFormat implements capture.Device.
func (d *Device) SetFormat(capture.Format) error { return errUnsupported }

// StartStream implements capture.Device.
func (d *Device) StartStream() error { return errUnsupported }

// DequeueFrame implements capture.Device.
func (d *Device) DequeueFrame(context.Context) ([]byte, error) { return nil, errUnsupported }

// StopStream implements capture.Device.
func (d *Device) StopStream() error { return nil }

// Close implements capture.Device.
func (d *Device) Close() error { return nil }

// Enumerator finds no devices.
type Enumerator struct{}

// ListDevices implements capture.Enumerator.
func (Enumerator) ListDevices() ([]capture.DeviceID, error) { return nil, nil }

// ListFormats implements capture.Enumerator.
func (Enumerator) ListFormats(int) ([]capture.Format, error) { return nil, errUnsupported }

// ListControls is unsupported.
func ListControls(int) ([]capture.Control, error) { return nil, errUnsupported }

// SetControl is unsupported.
func SetControl(int, uint32, int32) error { return errUnsupported }
