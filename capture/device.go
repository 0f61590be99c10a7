// Package capture drives video devices: it opens a device in a requested format, decodes every
// buffer it produces and hands the newest frame to whoever listens.
package capture

import (
	"context"
	"fmt"
	"image"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"

	"go.viam.com/stereocam/rimage"
)

// DeviceID identifies a video device.
type DeviceID struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func (d DeviceID) String() string {
	if d.Name == "" {
		return fmt.Sprintf("video%d", d.ID)
	}
	return fmt.Sprintf("video%d (%s)", d.ID, d.Name)
}

// Format is one pixel format and frame size a device can stream.
type Format struct {
	PixelFormat rimage.PixelFormat `json:"pixel_format"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	Description string             `json:"description,omitempty"`
}

// Size returns the frame size.
func (f Format) Size() image.Point {
	return image.Point{f.Width, f.Height}
}

// SameMode reports whether both formats stream the same pixel format at the same size, ignoring
// the description.
func (f Format) SameMode(other Format) bool {
	return f.PixelFormat == other.PixelFormat && f.Width == other.Width && f.Height == other.Height
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dx%d", f.PixelFormat, f.Width, f.Height)
}

// Device is a single video device session. Methods are called from one goroutine in the order
// Open, SetFormat, StartStream, DequeueFrame..., StopStream, Close.
type Device interface {
	Open(id int) error
	SetFormat(format Format) error
	StartStream() error
	// DequeueFrame blocks until the next raw buffer is available. The returned slice is owned by
	// the caller.
	DequeueFrame(ctx context.Context) ([]byte, error)
	StopStream() error
	Close() error
}

// Enumerator lists devices and the formats they support.
type Enumerator interface {
	ListDevices() ([]DeviceID, error)
	ListFormats(id int) ([]Format, error)
}

// CommonFormats returns the modes of a that b supports too, in the order of a. Duplicate modes
// are listed once.
func CommonFormats(a, b []Format) []Format {
	common := lo.Filter(a, func(f Format, _ int) bool {
		return lo.ContainsBy(b, f.SameMode)
	})
	return lo.UniqBy(common, func(f Format) string { return f.String() })
}

// FormatsTable renders formats as a table.
func FormatsTable(formats []Format) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Format", "Width", "Height", "Description"})
	for i, f := range formats {
		t.AppendRow(table.Row{i, f.PixelFormat.String(), f.Width, f.Height, f.Description})
	}
	return t.Render()
}

// DevicesTable renders a device list as a table.
func DevicesTable(devices []DeviceID) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"ID", "Name"})
	for _, d := range devices {
		t.AppendRow(table.Row{d.ID, d.Name})
	}
	return t.Render()
}

// Control is an integer camera setting such as exposure or gain.
type Control struct {
	ID    uint32 `json:"id"`
	Name  string `json:"name"`
	Min   int32  `json:"min"`
	Max   int32  `json:"max"`
	Value int32  `json:"value"`
}

// ControlsTable renders controls as a table.
func ControlsTable(controls []Control) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"ID", "Name", "Min", "Max", "Value"})
	for _, c := range controls {
		t.AppendRow(table.Row{fmt.Sprintf("%#x", c.ID), c.Name, c.Min, c.Max, c.Value})
	}
	return t.Render()
}
