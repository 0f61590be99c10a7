// Package rimage holds the frame type that flows through the pipeline along with the image
// conversions, remapping, codecs and snapshot plumbing that operate on it.
package rimage

import (
	"image"
	"image/color"
	"time"

	"github.com/pkg/errors"
)

// Frame is an 8-bit image with 1 or 3 interleaved channels (R, G, B order). A frame is never
// mutated after it has been published to a consumer; stages that need to modify pixels Clone first.
type Frame struct {
	Width    int
	Height   int
	Channels int
	Stride   int
	Pix      []byte

	// Time is when the source frame was captured and Seq its capture sequence number.
	Time time.Time
	Seq  uint64
}

// NewFrame allocates a zeroed frame.
func NewFrame(width, height, channels int) *Frame {
	if width < 0 || height < 0 {
		width, height = 0, 0
	}
	stride := width * channels
	return &Frame{
		Width:    width,
		Height:   height,
		Channels: channels,
		Stride:   stride,
		Pix:      make([]byte, stride*height),
	}
}

// Empty reports whether the frame holds no pixels. A nil frame is empty.
func (f *Frame) Empty() bool {
	return f == nil || f.Width == 0 || f.Height == 0 || len(f.Pix) == 0
}

// Size returns the frame dimensions.
func (f *Frame) Size() image.Point {
	if f == nil {
		return image.Point{}
	}
	return image.Point{f.Width, f.Height}
}

// Bounds returns the rectangle covering the frame.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rectangle{Max: f.Size()}
}

// Row returns the bytes of row y.
func (f *Frame) Row(y int) []byte {
	start := y * f.Stride
	return f.Pix[start : start+f.Width*f.Channels]
}

// At returns channel c of pixel (x, y).
func (f *Frame) At(x, y, c int) byte {
	return f.Pix[y*f.Stride+x*f.Channels+c]
}

// Set writes channel c of pixel (x, y).
func (f *Frame) Set(x, y, c int, v byte) {
	f.Pix[y*f.Stride+x*f.Channels+c] = v
}

// RGB returns the color of pixel (x, y); gray frames replicate the single channel.
func (f *Frame) RGB(x, y int) (r, g, b byte) {
	i := y*f.Stride + x*f.Channels
	if f.Channels == 1 {
		v := f.Pix[i]
		return v, v, v
	}
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

// Clone returns a deep copy with a compact stride.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := NewFrame(f.Width, f.Height, f.Channels)
	for y := 0; y < f.Height; y++ {
		copy(out.Row(y), f.Row(y))
	}
	out.Time = f.Time
	out.Seq = f.Seq
	return out
}

// withMeta copies capture metadata from src onto f and returns f.
func (f *Frame) withMeta(src *Frame) *Frame {
	f.Time = src.Time
	f.Seq = src.Seq
	return f
}

// Crop copies the part of f inside r. r is clipped to the frame bounds.
func Crop(f *Frame, r image.Rectangle) *Frame {
	r = r.Intersect(f.Bounds())
	out := NewFrame(r.Dx(), r.Dy(), f.Channels).withMeta(f)
	for y := 0; y < out.Height; y++ {
		src := f.Pix[(r.Min.Y+y)*f.Stride+r.Min.X*f.Channels:]
		copy(out.Row(y), src[:out.Width*f.Channels])
	}
	return out
}

// ToImage converts the frame to an *image.Gray or *image.RGBA sharing no memory with f.
func (f *Frame) ToImage() image.Image {
	switch f.Channels {
	case 1:
		img := image.NewGray(f.Bounds())
		for y := 0; y < f.Height; y++ {
			copy(img.Pix[y*img.Stride:], f.Row(y))
		}
		return img
	default:
		img := image.NewRGBA(f.Bounds())
		for y := 0; y < f.Height; y++ {
			row := f.Row(y)
			dst := img.Pix[y*img.Stride:]
			for x := 0; x < f.Width; x++ {
				dst[4*x] = row[3*x]
				dst[4*x+1] = row[3*x+1]
				dst[4*x+2] = row[3*x+2]
				dst[4*x+3] = 0xff
			}
		}
		return img
	}
}

// FrameFromImage converts any image into a frame. Gray images become 1-channel frames, everything
// else is converted to 3-channel RGB.
func FrameFromImage(img image.Image) *Frame {
	b := img.Bounds()
	switch typed := img.(type) {
	case *image.Gray:
		out := NewFrame(b.Dx(), b.Dy(), 1)
		for y := 0; y < out.Height; y++ {
			copy(out.Row(y), typed.Pix[typed.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		return out
	case *image.RGBA:
		out := NewFrame(b.Dx(), b.Dy(), 3)
		for y := 0; y < out.Height; y++ {
			src := typed.Pix[typed.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := out.Row(y)
			for x := 0; x < out.Width; x++ {
				dst[3*x] = src[4*x]
				dst[3*x+1] = src[4*x+1]
				dst[3*x+2] = src[4*x+2]
			}
		}
		return out
	case *image.NRGBA:
		out := NewFrame(b.Dx(), b.Dy(), 3)
		for y := 0; y < out.Height; y++ {
			src := typed.Pix[typed.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := out.Row(y)
			for x := 0; x < out.Width; x++ {
				dst[3*x] = src[4*x]
				dst[3*x+1] = src[4*x+1]
				dst[3*x+2] = src[4*x+2]
			}
		}
		return out
	}

	out := NewFrame(b.Dx(), b.Dy(), 3)
	for y := 0; y < out.Height; y++ {
		dst := out.Row(y)
		for x := 0; x < out.Width; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			dst[3*x] = c.R
			dst[3*x+1] = c.G
			dst[3*x+2] = c.B
		}
	}
	return out
}

// NewFrameFromBytes wraps pix as a compact frame after checking its length.
func NewFrameFromBytes(width, height, channels int, pix []byte) (*Frame, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("unsupported channel count %d", channels)
	}
	if len(pix) != width*height*channels {
		return nil, errors.Errorf("expected %d bytes for %dx%dx%d frame, got %d",
			width*height*channels, width, height, channels, len(pix))
	}
	return &Frame{Width: width, Height: height, Channels: channels, Stride: width * channels, Pix: pix}, nil
}
