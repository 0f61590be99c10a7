package rimage

import "github.com/pkg/errors"

// fixed point luma weights (ITU-R BT.601, 14 bit)
const (
	lumaR     = 4899
	lumaG     = 9617
	lumaB     = 1868
	lumaShift = 14
)

// Luma returns the BT.601 luminance of an RGB triple.
func Luma(r, g, b byte) byte {
	return byte((uint32(r)*lumaR + uint32(g)*lumaG + uint32(b)*lumaB + 1<<(lumaShift-1)) >> lumaShift)
}

// ToGray converts a frame to a single channel. Gray frames are returned unchanged.
func ToGray(f *Frame) *Frame {
	if f.Channels == 1 {
		return f
	}
	out := NewFrame(f.Width, f.Height, 1).withMeta(f)
	for y := 0; y < f.Height; y++ {
		src := f.Row(y)
		dst := out.Row(y)
		for x := range dst {
			dst[x] = Luma(src[3*x], src[3*x+1], src[3*x+2])
		}
	}
	return out
}

// ToRGB converts a frame to three channels by replicating gray. RGB frames are returned unchanged.
func ToRGB(f *Frame) *Frame {
	if f.Channels == 3 {
		return f
	}
	out := NewFrame(f.Width, f.Height, 3).withMeta(f)
	for y := 0; y < f.Height; y++ {
		src := f.Row(y)
		dst := out.Row(y)
		for x, v := range src {
			dst[3*x] = v
			dst[3*x+1] = v
			dst[3*x+2] = v
		}
	}
	return out
}

// ExtractChannel returns channel c of f as a single channel frame. Channel 0 is red.
func ExtractChannel(f *Frame, c int) (*Frame, error) {
	if c < 0 || c >= f.Channels {
		return nil, errors.Errorf("channel %d out of range for %d channel frame", c, f.Channels)
	}
	if f.Channels == 1 {
		return f, nil
	}
	out := NewFrame(f.Width, f.Height, 1).withMeta(f)
	for y := 0; y < f.Height; y++ {
		src := f.Row(y)
		dst := out.Row(y)
		for x := range dst {
			dst[x] = src[x*f.Channels+c]
		}
	}
	return out, nil
}
