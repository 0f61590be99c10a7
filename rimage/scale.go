package rimage

import (
	"math"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// Scale resizes f by factor with nearest neighbour sampling. A factor of 1 returns f.
func Scale(f *Frame, factor float64) (*Frame, error) {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return nil, errors.Errorf("invalid scale factor %v", factor)
	}
	if factor == 1 || f.Empty() {
		return f, nil
	}
	width := uint(math.Max(1, math.Round(float64(f.Width)*factor)))
	height := uint(math.Max(1, math.Round(float64(f.Height)*factor)))
	return Resize(f, width, height), nil
}

// Resize scales f to exactly width×height with nearest neighbour sampling.
func Resize(f *Frame, width, height uint) *Frame {
	return ResizeWith(f, width, height, resize.NearestNeighbor)
}

// ResizeWith scales f to exactly width×height with the given interpolation.
func ResizeWith(f *Frame, width, height uint, interp resize.InterpolationFunction) *Frame {
	if int(width) == f.Width && int(height) == f.Height {
		return f
	}
	resized := resize.Resize(width, height, f.ToImage(), interp)
	out := FrameFromImage(resized)
	if f.Channels == 1 && out.Channels != 1 {
		out = ToGray(out)
	}
	return out.withMeta(f)
}
