package rimage

import (
	"image"

	"github.com/fogleman/gg"
)

// crossTickReach is how far, in pixels, the guide ticks extend from the center.
const crossTickReach = 50

// DrawCenterCross returns a copy of f with an aiming guide through the image center: a full
// horizontal and vertical line plus a ladder of ticks every 10 pixels within crossTickReach.
// Color frames get a green guide, gray frames a white one.
func DrawCenterCross(f *Frame) *Frame {
	if f.Empty() {
		return f
	}
	dc := gg.NewContextForImage(f.ToImage())
	if f.Channels == 1 {
		dc.SetRGB(1, 1, 1)
	} else {
		dc.SetRGB(0, 1, 0)
	}
	dc.SetLineWidth(1)
	// +0.5 puts the 1px strokes on pixel centers
	cx, cy := float64(f.Width/2)+0.5, float64(f.Height/2)+0.5
	dc.DrawLine(cx, 0, cx, float64(f.Height))
	dc.DrawLine(0, cy, float64(f.Width), cy)
	for li := -crossTickReach; li <= crossTickReach; li += 10 {
		reach := float64(abs(li))
		offset := float64(li)
		dc.DrawLine(cx-offset, cy-reach, cx-offset, cy+reach)
		dc.DrawLine(cx-reach, cy-offset, cx+reach, cy-offset)
	}
	dc.Stroke()

	out := FrameFromImage(dc.Image())
	if f.Channels == 1 {
		out = ToGray(out)
	}
	return out.withMeta(f)
}

// DrawPoints renders small filled circles at pts, for debugging detections.
func DrawPoints(f *Frame, pts []image.Point, radius float64) image.Image {
	dc := gg.NewContextForImage(f.ToImage())
	dc.SetRGB(1, 0, 0)
	for _, pt := range pts {
		dc.DrawPoint(float64(pt.X), float64(pt.Y), radius)
		dc.Fill()
	}
	return dc.Image()
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
