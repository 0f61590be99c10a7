package chessboard

import (
	"image"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"
	"github.com/lucasb-eyer/go-colorful"

	"go.viam.com/stereocam/rimage"
)

// DrawChessboardCorners returns a color copy of f with the detected corners drawn on it. A found
// board is drawn as one colored polyline per row, anything else as red circles.
func DrawChessboardCorners(f *rimage.Frame, patternSize image.Point, corners []r2.Point, found bool) *rimage.Frame {
	dc := gg.NewContextForImage(rimage.ToRGB(f).ToImage())
	dc.SetLineWidth(1.5)
	if !found || len(corners) != patternSize.X*patternSize.Y {
		dc.SetRGB(1, 0, 0)
		for _, c := range corners {
			dc.DrawCircle(c.X, c.Y, 4)
			dc.Stroke()
		}
		return rimage.FrameFromImage(dc.Image())
	}

	for r := 0; r < patternSize.Y; r++ {
		dc.SetColor(colorful.Hsv(360*float64(r)/float64(patternSize.Y), 1, 1))
		row := corners[r*patternSize.X : (r+1)*patternSize.X]
		for i, c := range row {
			dc.DrawCircle(c.X, c.Y, 4)
			dc.Stroke()
			if i > 0 {
				dc.DrawLine(row[i-1].X, row[i-1].Y, c.X, c.Y)
				dc.Stroke()
			}
		}
		if r > 0 {
			prev := corners[r*patternSize.X-1]
			dc.DrawLine(prev.X, prev.Y, row[0].X, row[0].Y)
			dc.Stroke()
		}
	}
	return rimage.FrameFromImage(dc.Image())
}

// PlotSaddleMap plots saddle points on a black image of the given size.
func PlotSaddleMap(saddlePoints []image.Point, size image.Point) image.Image {
	dc := gg.NewContext(size.X, size.Y)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	dc.SetRGB(1, 0, 0)
	for _, pt := range saddlePoints {
		dc.DrawPoint(float64(pt.X), float64(pt.Y), 2.5)
		dc.Fill()
	}
	return dc.Image()
}
