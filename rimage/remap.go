package rimage

import (
	"image"
	"math"

	"github.com/pkg/errors"

	"go.viam.com/stereocam/utils"
)

// RemapTable holds, for every destination pixel, the source coordinate to sample from.
// Coordinates outside the source image sample as black.
type RemapTable struct {
	Width  int
	Height int
	X      []float32
	Y      []float32
}

// NewRemapTable allocates an identity-free (all zero) table.
func NewRemapTable(width, height int) *RemapTable {
	return &RemapTable{
		Width:  width,
		Height: height,
		X:      make([]float32, width*height),
		Y:      make([]float32, width*height),
	}
}

// Size returns the destination size of the table.
func (m *RemapTable) Size() image.Point {
	return image.Point{m.Width, m.Height}
}

// Equal reports whether both tables are identical.
func (m *RemapTable) Equal(other *RemapTable) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.Width != other.Width || m.Height != other.Height {
		return false
	}
	for i := range m.X {
		if m.X[i] != other.X[i] || m.Y[i] != other.Y[i] {
			return false
		}
	}
	return true
}

// Remap samples src at the table coordinates with bilinear interpolation.
func Remap(src *Frame, table *RemapTable) (*Frame, error) {
	if table == nil || len(table.X) != table.Width*table.Height || len(table.Y) != len(table.X) {
		return nil, errors.New("malformed remap table")
	}
	out := NewFrame(table.Width, table.Height, src.Channels).withMeta(src)
	ch := src.Channels
	maxX, maxY := src.Width-1, src.Height-1

	utils.ParallelForEachRow(table.Height, func(from, to int) {
		for v := from; v < to; v++ {
			dst := out.Row(v)
			for u := 0; u < table.Width; u++ {
				sx := float64(table.X[v*table.Width+u])
				sy := float64(table.Y[v*table.Width+u])
				if sx < 0 || sy < 0 || sx > float64(maxX) || sy > float64(maxY) || math.IsNaN(sx) || math.IsNaN(sy) {
					continue
				}
				x0, y0 := int(sx), int(sy)
				x1, y1 := x0+1, y0+1
				if x1 > maxX {
					x1 = maxX
				}
				if y1 > maxY {
					y1 = maxY
				}
				ax, ay := sx-float64(x0), sy-float64(y0)
				r0 := src.Pix[y0*src.Stride:]
				r1 := src.Pix[y1*src.Stride:]
				for c := 0; c < ch; c++ {
					top := float64(r0[x0*ch+c])*(1-ax) + float64(r0[x1*ch+c])*ax
					bottom := float64(r1[x0*ch+c])*(1-ax) + float64(r1[x1*ch+c])*ax
					dst[u*ch+c] = byte(math.Round(top*(1-ay) + bottom*ay))
				}
			}
		}
	})
	return out, nil
}
