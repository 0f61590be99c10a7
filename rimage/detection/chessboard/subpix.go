package chessboard

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

const (
	refineMaxIterations = 20
	refineEpsilon       = 0.01
)

// refineCorners moves each corner to the point where the image gradients in the surrounding
// window are orthogonal to the vectors pointing back at it. Corners that would move out of their
// window keep their integer location.
func refineCorners(img *mat.Dense, corners []image.Point, win int) []r2.Point {
	h, w := img.Dims()
	gx := mat.NewDense(h, w, nil)
	gy := mat.NewDense(h, w, nil)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx.Set(y, x, (img.At(y, x+1)-img.At(y, x-1))*0.5)
			gy.Set(y, x, (img.At(y+1, x)-img.At(y-1, x))*0.5)
		}
	}

	sigma := math.Max(float64(win)*0.5, 1)
	weights := make([]float64, 0, (2*win+1)*(2*win+1))
	for dy := -win; dy <= win; dy++ {
		for dx := -win; dx <= win; dx++ {
			weights = append(weights, math.Exp(-float64(dx*dx+dy*dy)/(2*sigma*sigma)))
		}
	}

	out := make([]r2.Point, len(corners))
	for i, c := range corners {
		start := r2.Point{X: float64(c.X), Y: float64(c.Y)}
		q := start
		for iter := 0; iter < refineMaxIterations; iter++ {
			var a, b, cc, bx, by float64
			k := 0
			for dy := -win; dy <= win; dy++ {
				for dx := -win; dx <= win; dx++ {
					px, py := q.X+float64(dx), q.Y+float64(dy)
					wt := weights[k]
					k++
					ix, iy := bilinear(gx, px, py), bilinear(gy, px, py)
					gxx, gxy, gyy := wt*ix*ix, wt*ix*iy, wt*iy*iy
					a += gxx
					b += gxy
					cc += gyy
					bx += gxx*px + gxy*py
					by += gxy*px + gyy*py
				}
			}
			det := a*cc - b*b
			if math.Abs(det) < 1e-9 {
				break
			}
			next := r2.Point{X: (cc*bx - b*by) / det, Y: (a*by - b*bx) / det}
			moved := next.Sub(q).Norm()
			q = next
			if moved < refineEpsilon {
				break
			}
		}
		if d := q.Sub(start); math.Abs(d.X) > float64(win) || math.Abs(d.Y) > float64(win) || math.IsNaN(q.X) || math.IsNaN(q.Y) {
			q = start
		}
		out[i] = q
	}
	return out
}
