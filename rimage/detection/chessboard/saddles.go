package chessboard

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/utils"
)

// SaddleConfiguration stores the parameters to process the Hessian determinant image into a relevant saddle points map.
type SaddleConfiguration struct {
	BlurSigma      float64 `json:"blur-sigma"`      // gaussian blur applied before differentiating
	ScoreThreshold float64 `json:"score-threshold"` // fraction of the strongest saddle score a point must reach
	NMSWindowSize  int     `json:"win-size"`        // window size for non-maximum suppression
	RingRadius     float64 `json:"ring-radius"`     // radius of the circle sampled around each candidate
	MinContrast    float64 `json:"min-contrast"`    // minimum gray level spread on that circle
}

// DefaultSaddleConf stores the default parameters for saddle detection.
var DefaultSaddleConf = SaddleConfiguration{
	BlurSigma:      1,
	ScoreThreshold: 0.05,
	NMSWindowSize:  3,
	RingRadius:     4,
	MinContrast:    30,
}

var (
	sobelX = [3][3]float64{{-1, 0, 1}, {-2, 0, 2}, {-1, 0, 1}}
	sobelY = [3][3]float64{{-1, -2, -1}, {0, 0, 0}, {1, 2, 1}}
)

// luminance converts f to a float gray image, blurred with a gaussian of the given sigma when it
// is positive.
func luminance(f *rimage.Frame, sigma float64) *mat.Dense {
	gray := rimage.ToGray(f)
	out := mat.NewDense(gray.Height, gray.Width, nil)
	if sigma <= 0 {
		for y := 0; y < gray.Height; y++ {
			for x, v := range gray.Row(y) {
				out.Set(y, x, float64(v))
			}
		}
		return out
	}
	blurred := imaging.Blur(gray.ToImage(), sigma)
	for y := 0; y < gray.Height; y++ {
		row := blurred.Pix[y*blurred.Stride:]
		for x := 0; x < gray.Width; x++ {
			out.Set(y, x, float64(row[4*x]))
		}
	}
	return out
}

// convolve3 convolves img with a 3x3 kernel, replicating the border.
func convolve3(img *mat.Dense, k *[3][3]float64) *mat.Dense {
	h, w := img.Dims()
	src := img.RawMatrix()
	out := mat.NewDense(h, w, nil)
	dst := out.RawMatrix()
	clamp := func(v, hi int) int {
		if v < 0 {
			return 0
		}
		if v >= hi {
			return hi - 1
		}
		return v
	}
	utils.ParallelForEachRow(h, func(from, to int) {
		for y := from; y < to; y++ {
			for x := 0; x < w; x++ {
				sum := 0.
				for ky := -1; ky <= 1; ky++ {
					row := clamp(y+ky, h) * src.Stride
					for kx := -1; kx <= 1; kx++ {
						sum += k[ky+1][kx+1] * src.Data[row+clamp(x+kx, w)]
					}
				}
				dst.Data[y*dst.Stride+x] = sum
			}
		}
	})
	return out
}

// computePixelWiseHessianDeterminant computes hessian components for each pixel and returns a *mat.Dense containing
// the value of the determinant of the Hessian for each pixel.
// The sign and value of the determinant of the Hessian gives location of saddle points.
func computePixelWiseHessianDeterminant(img *mat.Dense) *mat.Dense {
	gX := convolve3(img, &sobelX)
	gY := convolve3(img, &sobelY)
	gXX := convolve3(gX, &sobelX)
	gYY := convolve3(gY, &sobelY)
	gXY := convolve3(gX, &sobelY)

	r, c := img.Dims()
	m1 := mat.NewDense(r, c, nil)
	m2 := mat.NewDense(r, c, nil)
	out := mat.NewDense(r, c, nil)
	m1.MulElem(gXX, gYY)
	m2.MulElem(gXY, gXY)
	out.Sub(m1, m2)
	return out
}

// NonMaxSuppression keeps the points of img that reach thresh and are the maximum of the
// (2*winSize+1)^2 window around them. Ties go to the first point in row order.
func NonMaxSuppression(img *mat.Dense, winSize int, thresh float64) *mat.Dense {
	h, w := img.Dims()
	imgSup := mat.NewDense(h, w, nil)
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			v := img.At(i, j)
			if v <= 0 || v < thresh {
				continue
			}
			isMax := true
			for ii := max(0, i-winSize); ii < min(h, i+winSize+1) && isMax; ii++ {
				for jj := max(0, j-winSize); jj < min(w, j+winSize+1); jj++ {
					other := img.At(ii, jj)
					if other > v || (other == v && (ii < i || (ii == i && jj < j))) {
						isMax = false
						break
					}
				}
			}
			if isMax {
				imgSup.Set(i, j, v)
			}
		}
	}
	return imgSup
}

// GetSaddleMapPoints gets a saddle score map and the saddle points that look like chessboard
// corners: local maxima of the score whose surrounding circle alternates dark, bright, dark, bright.
func GetSaddleMapPoints(img *mat.Dense, conf *SaddleConfiguration) (*mat.Dense, []image.Point) {
	hessian := computePixelWiseHessianDeterminant(img)
	// saddle points are points where determinant of hessian is <0
	// for better readability, using negative determinant of Hessian
	hessian.Scale(-1.0, hessian)
	saddleMap := mat.NewDense(hessian.RawMatrix().Rows, hessian.RawMatrix().Cols, nil)
	saddleMap.Apply(func(_, _ int, v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	}, hessian)

	maxScore := mat.Max(saddleMap)
	if maxScore <= 0 {
		return saddleMap, nil
	}
	nms := NonMaxSuppression(saddleMap, conf.NMSWindowSize, conf.ScoreThreshold*maxScore)

	h, w := img.Dims()
	border := int(math.Ceil(conf.RingRadius)) + 1
	var saddlePoints []image.Point
	for y := border; y < h-border; y++ {
		for x := border; x < w-border; x++ {
			if nms.At(y, x) > 0 && isXJunction(img, float64(x), float64(y), conf) {
				saddlePoints = append(saddlePoints, image.Point{x, y})
			}
		}
	}
	return saddleMap, saddlePoints
}

const ringSamples = 24

// isXJunction samples a circle around (x, y) and checks that it crosses exactly four
// dark/bright boundaries.
func isXJunction(img *mat.Dense, x, y float64, conf *SaddleConfiguration) bool {
	var samples [ringSamples]float64
	lo, hi, mean := math.MaxFloat64, -math.MaxFloat64, 0.
	for k := range samples {
		angle := 2 * math.Pi * float64(k) / ringSamples
		v := bilinear(img, x+conf.RingRadius*math.Cos(angle), y+conf.RingRadius*math.Sin(angle))
		samples[k] = v
		lo, hi = math.Min(lo, v), math.Max(hi, v)
		mean += v
	}
	mean /= ringSamples
	if hi-lo < conf.MinContrast {
		return false
	}

	band := 0.15 * (hi - lo)
	labels := make([]int, 0, ringSamples)
	for _, v := range samples {
		switch {
		case v > mean+band:
			labels = append(labels, 1)
		case v < mean-band:
			labels = append(labels, -1)
		}
	}
	if len(labels) < 4 {
		return false
	}
	transitions := 0
	for k, l := range labels {
		if l != labels[(k+1)%len(labels)] {
			transitions++
		}
	}
	return transitions == 4
}

// bilinear samples m at a subpixel location, clamping to the border.
func bilinear(m *mat.Dense, x, y float64) float64 {
	h, w := m.Dims()
	x = math.Max(0, math.Min(x, float64(w-1)))
	y = math.Max(0, math.Min(y, float64(h-1)))
	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	fx, fy := x-float64(x0), y-float64(y0)
	top := m.At(y0, x0)*(1-fx) + m.At(y0, x1)*fx
	bottom := m.At(y1, x0)*(1-fx) + m.At(y1, x1)*fx
	return top*(1-fy) + bottom*fy
}
