package stereo

import (
	"image"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"

	"go.viam.com/stereocam/rimage"
)

// DisparityScale is the fixed point factor of raw disparity values.
const DisparityScale = 16

// Disparity is a fixed point disparity map: a stored value v means a disparity of
// v/DisparityScale pixels. Pixels without a match hold Invalid().
type Disparity struct {
	Width        int
	Height       int
	MinDisparity int
	Data         []int16
}

// NewDisparity returns a map with every pixel invalid.
func NewDisparity(width, height, minDisparity int) *Disparity {
	d := &Disparity{Width: width, Height: height, MinDisparity: minDisparity, Data: make([]int16, width*height)}
	inv := d.Invalid()
	for i := range d.Data {
		d.Data[i] = inv
	}
	return d
}

// Invalid is the value stored for pixels without a match.
func (d *Disparity) Invalid() int16 {
	return int16((d.MinDisparity - 1) * DisparityScale)
}

// Size returns the map dimensions.
func (d *Disparity) Size() image.Point {
	return image.Point{d.Width, d.Height}
}

// Bounds returns the rectangle covering the map.
func (d *Disparity) Bounds() image.Rectangle {
	return image.Rectangle{Max: d.Size()}
}

// At returns the raw value at (x, y).
func (d *Disparity) At(x, y int) int16 {
	return d.Data[y*d.Width+x]
}

// Set writes the raw value at (x, y).
func (d *Disparity) Set(x, y int, v int16) {
	d.Data[y*d.Width+x] = v
}

// Pixels returns the disparity at (x, y) in pixels and whether the pixel has a match.
func (d *Disparity) Pixels(x, y int) (float64, bool) {
	v := d.At(x, y)
	if v == d.Invalid() {
		return 0, false
	}
	return float64(v) / DisparityScale, true
}

// Crop copies the part of d inside r, clipped to the map.
func (d *Disparity) Crop(r image.Rectangle) *Disparity {
	r = r.Intersect(d.Bounds())
	out := &Disparity{Width: r.Dx(), Height: r.Dy(), MinDisparity: d.MinDisparity, Data: make([]int16, r.Dx()*r.Dy())}
	for y := 0; y < out.Height; y++ {
		src := d.Data[(r.Min.Y+y)*d.Width+r.Min.X:]
		copy(out.Data[y*out.Width:(y+1)*out.Width], src)
	}
	return out
}

// Visualize maps raw values to 8-bit gray as raw*255/(16*numDisparities), rounded and saturated.
// Invalid pixels come out black.
func Visualize(d *Disparity, numDisparities int) (*rimage.Frame, error) {
	if numDisparities <= 0 {
		return nil, errors.Errorf("number of disparities must be positive, got %d", numDisparities)
	}
	scale := 255 / float64(DisparityScale*numDisparities)
	out := rimage.NewFrame(d.Width, d.Height, 1)
	for i, v := range d.Data {
		out.Pix[i] = saturateByte(float64(v) * scale)
	}
	return out, nil
}

func saturateByte(v float64) byte {
	v = math.RoundToEven(v)
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return byte(v)
	}
}

// Colorize renders valid disparities with a hue ramp from far (orange) to near (blue) over
// [minDisparity, minDisparity+numDisparities). Invalid pixels are black.
func Colorize(d *Disparity, numDisparities int) (*rimage.Frame, error) {
	if numDisparities <= 0 {
		return nil, errors.Errorf("number of disparities must be positive, got %d", numDisparities)
	}
	out := rimage.NewFrame(d.Width, d.Height, 3)
	span := float64(numDisparities * DisparityScale)
	low := float64(d.MinDisparity * DisparityScale)
	inv := d.Invalid()
	for i, v := range d.Data {
		if v == inv {
			continue
		}
		ratio := math.Max(0, math.Min(1, (float64(v)-low)/span))
		c := colorful.Hsv(30+200*ratio, 1, 1)
		r, g, b := c.RGB255()
		out.Pix[3*i], out.Pix[3*i+1], out.Pix[3*i+2] = r, g, b
	}
	return out, nil
}
