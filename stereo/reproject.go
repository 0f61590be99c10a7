package stereo

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/stereocam/pointcloud"
	"go.viam.com/stereocam/rimage"
)

// nearField is the coordinate magnitude a point must exceed on at least one axis to be kept.
const nearField = 10

// Reproject lifts the disparities inside rect to 3-D with the 4x4 disparity-to-depth matrix q,
// coloring every point from the same pixel of color. Zero disparities are skipped, as are points
// whose coordinates are all within nearField of the origin.
func Reproject(d *Disparity, q mat.Matrix, color *rimage.Frame, rect image.Rectangle) (*pointcloud.Cloud, error) {
	if r, c := q.Dims(); r != 4 || c != 4 {
		return nil, errors.Errorf("disparity-to-depth matrix must be 4x4, got %dx%d", r, c)
	}
	if color != nil && color.Size() != d.Size() {
		return nil, errors.Errorf("color frame is %v but disparity is %v", color.Size(), d.Size())
	}
	var qm [4][4]float64
	for i := range qm {
		for j := range qm[i] {
			qm[i][j] = q.At(i, j)
		}
	}

	rect = rect.Intersect(image.Rectangle{Max: d.Size()})
	cloud := pointcloud.New(rect.Dx() * rect.Dy())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			raw := d.At(x, y)
			if raw == 0 {
				continue
			}
			in := [4]float64{float64(x), float64(y), float64(raw) / DisparityScale, 1}
			var out [4]float64
			for i := range out {
				out[i] = qm[i][0]*in[0] + qm[i][1]*in[1] + qm[i][2]*in[2] + qm[i][3]*in[3]
			}
			px, py, pz := out[0]/out[3], out[1]/out[3], out[2]/out[3]
			if !(math.Abs(px) > nearField || math.Abs(py) > nearField || math.Abs(pz) > nearField) {
				continue
			}
			var c pointcloud.Color
			if color != nil {
				c.R, c.G, c.B = color.RGB(x, y)
			}
			cloud.Append(pointcloud.Point{X: float32(px), Y: float32(py), Z: float32(pz)}, c)
		}
	}
	return cloud, nil
}
