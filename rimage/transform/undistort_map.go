package transform

import (
	"image"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/utils"
)

// InitUndistortRectifyMap builds the table that resamples a distorted source image into the view
// of an ideal camera rotated by rot (identity when nil) with projection proj (k when nil).
func InitUndistortRectifyMap(k CameraMatrix, d Distortion, rot, proj *mat.Dense, size image.Point) (*rimage.RemapTable, error) {
	if err := k.CheckValid(); err != nil {
		return nil, err
	}
	if err := d.CheckValid(); err != nil {
		return nil, err
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, errors.Errorf("invalid map size %v", size)
	}
	if rot == nil {
		rot = eye(3)
	}
	var newCam mat.Matrix = k.Dense()
	if proj != nil {
		newCam = proj.Slice(0, 3, 0, 3)
	}

	var pr, ir mat.Dense
	pr.Mul(newCam, rot)
	if err := ir.Inverse(&pr); err != nil {
		return nil, errors.Wrap(err, "rectifying transform is singular")
	}
	var m [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[3*i+j] = ir.At(i, j)
		}
	}

	table := rimage.NewRemapTable(size.X, size.Y)
	utils.ParallelForEachRow(size.Y, func(from, to int) {
		for v := from; v < to; v++ {
			fv := float64(v)
			x0, y0, w0 := fv*m[1]+m[2], fv*m[4]+m[5], fv*m[7]+m[8]
			row := v * size.X
			for u := 0; u < size.X; u++ {
				fu := float64(u)
				x, y, w := x0+fu*m[0], y0+fu*m[3], w0+fu*m[6]
				if w == 0 {
					w = 1
				}
				xd, yd := d.Distort(x/w, y/w)
				table.X[row+u] = float32(k.Fx*xd + k.Ppx)
				table.Y[row+u] = float32(k.Fy*yd + k.Ppy)
			}
		}
	})
	return table, nil
}

// Rectification bundles everything needed to turn a raw stereo pair into a row aligned pair.
type Rectification struct {
	Size      image.Point
	Left      *rimage.RemapTable
	Right     *rimage.RemapTable
	CommonROI image.Rectangle
	RectifyResult
}

// NewRectification rectifies params for frames of the given size with every source pixel kept and
// zero disparity at infinity.
func NewRectification(params *StereoParameters, size image.Point) (*Rectification, error) {
	res, err := StereoRectify(params, size, 1, RectifyZeroDisparity)
	if err != nil {
		return nil, errors.Wrap(err, "rectifying stereo pair")
	}
	left, err := InitUndistortRectifyMap(params.Left, params.LeftDist, res.R1, res.P1, size)
	if err != nil {
		return nil, errors.Wrap(err, "left rectification map")
	}
	right, err := InitUndistortRectifyMap(params.Right, params.RightDist, res.R2, res.P2, size)
	if err != nil {
		return nil, errors.Wrap(err, "right rectification map")
	}
	return &Rectification{
		Size:          size,
		Left:          left,
		Right:         right,
		CommonROI:     res.ROI1.Intersect(res.ROI2),
		RectifyResult: *res,
	}, nil
}

// NewUndistortion returns the map that removes lens distortion while keeping the camera matrix.
func NewUndistortion(k CameraMatrix, d Distortion, size image.Point) (*rimage.RemapTable, error) {
	return InitUndistortRectifyMap(k, d, nil, nil, size)
}
