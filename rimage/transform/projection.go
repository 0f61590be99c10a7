package transform

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Pose is a rigid transform from object (board) coordinates into camera coordinates.
type Pose struct {
	Rvec r3.Vector
	Tvec r3.Vector
}

// Rotation returns the pose rotation matrix.
func (p Pose) Rotation() *mat.Dense {
	return Rodrigues(p.Rvec)
}

// Apply transforms an object point into camera coordinates.
func (p Pose) Apply(pt r3.Vector) r3.Vector {
	return mulVec(p.Rotation(), pt).Add(p.Tvec)
}

// ProjectPoints projects object points seen at pose through the camera model.
func ProjectPoints(objPts []r3.Vector, pose Pose, k CameraMatrix, d Distortion) []r2.Point {
	rot := pose.Rotation()
	out := make([]r2.Point, len(objPts))
	for i, pt := range objPts {
		out[i] = projectCamera(mulVec(rot, pt).Add(pose.Tvec), k, d)
	}
	return out
}

// projectCamera projects a point given in camera coordinates.
func projectCamera(pc r3.Vector, k CameraMatrix, d Distortion) r2.Point {
	x, y := pc.X/pc.Z, pc.Y/pc.Z
	xd, yd := d.Distort(x, y)
	return k.NormalizedToPixel(r2.Point{X: xd, Y: yd})
}

// UndistortPoints maps distorted pixels to ideal ones. The normalized undistorted point is rotated
// by rect (identity when nil) and projected with the left 3x3 block of newCam (normalized
// coordinates are returned when nil).
func UndistortPoints(pts []r2.Point, k CameraMatrix, d Distortion, rect, newCam *mat.Dense) []r2.Point {
	rr := eye(3)
	if rect != nil {
		rr.Copy(rect)
	}
	if newCam != nil {
		rr.Mul(newCam.Slice(0, 3, 0, 3), rr)
	}

	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		n := k.PixelToNormalized(p)
		x, y := d.Undistort(n.X, n.Y)
		v := mulVec(rr, r3.Vector{X: x, Y: y, Z: 1})
		out[i] = r2.Point{X: v.X / v.Z, Y: v.Y / v.Z}
	}
	return out
}
