// Package testutils renders synthetic camera views for tests.
package testutils

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/rimage/transform"
	"go.viam.com/stereocam/utils"
)

// Camera is an ideal camera to render with.
type Camera struct {
	K    transform.CameraMatrix
	D    transform.Distortion
	Size image.Point
}

// Board is a chessboard with Cols x Rows inner corners. Corner (0, 0) sits at the board origin.
type Board struct {
	Cols, Rows int
	Square     float64
}

// Corners returns the inner corners in board coordinates.
func (b Board) Corners() []r3.Vector {
	return transform.ChessboardObjectPoints(b.Cols, b.Rows, b.Square)
}

const (
	blackLevel      = 25
	whiteLevel      = 230
	backgroundLevel = 120
)

// offsets of the 2x2 supersampling grid
var subSamples = []r2.Point{{X: -0.25, Y: -0.25}, {X: 0.25, Y: -0.25}, {X: -0.25, Y: 0.25}, {X: 0.25, Y: 0.25}}

// rayPlane intersects the camera ray through the normalized point n with the plane whose points
// satisfy normal·X = offset, in camera coordinates.
func rayPlane(n r2.Point, normal r3.Vector, offset float64) (r3.Vector, bool) {
	d := r3.Vector{X: n.X, Y: n.Y, Z: 1}
	den := normal.Dot(d)
	if math.Abs(den) < 1e-12 {
		return r3.Vector{}, false
	}
	lambda := offset / den
	if lambda <= 0 {
		return r3.Vector{}, false
	}
	return d.Mul(lambda), true
}

func render(cam Camera, channels int, shade func(n r2.Point) float64) *rimage.Frame {
	f := rimage.NewFrame(cam.Size.X, cam.Size.Y, channels)
	utils.ParallelForEachRow(cam.Size.Y, func(from, to int) {
		for y := from; y < to; y++ {
			row := f.Row(y)
			for x := 0; x < cam.Size.X; x++ {
				sum := 0.0
				for _, s := range subSamples {
					p := cam.K.PixelToNormalized(r2.Point{X: float64(x) + s.X, Y: float64(y) + s.Y})
					ux, uy := cam.D.Undistort(p.X, p.Y)
					sum += shade(r2.Point{X: ux, Y: uy})
				}
				v := byte(math.Round(sum / float64(len(subSamples))))
				for c := 0; c < channels; c++ {
					row[x*channels+c] = v
				}
			}
		}
	})
	return f
}

// RenderChessboard renders board seen at pose, with a white margin of one square around the
// squares and a gray background.
func RenderChessboard(cam Camera, board Board, pose transform.Pose, channels int) *rimage.Frame {
	rot := pose.Rotation()
	var rt mat.Dense
	rt.CloneFrom(rot.T())
	normal := r3.Vector{X: rot.At(0, 2), Y: rot.At(1, 2), Z: rot.At(2, 2)}
	offset := normal.Dot(pose.Tvec)

	minX, minY := -2*board.Square, -2*board.Square
	maxX, maxY := float64(board.Cols+1)*board.Square, float64(board.Rows+1)*board.Square

	return render(cam, channels, func(n r2.Point) float64 {
		pc, ok := rayPlane(n, normal, offset)
		if !ok {
			return backgroundLevel
		}
		pb := rotate(&rt, pc.Sub(pose.Tvec))
		if pb.X < minX || pb.Y < minY || pb.X > maxX || pb.Y > maxY {
			return backgroundLevel
		}
		ix := math.Floor(pb.X / board.Square)
		iy := math.Floor(pb.Y / board.Square)
		if ix < -1 || iy < -1 || ix > float64(board.Cols-1) || iy > float64(board.Rows-1) {
			return whiteLevel
		}
		if int(ix+iy)%2 == 0 {
			return blackLevel
		}
		return whiteLevel
	})
}

// RenderStereoChessboard renders the same board from both cameras of a stereo pair. pose is the
// board pose in the left camera.
func RenderStereoChessboard(params *transform.StereoParameters, size image.Point, board Board, pose transform.Pose, channels int) (*rimage.Frame, *rimage.Frame) {
	var rr mat.Dense
	rr.Mul(params.R, pose.Rotation())
	right := transform.Pose{
		Rvec: transform.RotationToRodrigues(&rr),
		Tvec: rotate(params.R, pose.Tvec).Add(params.T),
	}

	left := RenderChessboard(Camera{K: params.Left, D: params.LeftDist, Size: size}, board, pose, channels)
	rightFrame := RenderChessboard(Camera{K: params.Right, D: params.RightDist, Size: size}, board, right, channels)
	return left, rightFrame
}

func rotate(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// TextureCell is the size of one texture cell of the plane scenes, in meters.
const TextureCell = 0.004

// planeTexture is a deterministic noise pattern over plane coordinates.
func planeTexture(x, y float64) float64 {
	ix := int64(math.Floor(x / TextureCell))
	iy := int64(math.Floor(y / TextureCell))
	h := uint64(ix*73856093) ^ uint64(iy*19349663)
	h ^= h >> 13
	h *= 0x5bd1e995
	h ^= h >> 15
	return float64(40 + h%176)
}

// RenderStereoPlane renders a fronto-parallel textured plane at depth meters in front of the left
// camera, as seen by both cameras of params.
func RenderStereoPlane(params *transform.StereoParameters, size image.Point, depth float64, channels int) (*rimage.Frame, *rimage.Frame) {
	left := render(Camera{K: params.Left, D: params.LeftDist, Size: size}, channels, func(n r2.Point) float64 {
		return planeTexture(n.X*depth, n.Y*depth)
	})

	// the plane z = depth in left coordinates, expressed in right coordinates
	normal := r3.Vector{X: params.R.At(0, 2), Y: params.R.At(1, 2), Z: params.R.At(2, 2)}
	offset := depth + normal.Dot(params.T)
	right := render(Camera{K: params.Right, D: params.RightDist, Size: size}, channels, func(n r2.Point) float64 {
		pr, ok := rayPlane(n, normal, offset)
		if !ok {
			return backgroundLevel
		}
		d := pr.Sub(params.T)
		xl := params.R.At(0, 0)*d.X + params.R.At(1, 0)*d.Y + params.R.At(2, 0)*d.Z
		yl := params.R.At(0, 1)*d.X + params.R.At(1, 1)*d.Y + params.R.At(2, 1)*d.Z
		return planeTexture(xl, yl)
	})
	return left, right
}

// TestStereoParameters is a plausible 6 cm baseline rig for 320x240 frames.
func TestStereoParameters() *transform.StereoParameters {
	return &transform.StereoParameters{
		Left:      transform.CameraMatrix{Fx: 300, Fy: 300, Ppx: 161, Ppy: 118},
		LeftDist:  transform.Distortion{-0.08, 0.02},
		Right:     transform.CameraMatrix{Fx: 300, Fy: 300, Ppx: 158, Ppy: 121},
		RightDist: transform.Distortion{-0.06, 0.01},
		R:         transform.Rodrigues(r3.Vector{X: 0.004, Y: 0.01, Z: -0.003}),
		T:         r3.Vector{X: -0.06, Y: 0.0005, Z: 0.001},
	}
}
