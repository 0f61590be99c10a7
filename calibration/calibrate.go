package calibration

import (
	"context"
	"image"
	"math"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/stereocam/logging"
	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/rimage/detection/chessboard"
	"go.viam.com/stereocam/rimage/transform"
	"go.viam.com/stereocam/utils"
)

// FilePrefix names calibration files written by the routines.
const FilePrefix = "calib-data"

// Options configures the chessboard calibration routines.
type Options struct {
	// SquareSize is the side of a board square, in the unit the results are wanted in.
	SquareSize float64
	// Cols and Rows count the inner corners of the board.
	Cols, Rows int
	Detection  chessboard.DetectionConfiguration
	// DebugDir, when set, receives a copy of every input image with its detection drawn on it.
	DebugDir string
}

// DefaultOptions returns options for a board of cols x rows inner corners.
func DefaultOptions(squareSize float64, cols, rows int) Options {
	return Options{SquareSize: squareSize, Cols: cols, Rows: rows, Detection: chessboard.DefaultDetectionConf}
}

// Validate checks the board description.
func (o Options) Validate() error {
	if o.SquareSize <= 0 || math.IsNaN(o.SquareSize) || math.IsInf(o.SquareSize, 0) {
		return errors.Errorf("square size must be positive, got %v", o.SquareSize)
	}
	if o.Cols < 2 || o.Rows < 2 {
		return errors.Errorf("board must have at least 2x2 inner corners, got %dx%d", o.Cols, o.Rows)
	}
	return nil
}

type detection struct {
	path    string
	size    image.Point
	corners []r2.Point
	found   bool
}

// detectAll looks for the board in every image, concurrently. Unreadable images count as images
// without a board.
func detectAll(ctx context.Context, logger logging.Logger, opts Options, paths []string) ([]detection, error) {
	if opts.DebugDir != "" {
		if err := utils.EnsureDir(opts.DebugDir); err != nil {
			return nil, err
		}
	}
	out := make([]detection, len(paths))
	pattern := image.Point{opts.Cols, opts.Rows}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i].path = path
			frame, err := rimage.ReadFile(path)
			if err != nil {
				logger.Warnw("cannot read calibration image", "path", path, "error", err)
				return nil
			}
			out[i].size = frame.Size()
			corners, found, err := chessboard.FindChessboard(frame, pattern, opts.Detection)
			if err != nil {
				logger.Warnw("chessboard detection failed", "path", path, "error", err)
				return nil
			}
			out[i].corners, out[i].found = corners, found
			logger.Debugw("chessboard detection", "path", path, "found", found)
			if opts.DebugDir != "" {
				drawn := chessboard.DrawChessboardCorners(frame, pattern, corners, found)
				debugPath := filepath.Join(opts.DebugDir, "corners-"+filepath.Base(path)+".png")
				if err := rimage.WriteFile(debugPath, drawn); err != nil {
					logger.Warnw("cannot write detection image", "path", debugPath, "error", err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// MonoResult is the outcome of CalibrateMono.
type MonoResult struct {
	Mono
	RMS           float64
	PerViewErrors []float64
	ImageSize     image.Point
	// Used lists the images a board was found in.
	Used []string
}

// CalibrateMono detects the board in every image and solves for the camera matrix and
// distortion. k4, k5 and k6 stay zero. It fails when no board is found or when the solution is
// not finite or out of range.
func CalibrateMono(ctx context.Context, logger logging.Logger, opts Options, paths []string) (*MonoResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	dets, err := detectAll(ctx, logger, opts, paths)
	if err != nil {
		return nil, err
	}

	board := transform.ChessboardObjectPoints(opts.Cols, opts.Rows, opts.SquareSize)
	res := &MonoResult{}
	var objPts [][]r3.Vector
	var imgPts [][]r2.Point
	for _, d := range dets {
		if !d.found {
			continue
		}
		if res.ImageSize == (image.Point{}) {
			res.ImageSize = d.size
		} else if d.size != res.ImageSize {
			return nil, errors.Errorf("image %q is %v but earlier images are %v", d.path, d.size, res.ImageSize)
		}
		objPts = append(objPts, board)
		imgPts = append(imgPts, d.corners)
		res.Used = append(res.Used, d.path)
	}
	if len(imgPts) == 0 {
		return nil, errors.Errorf("no %dx%d chessboard found in any of the %d images", opts.Cols, opts.Rows, len(paths))
	}
	logger.Infow("calibrating camera", "images", len(paths), "boards", len(imgPts))

	solved, err := transform.CalibrateCamera(ctx, objPts, imgPts, res.ImageSize,
		transform.CameraMatrix{}, transform.Distortion{}, transform.CalibFixK4|transform.CalibFixK5)
	if err != nil {
		return nil, err
	}
	res.Mono = Mono{CameraMatrix: solved.CameraMatrix, DistCoeffs: solved.Distortion}
	if err := res.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "calibration is not valid")
	}
	if err := checkInRange(res.CameraMatrix, res.ImageSize); err != nil {
		return nil, errors.Wrap(err, "calibration is not valid")
	}
	res.RMS, res.PerViewErrors = solved.RMS, solved.PerViewErrors
	logReprojection(logger, res.RMS, res.PerViewErrors)
	return res, nil
}

// StereoResult is the outcome of CalibrateStereo.
type StereoResult struct {
	Stereo
	RMS float64
	// EpipolarError is the mean distance, in pixels, between the undistorted corners and the
	// epipolar lines of their matches.
	EpipolarError float64
	ImageSize     image.Point
	Pairs         int
}

// StereoFlags are the constraints of the joint stereo solve: fixed aspect ratio, no tangential
// distortion, a focal length shared by both cameras and only k1, k2 and k6 free among the
// distortion terms.
const StereoFlags = transform.CalibFixAspectRatio | transform.CalibZeroTangentDist |
	transform.CalibUseIntrinsicGuess | transform.CalibSameFocalLength | transform.CalibRationalModel |
	transform.CalibFixK3 | transform.CalibFixK4 | transform.CalibFixK5

// CalibrateStereo detects the board in every left/right image pair and solves for both cameras
// and the transform between them. Only pairs with a board found in both images are used.
func CalibrateStereo(ctx context.Context, logger logging.Logger, opts Options, leftPaths, rightPaths []string) (*StereoResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(leftPaths) != len(rightPaths) {
		return nil, errors.Errorf("got %d left images but %d right images", len(leftPaths), len(rightPaths))
	}

	var left, right []detection
	var mu sync.Mutex
	err := utils.RunInParallel(ctx, []utils.SimpleFunc{
		func(ctx context.Context) error {
			dets, err := detectAll(ctx, logger.Sublogger("left"), opts, leftPaths)
			mu.Lock()
			left = dets
			mu.Unlock()
			return err
		},
		func(ctx context.Context) error {
			dets, err := detectAll(ctx, logger.Sublogger("right"), opts, rightPaths)
			mu.Lock()
			right = dets
			mu.Unlock()
			return err
		},
	})
	if err != nil {
		return nil, err
	}

	board := transform.ChessboardObjectPoints(opts.Cols, opts.Rows, opts.SquareSize)
	res := &StereoResult{}
	var objPts [][]r3.Vector
	var leftPts, rightPts [][]r2.Point
	for i := range left {
		if !left[i].found || !right[i].found {
			continue
		}
		for _, d := range []detection{left[i], right[i]} {
			if res.ImageSize == (image.Point{}) {
				res.ImageSize = d.size
			} else if d.size != res.ImageSize {
				return nil, errors.Errorf("image %q is %v but earlier images are %v", d.path, d.size, res.ImageSize)
			}
		}
		objPts = append(objPts, board)
		leftPts = append(leftPts, left[i].corners)
		rightPts = append(rightPts, right[i].corners)
	}
	res.Pairs = len(objPts)
	if res.Pairs == 0 {
		return nil, errors.Errorf("no %dx%d chessboard found in both images of any of the %d pairs", opts.Cols, opts.Rows, len(leftPaths))
	}
	logger.Infow("calibrating stereo pair", "pairs", len(leftPaths), "usable", res.Pairs)

	guess := transform.StereoParameters{}
	if guess.Left, err = transform.InitCameraMatrix(objPts, leftPts, res.ImageSize, 0); err != nil {
		return nil, errors.Wrap(err, "initializing left camera")
	}
	if guess.Right, err = transform.InitCameraMatrix(objPts, rightPts, res.ImageSize, 0); err != nil {
		return nil, errors.Wrap(err, "initializing right camera")
	}

	solved, err := transform.StereoCalibrate(ctx, objPts, leftPts, rightPts, res.ImageSize, guess, StereoFlags)
	if err != nil {
		return nil, err
	}
	res.Stereo = Stereo{
		CMLeft:  solved.Left,
		DLeft:   solved.LeftDist,
		CMRight: solved.Right,
		DRight:  solved.RightDist,
		R:       solved.R,
		T:       solved.T,
		E:       solved.E,
		F:       solved.F,
	}
	if err := res.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "stereo calibration is not valid")
	}
	for _, k := range []transform.CameraMatrix{res.CMLeft, res.CMRight} {
		if err := checkInRange(k, res.ImageSize); err != nil {
			return nil, errors.Wrap(err, "stereo calibration is not valid")
		}
	}
	res.RMS = solved.RMS
	res.EpipolarError = epipolarError(&res.Stereo, leftPts, rightPts)
	logger.Infow("stereo calibration done", "rms", res.RMS, "epipolar_error", res.EpipolarError, "baseline", res.T.Norm())
	return res, nil
}

// epipolarError measures how far each undistorted corner lies from the epipolar line of its
// match, in both directions.
func epipolarError(s *Stereo, leftPts, rightPts [][]r2.Point) float64 {
	var dists []float64
	var ft mat.Dense
	ft.CloneFrom(s.F.T())
	lineDist := func(f mat.Matrix, from, to r2.Point) float64 {
		a := f.At(0, 0)*from.X + f.At(0, 1)*from.Y + f.At(0, 2)
		b := f.At(1, 0)*from.X + f.At(1, 1)*from.Y + f.At(1, 2)
		c := f.At(2, 0)*from.X + f.At(2, 1)*from.Y + f.At(2, 2)
		n := math.Hypot(a, b)
		if n == 0 {
			return 0
		}
		return math.Abs(a*to.X+b*to.Y+c) / n
	}
	for i := range leftPts {
		ul := transform.UndistortPoints(leftPts[i], s.CMLeft, s.DLeft, nil, s.CMLeft.Dense())
		ur := transform.UndistortPoints(rightPts[i], s.CMRight, s.DRight, nil, s.CMRight.Dense())
		for j := range ul {
			dists = append(dists, lineDist(s.F, ul[j], ur[j]), lineDist(&ft, ur[j], ul[j]))
		}
	}
	mean, err := stats.Mean(dists)
	if err != nil {
		return math.NaN()
	}
	return mean
}

func logReprojection(logger logging.Logger, rms float64, perView []float64) {
	worst, _ := stats.Max(perView)
	median, _ := stats.Median(perView)
	logger.Infow("calibration done", "rms", rms, "median_view_error", median, "worst_view_error", worst)
}

// WriteTimestamped saves a calibration as dir/calib-data-<timestamp>.yml and returns the path.
func WriteTimestamped(dir string, calib interface{ Save(string) error }, now time.Time) (string, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return "", err
	}
	path := filepath.Join(dir, utils.TimestampFileName(FilePrefix, "yml", now))
	if err := calib.Save(path); err != nil {
		return "", err
	}
	return path, nil
}
