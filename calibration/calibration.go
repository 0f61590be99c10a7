// Package calibration persists camera calibrations, runs the chessboard calibration routines and
// caches the maps derived from a calibration for each frame resolution.
package calibration

import (
	"fmt"
	"image"

	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/stereocam/rimage/transform"
)

// Keys of the calibration files.
const (
	keyCameraMatrix = "cameraMatrix"
	keyDistCoeffs   = "distCoeffs"
	keyCMLeft       = "CMLeft"
	keyDLeft        = "DLeft"
	keyCMRight      = "CMRight"
	keyDRight       = "DRight"
	keyR            = "R"
	keyT            = "T"
	keyE            = "E"
	keyF            = "F"
)

// Mono is the calibration of a single camera.
type Mono struct {
	CameraMatrix transform.CameraMatrix
	DistCoeffs   transform.Distortion
}

// CheckValid rejects calibrations with non finite values or non positive focal lengths.
func (m *Mono) CheckValid() error {
	if err := m.CameraMatrix.CheckValid(); err != nil {
		return err
	}
	return m.DistCoeffs.CheckValid()
}

// Save writes the calibration to path. The format follows the extension: .yml/.yaml for OpenCV
// FileStorage YAML, .json for JSON.
func (m *Mono) Save(path string) error {
	fs := newFileStorage()
	fs.set(keyCameraMatrix, m.CameraMatrix.Dense())
	fs.set(keyDistCoeffs, mat.NewDense(transform.DistortionTerms, 1, m.DistCoeffs.Slice()))
	return errors.Wrapf(fs.write(path), "saving calibration to %q", path)
}

// String renders the calibration as a table.
func (m *Mono) String() string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Parameter", "Value"})
	t.AppendRow(table.Row{"camera matrix", formatCamera(m.CameraMatrix)})
	t.AppendRow(table.Row{"distortion", formatDistortion(m.DistCoeffs)})
	return t.Render()
}

// LoadMono reads a mono calibration. Nothing is returned unless every value was read and is valid.
func LoadMono(path string) (*Mono, error) {
	fs, err := readFileStorage(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading calibration %q", path)
	}
	m := &Mono{}
	if m.CameraMatrix, m.DistCoeffs, err = readCamera(fs, keyCameraMatrix, keyDistCoeffs); err != nil {
		return nil, errors.Wrapf(err, "loading calibration %q", path)
	}
	if err := m.CheckValid(); err != nil {
		return nil, errors.Wrapf(err, "loading calibration %q", path)
	}
	return m, nil
}

// Stereo is the calibration of a stereo pair. R and T map left camera coordinates into right
// camera coordinates; E and F are the essential and fundamental matrices.
type Stereo struct {
	CMLeft  transform.CameraMatrix
	DLeft   transform.Distortion
	CMRight transform.CameraMatrix
	DRight  transform.Distortion
	R       *mat.Dense
	T       r3.Vector
	E       *mat.Dense
	F       *mat.Dense
}

// Params returns the parameters rectification works from.
func (s *Stereo) Params() *transform.StereoParameters {
	return &transform.StereoParameters{
		Left:      s.CMLeft,
		LeftDist:  s.DLeft,
		Right:     s.CMRight,
		RightDist: s.DRight,
		R:         s.R,
		T:         s.T,
	}
}

// Clone returns a deep copy.
func (s *Stereo) Clone() *Stereo {
	out := *s
	for _, m := range []**mat.Dense{&out.R, &out.E, &out.F} {
		if *m != nil {
			*m = mat.DenseCopyOf(*m)
		}
	}
	return &out
}

// CheckValid rejects calibrations with non finite values, non positive focal lengths or a zero
// baseline.
func (s *Stereo) CheckValid() error {
	if err := s.Params().CheckValid(); err != nil {
		return err
	}
	if s.E != nil && !transform.AllFinite(s.E) {
		return errors.New("essential matrix is not finite")
	}
	if s.F != nil && !transform.AllFinite(s.F) {
		return errors.New("fundamental matrix is not finite")
	}
	return nil
}

// Save writes the calibration to path, see Mono.Save.
func (s *Stereo) Save(path string) error {
	fs := newFileStorage()
	fs.set(keyCMLeft, s.CMLeft.Dense())
	fs.set(keyDLeft, mat.NewDense(transform.DistortionTerms, 1, s.DLeft.Slice()))
	fs.set(keyCMRight, s.CMRight.Dense())
	fs.set(keyDRight, mat.NewDense(transform.DistortionTerms, 1, s.DRight.Slice()))
	fs.set(keyR, s.R)
	fs.set(keyT, mat.NewDense(3, 1, []float64{s.T.X, s.T.Y, s.T.Z}))
	if s.E != nil {
		fs.set(keyE, s.E)
	}
	if s.F != nil {
		fs.set(keyF, s.F)
	}
	return errors.Wrapf(fs.write(path), "saving calibration to %q", path)
}

// String renders the calibration as a table.
func (s *Stereo) String() string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Parameter", "Value"})
	t.AppendRow(table.Row{"left camera", formatCamera(s.CMLeft)})
	t.AppendRow(table.Row{"left distortion", formatDistortion(s.DLeft)})
	t.AppendRow(table.Row{"right camera", formatCamera(s.CMRight)})
	t.AppendRow(table.Row{"right distortion", formatDistortion(s.DRight)})
	if s.R != nil {
		om := transform.RotationToRodrigues(s.R)
		t.AppendRow(table.Row{"rotation (rodrigues)", fmt.Sprintf("%.5f %.5f %.5f", om.X, om.Y, om.Z)})
	}
	t.AppendRow(table.Row{"translation", fmt.Sprintf("%.5f %.5f %.5f", s.T.X, s.T.Y, s.T.Z)})
	t.AppendRow(table.Row{"baseline", fmt.Sprintf("%.5f", s.T.Norm())})
	return t.Render()
}

// LoadStereo reads a stereo calibration. Nothing is returned unless every value was read and is
// valid.
func LoadStereo(path string) (*Stereo, error) {
	fs, err := readFileStorage(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading stereo calibration %q", path)
	}
	s, err := readStereo(fs)
	if err != nil {
		return nil, errors.Wrapf(err, "loading stereo calibration %q", path)
	}
	return s, nil
}

func readStereo(fs *fileStorage) (*Stereo, error) {
	s := &Stereo{}
	var err error
	if s.CMLeft, s.DLeft, err = readCamera(fs, keyCMLeft, keyDLeft); err != nil {
		return nil, err
	}
	if s.CMRight, s.DRight, err = readCamera(fs, keyCMRight, keyDRight); err != nil {
		return nil, err
	}
	if s.R, err = fs.matrix(keyR, 3, 3); err != nil {
		return nil, err
	}
	t, err := fs.matrix(keyT, 3, 1)
	if err != nil {
		return nil, err
	}
	s.T = r3.Vector{X: t.At(0, 0), Y: t.At(1, 0), Z: t.At(2, 0)}
	if s.E, err = fs.matrix(keyE, 3, 3); err != nil {
		return nil, err
	}
	if s.F, err = fs.matrix(keyF, 3, 3); err != nil {
		return nil, err
	}
	if err := s.CheckValid(); err != nil {
		return nil, err
	}
	return s, nil
}

func readCamera(fs *fileStorage, cameraKey, distKey string) (transform.CameraMatrix, transform.Distortion, error) {
	km, err := fs.matrix(cameraKey, 3, 3)
	if err != nil {
		return transform.CameraMatrix{}, transform.Distortion{}, err
	}
	k, err := transform.CameraMatrixFromDense(km)
	if err != nil {
		return transform.CameraMatrix{}, transform.Distortion{}, err
	}
	dm, err := fs.matrix(distKey, transform.DistortionTerms, 1)
	if err != nil {
		return transform.CameraMatrix{}, transform.Distortion{}, err
	}
	d, err := transform.NewDistortion(mat.Col(nil, 0, dm))
	return k, d, err
}

// checkInRange verifies the principal point lies inside an image of the given size.
func checkInRange(k transform.CameraMatrix, size image.Point) error {
	if k.Ppx < 0 || k.Ppy < 0 || k.Ppx > float64(size.X) || k.Ppy > float64(size.Y) {
		return errors.Errorf("principal point (%.1f, %.1f) is outside the %dx%d image", k.Ppx, k.Ppy, size.X, size.Y)
	}
	return nil
}

func formatCamera(k transform.CameraMatrix) string {
	return fmt.Sprintf("fx=%.3f fy=%.3f cx=%.3f cy=%.3f", k.Fx, k.Fy, k.Ppx, k.Ppy)
}

func formatDistortion(d transform.Distortion) string {
	return fmt.Sprintf("%.5f", d.Slice())
}
