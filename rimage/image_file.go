package rimage

import (
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"github.com/xfmoulet/qoi"
	"go.uber.org/multierr"

	"go.viam.com/stereocam/utils"
)

// WriteFile encodes f to path, choosing the codec by extension: .png (default), .jpg/.jpeg, .ppm
// or .qoi. Parent directories are created as needed.
func WriteFile(path string, f *Frame) (err error) {
	if f.Empty() {
		return errors.Errorf("refusing to write empty frame to %q", path)
	}
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	//nolint:gosec
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	defer func() {
		err = multierr.Combine(err, file.Close())
	}()

	img := f.ToImage()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 95})
	case ".ppm":
		err = ppm.Encode(file, img)
	case ".qoi":
		err = qoi.Encode(file, img)
	default:
		err = png.Encode(file, img)
	}
	return errors.Wrapf(err, "encoding %q", path)
}

// ReadFile decodes an image file into a frame.
func ReadFile(path string) (*Frame, error) {
	var img image.Image
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ppm", ".qoi":
		img, err = decodeFile(path)
	default:
		img, err = imaging.Open(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	return FrameFromImage(img), nil
}

func decodeFile(path string) (image.Image, error) {
	//nolint:gosec
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close() //nolint:errcheck
	if strings.EqualFold(filepath.Ext(path), ".qoi") {
		return qoi.Decode(file)
	}
	return ppm.Decode(file)
}
