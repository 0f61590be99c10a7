// Package chessboard finds the inner corners of a calibration chessboard in a frame.
package chessboard

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/stereocam/rimage"
)

// DetectionConfiguration stores the parameters necessary for chessboard detection in an image.
type DetectionConfiguration struct {
	Saddle           SaddleConfiguration `json:"saddle"`
	RefineWindowSize int                 `json:"refine-win-size"` // half size of the corner refinement window
	GridTolerance    float64             `json:"grid-tolerance"`  // accepted lattice prediction error, relative to the square size
	MaxSeeds         int                 `json:"max-seeds"`       // number of starting corners tried
}

// DefaultDetectionConf stores the default parameters for chessboard detection.
var DefaultDetectionConf = DetectionConfiguration{
	Saddle:           DefaultSaddleConf,
	RefineWindowSize: 4,
	GridTolerance:    0.3,
	MaxSeeds:         16,
}

// FindChessboard looks for a board with patternSize.X x patternSize.Y inner corners. When the
// board is found, the corners are returned row by row with sub-pixel accuracy. A frame without a
// complete board is not an error.
func FindChessboard(f *rimage.Frame, patternSize image.Point, cfg DetectionConfiguration) ([]r2.Point, bool, error) {
	if f.Empty() {
		return nil, false, errors.New("cannot search an empty frame for a chessboard")
	}
	if patternSize.X < 2 || patternSize.Y < 2 {
		return nil, false, errors.Errorf("invalid chessboard pattern size %v", patternSize)
	}
	img := luminance(f, cfg.Saddle.BlurSigma)
	_, saddles := GetSaddleMapPoints(img, &cfg.Saddle)
	if len(saddles) < patternSize.X*patternSize.Y {
		return nil, false, nil
	}
	refined := refineCorners(img, saddles, cfg.RefineWindowSize)
	corners, ok := assembleGrid(refined, patternSize.X, patternSize.Y, cfg.GridTolerance, cfg.MaxSeeds)
	return corners, ok, nil
}
