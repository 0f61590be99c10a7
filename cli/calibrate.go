package cli

import (
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/stereocam/calibration"
)

func calibrationOptions(c *cli.Context) calibration.Options {
	opts := calibration.DefaultOptions(c.Float64(flagSquareSize), c.Int(flagCols), c.Int(flagRows))
	opts.DebugDir = c.String(flagDebugDir)
	return opts
}

// CalibrateMonoAction is the corresponding Action for 'calibrate mono'.
func CalibrateMonoAction(c *cli.Context) error {
	if c.Args().Len() == 0 {
		return errors.New("expected at least one image")
	}
	paths, err := expandGlobs(c.Args().Slice())
	if err != nil {
		return err
	}
	logger := newLogger(c, "calibrate")
	res, err := calibration.CalibrateMono(c.Context, logger, calibrationOptions(c), paths)
	if err != nil {
		return errors.Wrap(err, "calibration failed")
	}
	if skipped := len(paths) - len(res.Used); skipped > 0 {
		warningf(c, "no board found in %d of %d images", skipped, len(paths))
	}
	out, err := calibration.WriteTimestamped(c.String(flagOutputDir), &res.Mono, time.Now())
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", res.Mono.String())
	printf(c.App.Writer, "rms reprojection error %.4f px over %d images", res.RMS, len(res.Used))
	printf(c.App.Writer, "wrote %s", out)
	return nil
}

// CalibrateStereoAction is the corresponding Action for 'calibrate stereo'.
func CalibrateStereoAction(c *cli.Context) error {
	left, err := expandGlobs(c.StringSlice(flagLeft))
	if err != nil {
		return err
	}
	right, err := expandGlobs(c.StringSlice(flagRight))
	if err != nil {
		return err
	}
	if len(left) != len(right) {
		return errors.Errorf("got %d left images but %d right images", len(left), len(right))
	}
	logger := newLogger(c, "calibrate")
	res, err := calibration.CalibrateStereo(c.Context, logger, calibrationOptions(c), left, right)
	if err != nil {
		return errors.Wrap(err, "calibration failed")
	}
	if skipped := len(left) - res.Pairs; skipped > 0 {
		warningf(c, "no board found in both images of %d of %d pairs", skipped, len(left))
	}
	out, err := calibration.WriteTimestamped(c.String(flagOutputDir), &res.Stereo, time.Now())
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", res.Stereo.String())
	printf(c.App.Writer, "rms reprojection error %.4f px, epipolar error %.4f px over %d pairs",
		res.RMS, res.EpipolarError, res.Pairs)
	printf(c.App.Writer, "wrote %s", out)
	return nil
}
