// Package config describes a stereo camera pipeline: the two cameras, how their frames are
// processed, how depth is computed and where results are served and written.
package config

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/stereocam/capture"
	"go.viam.com/stereocam/depthmap"
	"go.viam.com/stereocam/logging"
	"go.viam.com/stereocam/processor"
	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/stereo"
)

// DefaultBindAddress is the preview server address used when none is configured.
const DefaultBindAddress = "localhost:8080"

// Config describes a complete pipeline.
type Config struct {
	Left    Camera        `json:"left"`
	Right   Camera        `json:"right"`
	Depth   Depth         `json:"depth"`
	Network NetworkConfig `json:"network"`

	// SnapshotDir receives snapshots and exported point clouds.
	SnapshotDir string `json:"snapshot_dir,omitempty"`
	// LogFile, when set, receives a size rotated copy of the log.
	LogFile string                        `json:"log_file,omitempty"`
	Log     []logging.LoggerPatternConfig `json:"log,omitempty"`
	// Fake replaces the video devices with synthetic ones.
	Fake bool `json:"fake,omitempty"`

	ConfigFilePath string `json:"-"`
}

// Camera is one side of the stereo pair.
type Camera struct {
	ID          int                `json:"id"`
	PixelFormat rimage.PixelFormat `json:"pixel_format"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	// Calibration is a mono calibration used when the processor undistorts.
	Calibration string              `json:"calibration,omitempty"`
	Processor   *processor.Settings `json:"processor,omitempty"`
}

// Format is the capture format the camera is opened in.
func (c *Camera) Format() capture.Format {
	return capture.Format{PixelFormat: c.PixelFormat, Width: c.Width, Height: c.Height}
}

// Validate ensures all parts of the config are valid, filling in defaults.
func (c *Camera) Validate(path string) error {
	if c.ID < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("id must not be negative, got %d", c.ID))
	}
	if c.PixelFormat == 0 {
		c.PixelFormat = rimage.PixelFormatMJPEG
	}
	if !rimage.CanDecode(c.PixelFormat) {
		return utils.NewConfigValidationError(path, errors.Errorf("unsupported pixel_format %s", c.PixelFormat))
	}
	if c.Width <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "width")
	}
	if c.Height <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "height")
	}
	if c.Processor == nil {
		settings := processor.DefaultSettings()
		c.Processor = &settings
	}
	if err := c.Processor.Validate(); err != nil {
		return utils.NewConfigValidationError(path+".processor", err)
	}
	return nil
}

// Depth configures the depth map builder.
type Depth struct {
	// Calibration is the stereo calibration. Without it no point cloud is produced.
	Calibration string         `json:"calibration,omitempty"`
	Matcher     *stereo.Config `json:"matcher,omitempty"`
	// MatcherFile holds matcher settings that are re-applied whenever the file changes.
	MatcherFile  string `json:"matcher_file,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

// Interval is the parsed poll interval, or the builder default.
func (d *Depth) Interval() time.Duration {
	if d.PollInterval == "" {
		return depthmap.DefaultPollInterval
	}
	interval, err := time.ParseDuration(d.PollInterval)
	if err != nil {
		return depthmap.DefaultPollInterval
	}
	return interval
}

// Validate ensures all parts of the config are valid, filling in defaults.
func (d *Depth) Validate(path string) error {
	if d.Matcher == nil {
		cfg := stereo.DefaultConfig()
		d.Matcher = &cfg
	}
	if err := d.Matcher.Validate(); err != nil {
		return utils.NewConfigValidationError(path+".matcher", err)
	}
	if d.PollInterval != "" {
		interval, err := time.ParseDuration(d.PollInterval)
		if err != nil {
			return utils.NewConfigValidationError(path, errors.Wrap(err, "error validating poll_interval"))
		}
		if interval <= 0 {
			return utils.NewConfigValidationError(path, errors.New("poll_interval must be positive"))
		}
	}
	return nil
}

// NetworkConfig configures the preview server.
type NetworkConfig struct {
	BindAddress string `json:"bind_address,omitempty"`
	// Disabled turns the preview server off.
	Disabled bool `json:"disabled,omitempty"`
}

// Validate ensures all parts of the config are valid, filling in defaults.
func (nc *NetworkConfig) Validate(path string) error {
	if nc.BindAddress == "" {
		nc.BindAddress = DefaultBindAddress
	}
	if _, _, err := net.SplitHostPort(nc.BindAddress); err != nil {
		return utils.NewConfigValidationError(path, errors.Wrap(err, "error validating bind_address"))
	}
	return nil
}

// Ensure validates the whole config and fills in defaults.
func (c *Config) Ensure() error {
	if err := c.Left.Validate("left"); err != nil {
		return err
	}
	if err := c.Right.Validate("right"); err != nil {
		return err
	}
	if !c.Fake && c.Left.ID == c.Right.ID {
		return errors.Errorf("left and right cameras must be different devices, both are video%d", c.Left.ID)
	}
	if c.Left.Width != c.Right.Width || c.Left.Height != c.Right.Height {
		return errors.Errorf("left (%dx%d) and right (%dx%d) cameras must stream the same frame size",
			c.Left.Width, c.Left.Height, c.Right.Width, c.Right.Height)
	}
	if err := c.Depth.Validate("depth"); err != nil {
		return err
	}
	// undistortion falls back to the stereo rectification
	for path, cam := range map[string]*Camera{"left": &c.Left, "right": &c.Right} {
		if cam.Processor.Undistort && cam.Calibration == "" && c.Depth.Calibration == "" {
			return utils.NewConfigValidationFieldRequiredError(path, "calibration")
		}
	}
	if err := c.Network.Validate("network"); err != nil {
		return err
	}
	for i, l := range c.Log {
		if _, err := logging.LevelFromString(l.Level); err != nil {
			return utils.NewConfigValidationError("log", errors.Wrapf(err, "entry %d", i))
		}
	}
	return nil
}
