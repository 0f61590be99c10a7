package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"go.viam.com/stereocam/capture"
	"go.viam.com/stereocam/capture/fake"
	"go.viam.com/stereocam/capture/v4l2"
	"go.viam.com/stereocam/logging"
	"go.viam.com/stereocam/rimage"
)

// fakeFrameInterval paces synthetic devices at about 30 frames per second.
const fakeFrameInterval = 33 * time.Millisecond

// fakeFormats are the modes synthetic devices advertise.
var fakeFormats = []capture.Format{
	{PixelFormat: rimage.PixelFormatMJPEG, Width: 640, Height: 480, Description: "Motion-JPEG 640x480"},
	{PixelFormat: rimage.PixelFormatMJPEG, Width: 320, Height: 240, Description: "Motion-JPEG 320x240"},
	{PixelFormat: rimage.PixelFormatYUYV, Width: 320, Height: 240, Description: "YUYV 4:2:2 320x240"},
}

// printf prints a message with a newline to w.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}

// warningf prints a warning to the error writer of the app.
func warningf(c *cli.Context, format string, a ...interface{}) {
	printf(c.App.ErrWriter, "Warning: "+format, a...)
}

// newLogger logs to the error writer of the app, at debug level when --debug is set.
func newLogger(c *cli.Context, name string) logging.Logger {
	logger := logging.NewBlankLogger(name)
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	if !c.Bool(flagDebug) {
		logger.SetLevel(logging.INFO)
	}
	return logger
}

func enumerator(c *cli.Context) capture.Enumerator {
	if c.Bool(flagFake) {
		return fake.NewEnumerator(fakeFormats...)
	}
	return v4l2.Enumerator{}
}

func deviceFactory(fakeDevices bool) func() capture.Device {
	if fakeDevices {
		return func() capture.Device {
			return &fake.Device{Interval: fakeFrameInterval}
		}
	}
	return v4l2.NewDevice
}

func parseDeviceArg(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id < 0 {
		return 0, errors.Errorf("device must be a number as in /dev/videoN, got %q", arg)
	}
	return id, nil
}

// expandGlobs expands every pattern in order. Files matched by one pattern are sorted; a pattern
// without glob characters is kept as is so missing files are reported later.
func expandGlobs(patterns []string) ([]string, error) {
	var out []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "bad pattern %q", pattern)
		}
		if len(matches) == 0 {
			out = append(out, pattern)
			continue
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return lo.Uniq(out), nil
}
