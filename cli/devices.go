package cli

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/stereocam/capture"
)

// ListDevicesAction is the corresponding Action for 'devices list'.
func ListDevicesAction(c *cli.Context) error {
	devices, err := enumerator(c).ListDevices()
	if err != nil {
		return errors.Wrap(err, "could not list devices")
	}
	if len(devices) == 0 {
		warningf(c, "no video devices found")
		return nil
	}
	printf(c.App.Writer, "%s", capture.DevicesTable(devices))
	return nil
}

// ListFormatsAction is the corresponding Action for 'devices formats'. With two devices it lists
// only the formats both support, which are the ones a stereo pair can be opened in.
func ListFormatsAction(c *cli.Context) error {
	if c.Args().Len() < 1 || c.Args().Len() > 2 {
		return errors.New("expected one or two device numbers")
	}
	enum := enumerator(c)
	var formats []capture.Format
	for i, arg := range c.Args().Slice() {
		id, err := parseDeviceArg(arg)
		if err != nil {
			return err
		}
		deviceFormats, err := enum.ListFormats(id)
		if err != nil {
			return errors.Wrapf(err, "could not list formats of video%d", id)
		}
		if i == 0 {
			formats = deviceFormats
		} else {
			formats = capture.CommonFormats(formats, deviceFormats)
		}
	}
	if len(formats) == 0 {
		warningf(c, "no usable formats")
		return nil
	}
	printf(c.App.Writer, "%s", capture.FormatsTable(formats))
	return nil
}
