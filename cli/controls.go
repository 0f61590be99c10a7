package cli

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"go.viam.com/stereocam/capture"
	"go.viam.com/stereocam/capture/v4l2"
)

var errFakeControls = errors.New("synthetic devices have no controls")

// ListControlsAction is the corresponding Action for 'controls list'.
func ListControlsAction(c *cli.Context) error {
	if c.Bool(flagFake) {
		return errFakeControls
	}
	controls, err := v4l2.ListControls(c.Int(flagDevice))
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", capture.ControlsTable(controls))
	return nil
}

// SetControlAction is the corresponding Action for 'controls set'.
func SetControlAction(c *cli.Context) error {
	if c.Bool(flagFake) {
		return errFakeControls
	}
	id := c.Int(flagDevice)
	controls, err := v4l2.ListControls(id)
	if err != nil {
		return err
	}
	control, err := findControl(controls, c.String(flagControl))
	if err != nil {
		return err
	}
	value := c.Int(flagValue)
	if err := v4l2.SetControl(id, control.ID, int32(value)); err != nil {
		return err
	}
	printf(c.App.Writer, "%s set to %d", control.Name, value)
	return nil
}

// findControl looks a control up by numeric id or case insensitive name.
func findControl(controls []capture.Control, ref string) (capture.Control, error) {
	if cid, err := strconv.ParseUint(ref, 0, 32); err == nil {
		if control, ok := lo.Find(controls, func(c capture.Control) bool { return c.ID == uint32(cid) }); ok {
			return control, nil
		}
	}
	if control, ok := lo.Find(controls, func(c capture.Control) bool { return strings.EqualFold(c.Name, ref) }); ok {
		return control, nil
	}
	return capture.Control{}, errors.Errorf("no control %q; available: %s", ref,
		strings.Join(lo.Map(controls, func(c capture.Control, _ int) string { return c.Name }), ", "))
}
