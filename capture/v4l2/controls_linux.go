//go:build linux

package v4l2

import (
	"sort"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/stereocam/capture"
)

// ListControls returns the integer controls of device id with their current values.
func ListControls(id int) (controls []capture.Control, err error) {
	cam, err := webcam.Open(DevicePath(id))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open webcam %s", DevicePath(id))
	}
	defer func() {
		err = multierr.Combine(err, cam.Close())
	}()

	for cid, c := range cam.GetControls() {
		value, err := cam.GetControl(cid)
		if err != nil {
			// write only or inactive controls
			continue
		}
		controls = append(controls, capture.Control{
			ID:    uint32(cid),
			Name:  c.Name,
			Min:   c.Min,
			Max:   c.Max,
			Value: value,
		})
	}
	sort.Slice(controls, func(i, j int) bool { return controls[i].ID < controls[j].ID })
	return controls, nil
}

// SetControl sets control cid of device id, rejecting values outside the advertised range.
func SetControl(id int, cid uint32, value int32) (err error) {
	cam, err := webcam.Open(DevicePath(id))
	if err != nil {
		return errors.Wrapf(err, "cannot open webcam %s", DevicePath(id))
	}
	defer func() {
		err = multierr.Combine(err, cam.Close())
	}()

	c, ok := cam.GetControls()[webcam.ControlID(cid)]
	if !ok {
		return errors.Errorf("video%d has no control %#x", id, cid)
	}
	if value < c.Min || value > c.Max {
		return errors.Errorf("%s must be in [%d, %d], got %d", c.Name, c.Min, c.Max, value)
	}
	return cam.SetControl(webcam.ControlID(cid), value)
}
