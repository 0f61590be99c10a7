// Package cli contains the stereocam command line: device discovery, camera controls, chessboard
// calibration and running the full pipeline.
package cli

import (
	"io"
	"time"

	"github.com/urfave/cli/v2"
)

const (
	flagDebug           = "debug"
	flagFake            = "fake"
	flagDevice          = "device"
	flagControl         = "control"
	flagValue           = "value"
	flagSquareSize      = "square-size"
	flagCols            = "cols"
	flagRows            = "rows"
	flagOutputDir       = "output-dir"
	flagDebugDir        = "debug-dir"
	flagLeft            = "left"
	flagRight           = "right"
	flagConfig          = "config"
	flagPreviewDir      = "preview-dir"
	flagPreviewInterval = "preview-interval"
)

var calibrationFlags = []cli.Flag{
	&cli.Float64Flag{
		Name:  flagSquareSize,
		Usage: "side of one board square, in the unit the calibration should use",
		Value: 25,
	},
	&cli.IntFlag{
		Name:  flagCols,
		Usage: "inner corners per board row",
		Value: 9,
	},
	&cli.IntFlag{
		Name:  flagRows,
		Usage: "inner corners per board column",
		Value: 6,
	},
	&cli.StringFlag{
		Name:  flagOutputDir,
		Usage: "write the calibration to `DIR`",
		Value: ".",
	},
	&cli.StringFlag{
		Name:  flagDebugDir,
		Usage: "write every input image with its detected corners drawn to `DIR`",
	},
}

var app = &cli.App{
	Name:            "stereocam",
	Usage:           "capture, calibrate and compute depth with a pair of video devices",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.BoolFlag{
			Name:  flagFake,
			Usage: "use synthetic devices instead of /dev/video*",
		},
	},
	Commands: []*cli.Command{
		{
			Name:            "devices",
			Usage:           "work with video devices",
			HideHelpCommand: true,
			Subcommands: []*cli.Command{
				{
					Name:   "list",
					Usage:  "list video devices",
					Action: ListDevicesAction,
				},
				{
					Name:      "formats",
					Usage:     "list the formats of a device, or the formats two devices share",
					ArgsUsage: "<device> [other device]",
					Action:    ListFormatsAction,
				},
			},
		},
		{
			Name:            "controls",
			Usage:           "work with camera controls such as exposure and gain",
			HideHelpCommand: true,
			Subcommands: []*cli.Command{
				{
					Name:  "list",
					Usage: "list the controls of a device",
					Flags: []cli.Flag{
						&cli.IntFlag{
							Name:     flagDevice,
							Usage:    "device number, as in /dev/videoN",
							Required: true,
						},
					},
					Action: ListControlsAction,
				},
				{
					Name:  "set",
					Usage: "set a control of a device",
					Flags: []cli.Flag{
						&cli.IntFlag{
							Name:     flagDevice,
							Usage:    "device number, as in /dev/videoN",
							Required: true,
						},
						&cli.StringFlag{
							Name:     flagControl,
							Usage:    "control id (e.g. 0x980900) or name",
							Required: true,
						},
						&cli.IntFlag{
							Name:     flagValue,
							Required: true,
						},
					},
					Action: SetControlAction,
				},
			},
		},
		{
			Name:            "calibrate",
			Usage:           "calibrate cameras from chessboard images",
			HideHelpCommand: true,
			Subcommands: []*cli.Command{
				{
					Name:      "mono",
					Usage:     "calibrate a single camera",
					ArgsUsage: "<image or glob>...",
					Flags:     calibrationFlags,
					Action:    CalibrateMonoAction,
				},
				{
					Name:  "stereo",
					Usage: "calibrate a camera pair from matching left and right images",
					Flags: append([]cli.Flag{
						&cli.StringSliceFlag{
							Name:     flagLeft,
							Usage:    "left images or globs, in the same order as the right ones",
							Required: true,
						},
						&cli.StringSliceFlag{
							Name:     flagRight,
							Usage:    "right images or globs",
							Required: true,
						},
					}, calibrationFlags...),
					Action: CalibrateStereoAction,
				},
			},
		},
		{
			Name:  "run",
			Usage: "run the capture and depth pipeline",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     flagConfig,
					Aliases:  []string{"c"},
					Usage:    "load configuration from `FILE`",
					Required: true,
				},
				&cli.StringFlag{
					Name:  flagPreviewDir,
					Usage: "keep the latest frame of every source as an image in `DIR`",
				},
				&cli.DurationFlag{
					Name:  flagPreviewInterval,
					Usage: "how often preview images are refreshed",
					Value: time.Second,
				},
			},
			Action: RunAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
