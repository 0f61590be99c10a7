package cli

import (
	"context"
	"image"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/stereocam/config"
	"go.viam.com/stereocam/logging"
	"go.viam.com/stereocam/pipeline"
	"go.viam.com/stereocam/presentation"
	"go.viam.com/stereocam/utils"
)

// healthInterval is how often a running pipeline is checked for failed cameras.
const healthInterval = time.Second

func runLogger(c *cli.Context, cfg *config.Config) (logging.Logger, func()) {
	var logger logging.Logger
	closeLog := func() {}
	if cfg.LogFile != "" {
		var closer io.Closer
		logger, closer = logging.NewFileLogger("stereocam", cfg.LogFile)
		closeLog = func() { goutils.UncheckedError(closer.Close()) }
	} else {
		logger = logging.NewLogger("stereocam")
	}
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	return logger, closeLog
}

// previewSink keeps the newest frame of every source as <dir>/<source>.jpg.
func previewSink(logger logging.Logger, dir string) presentation.Sink {
	return func(name string, img image.Image) {
		path := filepath.Join(dir, name+".jpg")
		if err := imaging.Save(img, path, imaging.JPEGQuality(85)); err != nil {
			logger.Debugw("cannot write preview", "path", path, "error", err)
		}
	}
}

// RunAction is the corresponding Action for 'run'.
func RunAction(c *cli.Context) (err error) {
	cfg, err := config.Read(c.String(flagConfig))
	if err != nil {
		return err
	}
	if c.Bool(flagFake) {
		cfg.Fake = true
	}
	logger, closeLog := runLogger(c, cfg)
	defer closeLog()
	if err := logging.UpdateLoggerRegistry(cfg.Log); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(logger, cfg, deviceFactory(cfg.Fake))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, p.Close())
	}()
	if err := p.Start(ctx); err != nil {
		return err
	}

	snapshotDir := cfg.SnapshotDir
	if snapshotDir == "" {
		snapshotDir = "."
	}

	if dir := c.String(flagPreviewDir); dir != "" {
		if err := utils.EnsureDir(dir); err != nil {
			return err
		}
		poller, err := presentation.NewPoller(nil, c.Duration(flagPreviewInterval), previewSink(logger, dir))
		if err != nil {
			return err
		}
		for name, src := range p.Sources() {
			poller.Watch(name, src)
		}
		poller.Start()
		defer poller.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	if !cfg.Network.Disabled {
		srv := presentation.NewServer(logger.Sublogger("web"), p.Sources(), p.Depth, p.Depth)
		srv.HandleSnapshot(func() ([]string, error) {
			return p.Snapshot(snapshotDir, time.Now())
		})
		g.Go(func() error {
			return srv.Serve(gctx, cfg.Network.BindAddress)
		})
		printf(c.App.Writer, "preview at http://%s/frames/depth_color.jpg", cfg.Network.BindAddress)
	}
	g.Go(func() error {
		return watchHealth(gctx, p)
	})
	printf(c.App.Writer, "running; press ctrl-c to stop")

	return g.Wait()
}

// watchHealth fails once either camera stopped with an error.
func watchHealth(ctx context.Context, p *pipeline.Pipeline) error {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := p.Errors(); err != nil {
			return err
		}
	}
}
