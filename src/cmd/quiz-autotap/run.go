package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"quiz-autotap/src/apperrors"
	"quiz-autotap/src/config"
	"quiz-autotap/src/control"
	"quiz-autotap/src/decision"
	"quiz-autotap/src/hotkey"
	"quiz-autotap/src/layout"
	"quiz-autotap/src/llm"
	"quiz-autotap/src/pipeline"
	"quiz-autotap/src/screenshot"
)

type runOptions struct {
	mode        string
	dryRun      bool
	token       string
	noAutostart bool
	controlAddr string
	hotkey      string
	checkOracle bool
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture the screen and answer questions as they appear",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runLive(ctx, *opts, cmd.Flags().Changed("control-addr"), cmd.Flags().Changed("token"))
		},
	}
	cmd.Flags().StringVar(&opts.mode, "mode", "", "oneshot or continuous (default from MODE)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Log taps instead of dispatching them")
	cmd.Flags().StringVar(&opts.token, "token", "", "Capture authorization token (default CAPTURE_TOKEN)")
	cmd.Flags().BoolVar(&opts.noAutostart, "no-autostart", false, "Wait for the hotkey or control API before capturing")
	cmd.Flags().StringVar(&opts.controlAddr, "control-addr", "", "Control API listen address, empty to disable (default CONTROL_ADDR)")
	cmd.Flags().StringVar(&opts.hotkey, "hotkey", "", "Start/stop hotkey, 'off' to disable (default HOTKEY)")
	cmd.Flags().BoolVar(&opts.checkOracle, "check-oracle", false, "Verify oracle credentials before capturing")
	return cmd
}

func (a *app) runLive(ctx context.Context, opts runOptions, controlAddrSet, tokenSet bool) error {
	cfg, err := a.loadConfig(opts.mode)
	if err != nil {
		return err
	}
	if controlAddrSet {
		cfg.ControlAddr = opts.controlAddr
	}
	if opts.hotkey != "" {
		cfg.Hotkey = opts.hotkey
	}
	token := cfg.CaptureToken
	if tokenSet {
		token = opts.token
	}

	logger := a.logger(cfg, true)

	recognizer, closeRecognizer, err := a.newRecognizer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRecognizer()
	oracle, err := a.newOracle(cfg)
	if err != nil {
		return err
	}
	if opts.checkOracle {
		if p, ok := oracle.(*llm.Client); ok {
			if err := p.Ping(ctx); err != nil {
				return apperrors.NewOracleFailure("oracle check failed", err)
			}
			logger.WithField("model", p.Model()).Info("Oracle reachable")
		}
	}

	source := screenshot.NewScreenSource(cfg.CaptureDisplay, cfg.CaptureInterval, cfg.CaptureToken, logger)
	if r := cfg.CaptureRegion; r != nil {
		source.Region = &screenshot.Region{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
	}
	coord := pipeline.New(pipeline.Options{
		Source:             source,
		Recognizer:         recognizer,
		Engine:             decision.New(oracle, cfg.OptionCount, cfg.OracleTimeout, logger),
		Layout:             layout.FromConfig(cfg.Layout),
		Injector:           a.newInjector(opts.dryRun, logger),
		OneShot:            cfg.Mode == config.ModeOneShot,
		RateLimit:          cfg.RateLimit,
		DuplicateThreshold: cfg.DuplicateThreshold,
		Logger:             logger,
	})

	if cfg.ControlAddr != "" {
		go func() {
			if err := control.Serve(ctx, cfg.ControlAddr, coord, logger); err != nil {
				logger.WithError(err).Error("Control server failed")
			}
		}()
	}

	if cfg.Hotkey != "" && cfg.Hotkey != "off" {
		go func() {
			err := hotkey.Listen(ctx, cfg.Hotkey, logger, func() { toggle(ctx, coord, token, logger) })
			if err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("Hotkey unavailable")
			}
		}()
	}

	if !opts.noAutostart {
		if err := coord.Start(ctx, token); err != nil {
			return err
		}
	}

	<-ctx.Done()
	_ = coord.Stop()
	logger.Info("Shutting down")
	return nil
}

// toggle flips capture between running and stopped.
func toggle(ctx context.Context, coord *pipeline.Coordinator, token string, logger logrus.FieldLogger) {
	if coord.Status().State == pipeline.StateCapturing {
		if err := coord.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop capture")
		}
		return
	}
	if err := coord.Start(ctx, token); err != nil {
		logger.WithError(err).WithField("kind", apperrors.KindOf(err)).Warn("Failed to start capture")
	}
}
