package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"quiz-autotap/src/config"
	"quiz-autotap/src/decision"
	"quiz-autotap/src/layout"
	"quiz-autotap/src/pipeline"
	"quiz-autotap/src/screenshot"
)

type replayOptions struct {
	dir        string
	mode       string
	interval   time.Duration
	rateLimit  time.Duration
	tap        bool
	jsonOutput bool
}

func newReplayCmd(a *app) *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run the pipeline over stored PNG frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.replay(cmd.Context(), *opts, cmd.Flags().Changed("rate-limit"))
		},
	}
	cmd.Flags().StringVar(&opts.dir, "dir", "", "Directory of PNG frames, replayed in name order")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "oneshot or continuous (default from MODE)")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Delay between frames")
	cmd.Flags().DurationVar(&opts.rateLimit, "rate-limit", 0, "Minimum time between oracle calls (default RATE_LIMIT)")
	cmd.Flags().BoolVar(&opts.tap, "tap", false, "Dispatch taps on this machine instead of a dry run")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print one JSON outcome per line")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func (a *app) replay(ctx context.Context, opts replayOptions, rateLimitSet bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := a.loadConfig(opts.mode)
	if err != nil {
		return err
	}
	logger := a.logger(cfg, false)

	source, err := screenshot.NewReplaySource(opts.dir, opts.interval, logger)
	if err != nil {
		return err
	}
	recognizer, closeRecognizer, err := a.newRecognizer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRecognizer()
	oracle, err := a.newOracle(cfg)
	if err != nil {
		return err
	}

	rateLimit := cfg.RateLimit
	if rateLimitSet {
		rateLimit = opts.rateLimit
	}
	coord := pipeline.New(pipeline.Options{
		Source:             source,
		Recognizer:         recognizer,
		Engine:             decision.New(oracle, cfg.OptionCount, cfg.OracleTimeout, logger),
		Layout:             layout.FromConfig(cfg.Layout),
		Injector:           a.newInjector(!opts.tap, logger),
		OneShot:            cfg.Mode == config.ModeOneShot,
		RateLimit:          rateLimit,
		DuplicateThreshold: cfg.DuplicateThreshold,
		WaitForWorker:      true,
		Logger:             logger,
	})

	if err := coord.Start(ctx, ""); err != nil {
		return err
	}

	stop := make(chan struct{})
	printed := make(chan error, 1)
	go func() { printed <- a.printOutcomes(coord.Outcomes(), stop, opts.jsonOutput) }()
	coord.Wait()
	close(stop)
	if err := <-printed; err != nil {
		return err
	}

	if st := coord.Status(); st.Session != nil && !opts.jsonOutput {
		c := st.Session.Counters
		fmt.Fprintf(a.stdout, "frames=%d processed=%d oracle_calls=%d taps=%d\n",
			c.FramesSeen, c.FramesProcessed, c.OracleCalls, c.Taps)
	}
	return nil
}

// printOutcomes writes outcomes as they arrive and drains the rest once stop closes.
func (a *app) printOutcomes(outcomes <-chan pipeline.Outcome, stop <-chan struct{}, jsonOutput bool) error {
	encoder := json.NewEncoder(a.stdout)
	write := func(o pipeline.Outcome) error {
		if jsonOutput {
			return encoder.Encode(o)
		}
		_, err := fmt.Fprintln(a.stdout, describeOutcome(o))
		return err
	}
	for {
		select {
		case o := <-outcomes:
			if err := write(o); err != nil {
				return err
			}
		case <-stop:
			for {
				select {
				case o := <-outcomes:
					if err := write(o); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

func describeOutcome(o pipeline.Outcome) string {
	if o.Kind == pipeline.OutcomeTapped {
		return fmt.Sprintf("frame %d: tapped option %d at (%.0f, %.0f): %s",
			o.FrameSeq, o.Option, o.Point.X, o.Point.Y, o.Question.Text)
	}
	return fmt.Sprintf("frame %d: %s", o.FrameSeq, o.Kind)
}
