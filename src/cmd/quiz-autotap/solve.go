package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/spf13/cobra"

	"quiz-autotap/src/apperrors"
	"quiz-autotap/src/decision"
	"quiz-autotap/src/layout"
	"quiz-autotap/src/question"
	"quiz-autotap/src/screenshot"
)

type solveOptions struct {
	filePath   string
	jsonOutput bool
	tap        bool
}

type SolveResult struct {
	Source    string            `json:"source"`
	Text      string            `json:"text"`
	Question  question.Question `json:"question"`
	Option    int               `json:"option"`
	Point     layout.Point      `json:"point"`
	Reply     string            `json:"reply"`
	Tapped    bool              `json:"tapped"`
	Timestamp string            `json:"timestamp"`
	Duration  float64           `json:"duration_seconds"`
}

func newSolveCmd(a *app) *cobra.Command {
	opts := &solveOptions{}
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Answer the quiz question in one PNG screenshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.solve(cmd.Context(), *opts)
		},
	}
	cmd.Flags().StringVar(&opts.filePath, "file", "", "Path to PNG file (use '-' for stdin)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVar(&opts.tap, "tap", false, "Dispatch the tap on this machine")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) solve(ctx context.Context, opts solveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := a.loadConfig("")
	if err != nil {
		return err
	}
	logger := a.logger(cfg, false)

	data, err := a.readInput(opts.filePath)
	if err != nil {
		return err
	}
	if err := validatePNG(data); err != nil {
		return err
	}
	a.verbosef("PNG validation passed")
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode PNG: %w", err)
	}
	img := screenshot.ToRGBA(decoded)

	recognizer, closeRecognizer, err := a.newRecognizer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRecognizer()
	oracle, err := a.newOracle(cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	text, err := recognizer.Recognize(ctx, img)
	if err != nil {
		return apperrors.NewRecognitionFailure("OCR failed", err)
	}
	a.verbosef("OCR extracted %d characters", len(text))

	q, ok := question.Parse(text)
	if !ok {
		return apperrors.NewParseMiss("no question found in recognized text")
	}

	engine := decision.New(oracle, cfg.OptionCount, cfg.OracleTimeout, logger)
	d, err := engine.Decide(ctx, q, decision.Unlimited{}, time.Now())
	if err != nil {
		return err
	}

	b := img.Bounds()
	pt := layout.FromConfig(cfg.Layout).Map(d.Option, float64(b.Dx()), float64(b.Dy()))
	if opts.tap {
		a.newInjector(false, logger).Tap(pt.X, pt.Y)
	}
	elapsed := time.Since(start)
	a.verbosef("Solved in %v", elapsed)

	if opts.jsonOutput {
		encoder := json.NewEncoder(a.stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(SolveResult{
			Source:    sourceName(opts.filePath),
			Text:      text,
			Question:  q,
			Option:    d.Option,
			Point:     pt,
			Reply:     d.Reply,
			Tapped:    opts.tap,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Duration:  elapsed.Seconds(),
		}); err != nil {
			return fmt.Errorf("failed to encode JSON output: %w", err)
		}
		return nil
	}

	fmt.Fprintf(a.stdout, "%s\nOption %d: %s at (%.0f, %.0f)\n", q.Text, d.Option, optionText(q, d.Option), pt.X, pt.Y)
	return nil
}

func optionText(q question.Question, option int) string {
	if option < 1 || option > len(q.Options) {
		return "(not on screen)"
	}
	return q.Options[option-1]
}
