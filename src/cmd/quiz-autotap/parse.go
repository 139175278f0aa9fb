package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"quiz-autotap/src/apperrors"
	"quiz-autotap/src/question"
)

func newParseCmd(a *app) *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Parse recognized text into a question and options",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.readInput(filePath)
			if err != nil {
				return err
			}
			q, ok := question.Parse(string(data))
			if !ok {
				return apperrors.NewParseMiss("no question found in input")
			}
			encoder := json.NewEncoder(a.stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(q); err != nil {
				return fmt.Errorf("failed to encode JSON output: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "Path to a text file (use '-' for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
