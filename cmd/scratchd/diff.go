package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scratchd/internal/diff"
)

var (
	diffJSON      bool
	diffOnlyEdits bool
)

var diffCmd = &cobra.Command{
	Use:   "diff <reference> <candidate>",
	Short: "Diff two object files instruction by instruction",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		ref, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading reference: %w", err)
		}
		cand, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading candidate: %w", err)
		}

		result := diff.Diff(ref, cand)
		if diffJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}
		return result.WriteText(os.Stdout, diffOnlyEdits)
	},
}

func init() {
	diffCmd.Flags().BoolVar(&diffJSON, "json", false, "print the aligned rows as JSON")
	diffCmd.Flags().BoolVar(&diffOnlyEdits, "only-edits", false, "omit matched rows")
}
