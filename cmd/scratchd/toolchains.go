package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scratchd/internal/toolchain"
)

var toolchainsJSON bool

var toolchainsCmd = &cobra.Command{
	Use:   "toolchains",
	Short: "List installed toolchains",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := toolchain.LoadRegistry(cfg.Toolchains.Registry, cfg.Toolchains.Root)
		if err != nil {
			return err
		}

		if toolchainsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Toolchains []toolchain.Toolchain `json:"toolchains"`
				Platforms  []toolchain.Platform  `json:"platforms"`
			}{reg.Toolchains(), reg.Platforms()})
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tARCH\tCOMPILER\tVERSION\tFAMILY\tPLATFORM")
		for _, tc := range reg.Toolchains() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", tc.ID, tc.Arch, tc.Compiler, tc.Version, tc.Family, tc.Platform)
		}
		return tw.Flush()
	},
}

func init() {
	toolchainsCmd.Flags().BoolVar(&toolchainsJSON, "json", false, "print as JSON")
}
