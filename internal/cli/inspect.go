package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soma-tiles/lodtiles/internal/tiles"
)

func newInspectCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [dir]",
		Short: "Check a generated tile directory against its manifest",
		Long: `Inspect reads manifest.json and every tile of a local tile directory and
reports per-level counts. It fails if a tile holds fewer records than the
same grid cell at a lower level, or if records disagree with the manifest's
genes and classes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := root.loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.Output.Dir
			}

			loggerFromContext(cmd.Context()).Debug("inspecting tiles", "dir", dir)
			report, err := tiles.Inspect(dir)
			if err != nil {
				return err
			}
			printReport(ui{w: cmd.OutOrStdout()}, dir, report)
			if !report.OK() {
				return fmt.Errorf("%d problems found in %s", len(report.Problems), dir)
			}
			return nil
		},
	}
	return cmd
}
