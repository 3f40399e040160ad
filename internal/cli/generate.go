package cli

import (
	"github.com/spf13/cobra"

	"github.com/soma-tiles/lodtiles/internal/config"
	"github.com/soma-tiles/lodtiles/internal/service"
)

type generateFlags struct {
	input       string
	group       string
	out         string
	sink        string
	seed        uint64
	gridSize    int
	strategy    string
	workers     int
	precompress bool
	classColors bool
	genes       []string
}

func newGenerateCmd(root *rootOptions) *cobra.Command {
	var f generateFlags

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Build LOD tiles and the manifest from a single-cell store",
		Long: `Generate reads the embedding, cluster classes, metadata and marker gene
expression from a Zarr store, assigns every cell to exactly one level of
detail per spatial grid cell, and writes cumulative JSON tiles plus
manifest.json to the output directory or bucket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			applyGenerateFlags(cmd, cfg, f)

			logger := loggerFromContext(cmd.Context())
			svc, err := service.NewTilingService(service.TilingServiceConfig{
				Config: cfg,
				Logger: logger,
			})
			if err != nil {
				return err
			}

			res, err := svc.Run(cmd.Context())
			if err != nil {
				return err
			}

			fractions := make([]float64, len(cfg.Tiling.Levels))
			for i, l := range cfg.Tiling.Levels {
				fractions[i] = l.Fraction
			}
			printGenerateSummary(ui{w: cmd.OutOrStdout()}, res, fractions)
			return nil
		},
	}

	cmd.Flags().StringVarP(&f.input, "input", "i", "", "path of the Zarr store")
	cmd.Flags().StringVar(&f.group, "group", "", `group inside the store ("/" for the root)`)
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "output directory (local sink) or key prefix (object sinks)")
	cmd.Flags().StringVar(&f.sink, "sink", "", "output sink: local, minio or s3")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "random seed for level allocation")
	cmd.Flags().IntVar(&f.gridSize, "grid-size", 0, "grid cells per axis")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "allocation strategy: sequential or substream")
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "parallel workers for substream allocation and tile writes")
	cmd.Flags().BoolVar(&f.precompress, "precompress", false, "write a .json.gz sibling next to every tile")
	cmd.Flags().BoolVar(&f.classColors, "class-colors", false, "add a class color table to the manifest")
	cmd.Flags().StringSliceVar(&f.genes, "genes", nil, "marker genes to export (comma separated)")

	return cmd
}

// applyGenerateFlags overrides config values with the flags the user set.
func applyGenerateFlags(cmd *cobra.Command, cfg *config.Config, f generateFlags) {
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.Source.Path = f.input
	}
	if flags.Changed("group") {
		cfg.Source.Group = f.group
	}
	if flags.Changed("sink") {
		cfg.Output.Sink = f.sink
	}
	if flags.Changed("out") {
		if cfg.Output.Sink == config.SinkLocal {
			cfg.Output.Dir = f.out
		} else {
			cfg.Output.Prefix = f.out
		}
	}
	if flags.Changed("seed") {
		cfg.Tiling.Seed = f.seed
	}
	if flags.Changed("grid-size") {
		cfg.Tiling.GridSize = f.gridSize
	}
	if flags.Changed("strategy") {
		cfg.Tiling.Strategy = f.strategy
	}
	if flags.Changed("workers") {
		cfg.Tiling.Workers = f.workers
	}
	if flags.Changed("precompress") {
		cfg.Output.Precompress = f.precompress
	}
	if flags.Changed("class-colors") {
		cfg.Output.ClassColors = f.classColors
	}
	if flags.Changed("genes") {
		cfg.Source.MarkerGenes = f.genes
	}
}
