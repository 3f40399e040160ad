package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/soma-tiles/lodtiles/internal/data/zarr"
	"github.com/soma-tiles/lodtiles/internal/synth"
)

func newSynthCmd() *cobra.Command {
	opts := synth.DefaultOptions()
	group := "shoji"

	cmd := &cobra.Command{
		Use:   "synth <store>",
		Short: "Write a synthetic single-cell Zarr store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFromContext(cmd.Context())

			if opts.Compressor == "none" {
				opts.Compressor = ""
			}
			path := args[0]
			if group != "" && group != "/" {
				if err := zarr.CreateGroup(path); err != nil {
					return err
				}
				path = filepath.Join(path, group)
			}
			logger.Info("writing synthetic store", "path", path, "cells", opts.Cells, "clusters", opts.Clusters)

			sum, err := synth.Generate(path, opts)
			if err != nil {
				return err
			}

			u := ui{w: cmd.OutOrStdout()}
			u.success("%d cells in %d clusters (%d classes), %d genes", sum.Cells, sum.Clusters, sum.Classes, len(sum.Genes))
			u.file(sum.Path)
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.Cells, "cells", "n", opts.Cells, "number of cells")
	cmd.Flags().IntVar(&opts.Clusters, "clusters", opts.Clusters, "number of clusters")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", opts.Seed, "random seed")
	cmd.Flags().IntVar(&opts.ChunkRows, "chunk-rows", opts.ChunkRows, "rows per chunk")
	cmd.Flags().StringSliceVar(&opts.Genes, "genes", opts.Genes, "gene vocabulary")
	cmd.Flags().StringVar(&opts.Compressor, "compressor", opts.Compressor, "chunk codec: zstd, gzip or none")
	cmd.Flags().StringVar(&group, "group", group, `group inside the store ("/" for the root)`)

	return cmd
}
