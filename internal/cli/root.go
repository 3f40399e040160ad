// Package cli implements the lodtiles command-line interface.
//
// Commands:
//   - generate: build the LOD tile pyramid and manifest from a store
//   - serve: host a static root and the generated tiles over HTTP
//   - synth: write a synthetic store for trying the pipeline
//   - inspect: check a generated tile directory against its manifest
//
// All commands accept --verbose (-v) for debug logging and --config for a
// YAML or TOML configuration file. The logger travels in the command context.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/soma-tiles/lodtiles/internal/config"
)

var (
	version = "dev"
	commit  string
	date    string
)

// SetVersion sets the version information displayed by --version.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}

type rootOptions struct {
	verbose    bool
	configPath string
	logOut     io.Writer
}

// NewRootCommand builds the command tree. Logs go to logOut.
func NewRootCommand(logOut io.Writer) *cobra.Command {
	opts := &rootOptions{logOut: logOut}

	root := &cobra.Command{
		Use:           "lodtiles",
		Short:         "lodtiles turns a single-cell embedding into level-of-detail JSON tiles",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := charmlog.InfoLevel
			if opts.verbose {
				level = charmlog.DebugLevel
			}
			cmd.SetContext(withLogger(cmd.Context(), newLogger(opts.logOut, level)))
		},
	}

	root.SetVersionTemplate(fmt.Sprintf("lodtiles %s\ncommit: %s\nbuilt: %s\n", version, commit, date))
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML or TOML config file")

	root.AddCommand(newGenerateCmd(opts))
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newSynthCmd())
	root.AddCommand(newInspectCmd(opts))

	return root
}

// Execute runs the CLI with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand(os.Stderr).ExecuteContext(ctx)
}

// loadConfig reads the config file named by --config, or returns defaults
// when none was given. A named file that does not exist is an error.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configPath == "" {
		return config.DefaultConfig(), nil
	}
	if _, err := os.Stat(o.configPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", o.configPath)
		}
		return nil, err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
