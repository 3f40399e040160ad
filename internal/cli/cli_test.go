package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soma-tiles/lodtiles/internal/config"
	"github.com/soma-tiles/lodtiles/internal/manifest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(io.Discard)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, log.InfoLevel)
	logger.Debug("hidden")
	assert.Zero(t, buf.Len())
	logger.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerContext(t *testing.T) {
	assert.Equal(t, log.Default(), loggerFromContext(context.Background()))

	l := log.New(io.Discard)
	ctx := withLogger(context.Background(), l)
	assert.Same(t, l, loggerFromContext(ctx))
}

func TestSynthGenerateInspect(t *testing.T) {
	store := filepath.Join(t.TempDir(), "atlas.zarr")
	out := filepath.Join(t.TempDir(), "tiles")

	stdout, err := execute(t, "synth", store, "-n", "800", "--clusters", "5")
	require.NoError(t, err)
	assert.Contains(t, stdout, "800 cells")

	stdout, err = execute(t, "generate", "-i", store, "-o", out, "--grid-size", "4", "--precompress", "--class-colors")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Tiles generated")

	m, err := manifest.Load(out)
	require.NoError(t, err)
	assert.Equal(t, 4, m.GridSize)
	assert.Equal(t, 800, m.TotalCells)
	assert.Len(t, m.ClassColors, len(m.Classes))
	assert.NotContains(t, m.Genes, "MKI67")

	gz, err := filepath.Glob(filepath.Join(out, "0", "*.json.gz"))
	require.NoError(t, err)
	assert.NotEmpty(t, gz)

	stdout, err = execute(t, "inspect", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "consistent")
}

func TestGenerate_ConfigFileAndOverrides(t *testing.T) {
	store := filepath.Join(t.TempDir(), "atlas.zarr")
	out := filepath.Join(t.TempDir(), "tiles")
	_, err := execute(t, "synth", store, "-n", "500", "--clusters", "3", "--group", "/")
	require.NoError(t, err)

	cfgPath := filepath.Join(t.TempDir(), "lodtiles.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
source:
  path: `+store+`
  group: "/"
  marker_genes: [SOX2, DCX]
tiling:
  grid_size: 3
  levels:
    - {level: 0, fraction: 0.1}
    - {level: 1, fraction: 0.5}
output:
  dir: `+out+`
`), 0o644))

	_, err = execute(t, "--config", cfgPath, "generate", "--grid-size", "2", "--strategy", "substream", "-w", "3")
	require.NoError(t, err)

	m, err := manifest.Load(out)
	require.NoError(t, err)
	assert.Equal(t, 2, m.GridSize, "flag overrides file")
	assert.Equal(t, 2, m.Levels)
	assert.Equal(t, []string{"SOX2", "DCX"}, m.Genes)
}

func TestGenerate_Errors(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "generate")
	assert.ErrorContains(t, err, "config file not found")

	_, err = execute(t, "generate", "-i", filepath.Join(t.TempDir(), "nope.zarr"), "-o", t.TempDir())
	assert.Error(t, err)

	_, err = execute(t, "generate", "--strategy", "random")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestInspect_Problems(t *testing.T) {
	store := filepath.Join(t.TempDir(), "atlas.zarr")
	out := filepath.Join(t.TempDir(), "tiles")
	_, err := execute(t, "synth", store, "-n", "400", "--clusters", "3")
	require.NoError(t, err)
	_, err = execute(t, "generate", "-i", store, "-o", out, "--grid-size", "2")
	require.NoError(t, err)

	// A level-4 tile shrinking below its level-3 predecessor.
	require.NoError(t, os.WriteFile(filepath.Join(out, "4", "0_0.json"), []byte(`[]`), 0o644))

	_, err = execute(t, "inspect", out)
	assert.ErrorContains(t, err, "problems found")
}

func TestApplyGenerateFlags_ObjectSinkPrefix(t *testing.T) {
	var f generateFlags
	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&f.sink, "sink", "", "")
	cmd.Flags().StringVar(&f.out, "out", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--sink", "s3", "--out", "atlas/v1"}))

	cfg := config.DefaultConfig()
	applyGenerateFlags(cmd, cfg, f)
	assert.Equal(t, config.SinkS3, cfg.Output.Sink)
	assert.Equal(t, "atlas/v1", cfg.Output.Prefix)
	assert.Equal(t, config.DefaultConfig().Output.Dir, cfg.Output.Dir)
}

func TestServe_GracefulShutdown(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(`{}`), 0o644))

	cfg := config.DefaultConfig()
	cfg.Output.Dir = dir
	cfg.Server.StaticDir = t.TempDir()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(withLogger(context.Background(), log.New(io.Discard)))
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/tiles/manifest.json")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/tiles/0/0_0.json")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
