package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/soma-tiles/lodtiles/internal/api"
	"github.com/soma-tiles/lodtiles/internal/cache"
	"github.com/soma-tiles/lodtiles/internal/config"
	"github.com/soma-tiles/lodtiles/internal/service"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		port   int
		dir    string
		static string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the static root and generated tiles over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("dir") {
				cfg.Output.Dir = dir
			}
			if cmd.Flags().Changed("static") {
				cfg.Server.StaticDir = static
			}

			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
			if err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}
			return serve(cmd.Context(), cfg, ln)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port")
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "generated tile directory")
	cmd.Flags().StringVar(&static, "static", "", "static root directory")

	return cmd
}

// serve runs the HTTP server on ln until ctx is cancelled, then shuts down
// gracefully.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	logger := loggerFromContext(ctx)

	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB:   cfg.Cache.TileSizeMB,
		TileTTL:           time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
		ManifestCacheSize: cfg.Cache.ManifestCacheSize,
	})
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	tileService := service.NewTileService(service.TileServiceConfig{
		Dir:    cfg.Output.Dir,
		Cache:  cacheManager,
		Logger: logger,
	})

	router := api.NewRouter(api.RouterConfig{
		Tiles:       tileService,
		StaticDir:   cfg.Server.StaticDir,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", ln.Addr().String(), "tiles", cfg.Output.Dir, "static", cfg.Server.StaticDir)
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
