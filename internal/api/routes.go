// Package api provides HTTP handlers for the tile server.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/soma-tiles/lodtiles/internal/service"
	"github.com/soma-tiles/lodtiles/internal/tiles"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Tiles       *service.TileService
	StaticDir   string
	CORSOrigins []string
	Logger      *log.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Accept-Encoding", "Content-Type"},
		ExposedHeaders: []string{"Content-Encoding"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/tiles", func(r chi.Router) {
		r.Get("/manifest.json", manifestHandler(cfg.Tiles))
		r.Get("/{level}/{tile}", tileHandler(cfg.Tiles))
	})

	r.Get("/api/cache", cacheStatsHandler(cfg.Tiles))

	if cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	return r
}

// requestLogger logs one line per request.
func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"took", time.Since(start).Round(time.Microsecond))
		})
	}
}

func manifestHandler(svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := svc.Manifest()
		if err != nil {
			writeTileError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// parseTileName parses "{tx}_{ty}.json".
func parseTileName(name string) (tx, ty int, err error) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return 0, 0, errors.New("tile name must end in .json")
	}
	xs, ys, ok := strings.Cut(base, "_")
	if !ok {
		return 0, 0, errors.New("tile name must be {tx}_{ty}.json")
	}
	if tx, err = strconv.Atoi(xs); err != nil {
		return 0, 0, errors.New("invalid tx")
	}
	if ty, err = strconv.Atoi(ys); err != nil {
		return 0, 0, errors.New("invalid ty")
	}
	return tx, ty, nil
}

func tileHandler(svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, err := strconv.Atoi(chi.URLParam(r, "level"))
		if err != nil {
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}
		tx, ty, err := parseTileName(chi.URLParam(r, "tile"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Vary", "Accept-Encoding")
		if acceptsGzip(r) {
			data, err := svc.GetTile(level, tx, ty, true)
			if err == nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Content-Encoding", "gzip")
				w.Header().Set("Cache-Control", "public, max-age=3600")
				w.Write(data)
				return
			}
			if !errors.Is(err, service.ErrTileNotFound) {
				writeTileError(w, r, err)
				return
			}
		}

		data, err := svc.GetTile(level, tx, ty, false)
		if err != nil {
			writeTileError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

func cacheStatsHandler(svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(svc.CacheStats())
	}
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.TrimSpace(enc) != "gzip" {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}

func writeTileError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrTileNotFound) {
		http.NotFound(w, r)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// TileURL returns the request path of a tile.
func TileURL(level, tx, ty int) string {
	return "/tiles/" + tiles.TilePath(level, tx, ty)
}
