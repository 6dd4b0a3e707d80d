// Command thumbcache captures, inspects and prunes window-preview
// thumbnails from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/thumbcache"
	"github.com/wolfeidau/thumbcache/telemetry"
)

var version = "dev"

type cli struct {
	CacheDir  string `help:"Cache directory (default: user cache dir)." env:"THUMBCACHE_DIR"`
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	Capture captureCmd `cmd:"" help:"Capture a window region into the cache."`
	Lookup  lookupCmd  `cmd:"" help:"Print the thumbnail path for a window address, if fresh."`
	Meta    metaCmd    `cmd:"" help:"Print the stored metadata for a window address."`
	Cleanup cleanupCmd `cmd:"" help:"Remove old entries and trim the cache to its size budget."`
	Stats   statsCmd   `cmd:"" help:"Print cache statistics."`
	Daemon  daemonCmd  `cmd:"" help:"Run periodic cleanup and serve metrics."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// runCtx carries the resolved globals into command Run methods.
type runCtx struct {
	dir    string
	logger *slog.Logger
}

func (rc *runCtx) openCache() (*thumbcache.Cache, error) {
	return thumbcache.New(thumbcache.Config{
		Dir:    rc.dir,
		Logger: rc.logger,
	})
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("thumbcache"),
		kong.Description("Disk-backed window-preview thumbnail cache."),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(flags.LogLevel, flags.LogFormat)
	kctx.FatalIfErrorf(err)

	dir := flags.CacheDir
	if dir == "" {
		base, err := os.UserCacheDir()
		kctx.FatalIfErrorf(err)
		dir = filepath.Join(base, "thumbcache")
	}

	err = kctx.Run(&runCtx{dir: dir, logger: logger})
	kctx.FatalIfErrorf(err)
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})), nil
}

type captureCmd struct {
	Address   string `arg:"" help:"Window address (cache key)."`
	X         int    `help:"Region left edge in pixels." default:"0"`
	Y         int    `help:"Region top edge in pixels." default:"0"`
	Width     int    `help:"Region width in pixels." required:""`
	Height    int    `help:"Region height in pixels." required:""`
	Class     string `help:"Window class stored in metadata."`
	Title     string `help:"Window title stored in metadata."`
	Workspace string `help:"Workspace name stored in metadata."`
}

func (c *captureCmd) Run(rc *runCtx) error {
	cache, err := rc.openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	if !cache.Available() {
		return fmt.Errorf("capture tools not found on PATH")
	}

	ctx := context.Background()
	if err := cache.CaptureWindowSync(ctx, c.Address, c.X, c.Y, c.Width, c.Height, c.Class, c.Title, c.Workspace); err != nil {
		return err
	}

	if path, ok := cache.ThumbnailPath(ctx, c.Address, thumbcache.DefaultMaxAge); ok {
		fmt.Println(path)
	}
	return nil
}

type lookupCmd struct {
	Address string        `arg:"" help:"Window address (cache key)."`
	MaxAge  time.Duration `help:"Freshness bound." default:"5m"`
}

func (c *lookupCmd) Run(rc *runCtx) error {
	cache, err := rc.openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	path, ok := cache.ThumbnailPath(context.Background(), c.Address, c.MaxAge)
	if !ok {
		return fmt.Errorf("not cached: %s", c.Address)
	}
	fmt.Println(path)
	return nil
}

type metaCmd struct {
	Address string `arg:"" help:"Window address (cache key)."`
}

func (c *metaCmd) Run(rc *runCtx) error {
	cache, err := rc.openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	meta, ok := cache.Metadata(context.Background(), c.Address)
	if !ok {
		return fmt.Errorf("not cached: %s", c.Address)
	}

	out, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

type cleanupCmd struct {
	MaxAge    time.Duration `help:"Remove entries older than this." default:"1h"`
	MaxSizeMB int64         `help:"Cache size budget in decimal megabytes." default:"100"`
}

func (c *cleanupCmd) Run(rc *runCtx) error {
	cache, err := rc.openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	result := cache.Cleanup(context.Background(), c.MaxAge, c.MaxSizeMB)
	rc.logger.Info("cleanup finished",
		"expired", result.Expired,
		"orphans", result.Orphans,
		"evicted", result.Evicted,
		"bytes_freed", result.BytesFreed,
		"errors", result.Errors,
	)
	return nil
}

type statsCmd struct{}

func (c *statsCmd) Run(rc *runCtx) error {
	cache, err := rc.openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	stats, err := cache.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("directory:    %s\n", cache.Dir())
	fmt.Printf("entries:      %d\n", stats.Entries)
	fmt.Printf("orphans:      %d\n", stats.Orphans)
	fmt.Printf("total bytes:  %d\n", stats.TotalBytes)
	if !stats.Oldest.IsZero() {
		fmt.Printf("oldest:       %s\n", stats.Oldest.Format(time.RFC3339))
		fmt.Printf("newest:       %s\n", stats.Newest.Format(time.RFC3339))
	}
	return nil
}

type daemonCmd struct {
	Interval     time.Duration `help:"How often to run cleanup." default:"5m"`
	MaxAge       time.Duration `help:"Remove entries older than this." default:"1h"`
	MaxSizeMB    int64         `help:"Cache size budget in decimal megabytes." default:"100"`
	MetricsAddr  string        `help:"Address for the Prometheus /metrics endpoint. Empty disables it."`
	OTLPEndpoint string        `help:"OTLP gRPC endpoint for metrics push. Empty disables it."`
}

func (d *daemonCmd) Run(rc *runCtx) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if d.MetricsAddr != "" || d.OTLPEndpoint != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "thumbcache",
			ServiceVersion:   version,
			OTLPEndpoint:     d.OTLPEndpoint,
			EnablePrometheus: d.MetricsAddr != "",
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = shutdown(sctx)
		}()
	}

	cache, err := thumbcache.New(thumbcache.Config{
		Dir:              rc.dir,
		Logger:           rc.logger,
		CleanupInterval:  d.Interval,
		CleanupMaxAge:    d.MaxAge,
		CleanupMaxSizeMB: d.MaxSizeMB,
	})
	if err != nil {
		return err
	}
	defer cache.Close()

	errCh := make(chan error, 1)
	var srv *http.Server
	if d.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		srv = &http.Server{Addr: d.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		rc.logger.Info("metrics endpoint listening", "addr", d.MetricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	rc.logger.Info("cleanup daemon started",
		"dir", rc.dir,
		"interval", d.Interval,
		"max_age", d.MaxAge,
		"max_size_mb", d.MaxSizeMB,
	)

	select {
	case sig := <-sigCh:
		rc.logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}
	return nil
}
