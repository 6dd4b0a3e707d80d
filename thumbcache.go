// Package thumbcache is a disk-backed cache of window-preview
// thumbnails. Each entry pairs a PNG image with a JSON metadata
// sidecar, keyed by window address; captures are delegated to external
// tooling, lookups are bounded by freshness, and cleanup enforces age
// and size budgets.
package thumbcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/wolfeidau/thumbcache/capture"
	"github.com/wolfeidau/thumbcache/evict"
	"github.com/wolfeidau/thumbcache/store"
	"github.com/wolfeidau/thumbcache/telemetry"
)

// DefaultMaxAge is the freshness bound applied by callers that have no
// opinion of their own.
const DefaultMaxAge = 5 * time.Minute

// Default cleanup bounds. MaxSizeMB is in decimal megabytes.
const (
	DefaultCleanupMaxAge = time.Hour
	DefaultMaxSizeMB     = 100
)

// Config configures a Cache.
type Config struct {
	// Dir is the cache root directory. Required; created if absent.
	Dir string

	// ThumbWidth is the target thumbnail width in pixels.
	// Default is 320.
	ThumbWidth int

	// CaptureTimeout bounds each capture, external tool invocations
	// included.
	CaptureTimeout time.Duration

	// CleanupInterval enables a background cleanup sweeper when
	// non-zero, bounded by CleanupMaxAge and CleanupMaxSizeMB.
	CleanupInterval time.Duration

	// CleanupMaxAge is the sweeper's entry age bound.
	// Default is DefaultCleanupMaxAge.
	CleanupMaxAge time.Duration

	// CleanupMaxSizeMB is the sweeper's size budget in decimal
	// megabytes. Default is DefaultMaxSizeMB.
	CleanupMaxSizeMB int64

	// Capturer and Resizer substitute the external tools; tests use
	// fakes here. When both are nil the tools are discovered on PATH.
	Capturer capture.Capturer
	Resizer  capture.Resizer

	// Logger for cache events.
	Logger *slog.Logger

	// Now is the clock for timestamps and freshness checks. Defaults
	// to time.Now.
	Now func() time.Time
}

// Cache is the caller-facing thumbnail cache.
type Cache struct {
	dir     *store.Dir
	sched   *capture.Scheduler
	sweeper *evict.Manager
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Cache rooted at cfg.Dir. Tool availability is probed
// once here; when the capture tool is missing every capture operation
// degrades to a no-op and Available reports false.
func New(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, errors.New("thumbcache: Dir is required")
	}
	if cfg.ThumbWidth == 0 {
		cfg.ThumbWidth = 320
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	dir, err := store.New(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving cache directory: %w", err)
	}

	capturer, resizer := cfg.Capturer, cfg.Resizer
	if capturer == nil && resizer == nil {
		probe := capture.NewProbe()
		capturer, resizer = probe.Capturer(), probe.Resizer()
	}

	sched := capture.New(dir, capturer, resizer, capture.Config{
		ThumbWidth: cfg.ThumbWidth,
		Timeout:    cfg.CaptureTimeout,
		Logger:     cfg.Logger,
		Now:        cfg.Now,
	})

	c := &Cache{
		dir:    dir,
		sched:  sched,
		logger: cfg.Logger,
		now:    cfg.Now,
	}

	if cfg.CleanupInterval > 0 {
		maxAge := cfg.CleanupMaxAge
		if maxAge == 0 {
			maxAge = DefaultCleanupMaxAge
		}
		maxSizeMB := cfg.CleanupMaxSizeMB
		if maxSizeMB == 0 {
			maxSizeMB = DefaultMaxSizeMB
		}
		c.sweeper = evict.New(dir, evict.Config{
			MaxAge:        maxAge,
			MaxSizeMB:     maxSizeMB,
			CheckInterval: cfg.CleanupInterval,
			Logger:        cfg.Logger,
			Now:           cfg.Now,
		})
		_ = c.sweeper.Start(context.Background())
	}

	return c, nil
}

// Available reports whether the external capture tooling was found.
func (c *Cache) Available() bool {
	return c.sched.Available()
}

// Dir returns the resolved cache directory root.
func (c *Cache) Dir() string {
	return c.dir.Root()
}

// CaptureWindow schedules a capture of the given window region without
// blocking. There is no completion signal; a later ThumbnailPath call
// may or may not see the new entry yet.
func (c *Cache) CaptureWindow(ctx context.Context, address string, x, y, width, height int, class, title, workspace string) {
	c.sched.Capture(ctx, capture.Request{
		WindowAddress: address,
		Region:        capture.Region{X: x, Y: y, Width: width, Height: height},
		WindowClass:   class,
		WindowTitle:   title,
		WorkspaceName: workspace,
	})
}

// CaptureWindowSync captures the given window region and blocks until
// the image and metadata are durably written or the attempt has
// failed. On failure any prior entry for the address is left
// untouched.
func (c *Cache) CaptureWindowSync(ctx context.Context, address string, x, y, width, height int, class, title, workspace string) error {
	return c.sched.CaptureSync(ctx, capture.Request{
		WindowAddress: address,
		Region:        capture.Region{X: x, Y: y, Width: width, Height: height},
		WindowClass:   class,
		WindowTitle:   title,
		WorkspaceName: workspace,
	})
}

// ThumbnailPath returns the image path for an address if a valid entry
// exists and its capture is no older than maxAge. The check is
// read-only; stale entries are left for Cleanup.
func (c *Cache) ThumbnailPath(ctx context.Context, address string, maxAge time.Duration) (string, bool) {
	meta, err := c.dir.ReadMetadata(ctx, address)
	if err != nil {
		telemetry.RecordLookup(ctx, false)
		return "", false
	}
	if meta.Age(c.now()) > maxAge {
		telemetry.RecordLookup(ctx, false)
		return "", false
	}

	imagePath := c.dir.ImagePath(address)
	if _, err := os.Stat(imagePath); err != nil {
		telemetry.RecordLookup(ctx, false)
		return "", false
	}

	telemetry.RecordLookup(ctx, true)
	return imagePath, true
}

// Metadata returns the stored metadata for an address regardless of
// freshness. A missing image, missing sidecar or unreadable sidecar
// all report not cached.
func (c *Cache) Metadata(ctx context.Context, address string) (*store.Metadata, bool) {
	meta, err := c.dir.ReadMetadata(ctx, address)
	if err != nil {
		return nil, false
	}
	if _, err := os.Stat(c.dir.ImagePath(address)); err != nil {
		return nil, false
	}
	return meta, true
}

// Cleanup removes entries older than maxAge along with orphaned
// half-pairs, then evicts the oldest remaining entries until the cache
// fits maxSizeMB decimal megabytes.
func (c *Cache) Cleanup(ctx context.Context, maxAge time.Duration, maxSizeMB int64) *evict.Result {
	m := evict.New(c.dir, evict.Config{
		MaxAge:    maxAge,
		MaxSizeMB: maxSizeMB,
		Grace:     30 * time.Second,
		Logger:    c.logger,
		Now:       c.now,
	})
	return m.RunOnce(ctx)
}

// Stats reports entry count and total size of the cache directory.
func (c *Cache) Stats(ctx context.Context) (*evict.Stats, error) {
	m := evict.New(c.dir, evict.Config{Logger: c.logger, Now: c.now})
	return m.Stats(ctx)
}

// Close waits for in-flight background captures and stops the cleanup
// sweeper, if one is running.
func (c *Cache) Close() {
	c.sched.Wait()
	if c.sweeper != nil {
		c.sweeper.Stop()
	}
}
