package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/thumbcache/store"
	"github.com/wolfeidau/thumbcache/telemetry"
)

// Request describes one window capture.
type Request struct {
	WindowAddress string
	Region        Region
	WindowClass   string
	WindowTitle   string
	WorkspaceName string
}

// Config configures a Scheduler.
type Config struct {
	// ThumbWidth is the target thumbnail width in pixels. Zero
	// disables resizing.
	ThumbWidth int

	// Timeout bounds each capture, external tool invocations included.
	// Default is 10s.
	Timeout time.Duration

	// Logger for capture events.
	Logger *slog.Logger

	// Now is the clock used for metadata timestamps. Defaults to
	// time.Now.
	Now func() time.Time
}

// Scheduler runs captures and publishes the resulting image/metadata
// pairs. Captures for the same window address are single-flighted, so
// the on-disk pair always corresponds to exactly one completed
// capture.
type Scheduler struct {
	dir      *store.Dir
	capturer Capturer
	resizer  Resizer
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	flights singleflight.Group
	wg      sync.WaitGroup
}

// New creates a scheduler. capturer may be nil, in which case the
// capability is missing and every capture is a cheap no-op.
func New(dir *store.Dir, capturer Capturer, resizer Resizer, cfg Config) *Scheduler {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		dir:      dir,
		capturer: capturer,
		resizer:  resizer,
		config:   cfg,
		logger:   cfg.Logger,
		now:      now,
	}
}

// Available reports whether captures can perform real work.
func (s *Scheduler) Available() bool {
	return s.capturer != nil
}

// Capture schedules a capture without blocking. There is no completion
// signal; failures are logged and a previous entry for the address, if
// any, is left in place.
func (s *Scheduler) Capture(ctx context.Context, req Request) {
	if s.capturer == nil {
		telemetry.RecordCapture(ctx, "skipped", 0)
		return
	}

	// The flight must outlive the caller's request scope.
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.capture(ctx, req); err != nil {
			s.logger.Debug("background capture failed",
				"address", req.WindowAddress,
				"error", err,
			)
		}
	}()
}

// CaptureSync captures and blocks until the image and metadata are
// durably published or the attempt has failed. On failure no partial
// files remain and a previous entry for the address is untouched.
func (s *Scheduler) CaptureSync(ctx context.Context, req Request) error {
	if s.capturer == nil {
		telemetry.RecordCapture(ctx, "skipped", 0)
		return nil
	}
	return s.capture(ctx, req)
}

// Wait blocks until all background captures have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// capture runs at most one flight per window address; concurrent
// calls for the same address join the in-flight capture instead of
// racing it.
func (s *Scheduler) capture(ctx context.Context, req Request) error {
	_, err, _ := s.flights.Do(req.WindowAddress, func() (any, error) {
		return nil, s.run(ctx, req)
	})
	return err
}

func (s *Scheduler) run(ctx context.Context, req Request) error {
	start := s.now()
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	raw := s.dir.ScratchPath("png")
	defer func() { _ = os.Remove(raw) }()

	if err := s.capturer.Capture(ctx, req.Region, raw); err != nil {
		telemetry.RecordCapture(ctx, "error", s.now().Sub(start))
		return fmt.Errorf("capturing window %s: %w", req.WindowAddress, err)
	}
	if info, err := os.Stat(raw); err != nil || info.Size() == 0 {
		telemetry.RecordCapture(ctx, "error", s.now().Sub(start))
		return fmt.Errorf("capturing window %s: tool produced no output", req.WindowAddress)
	}

	final := raw
	if s.resizer != nil && s.config.ThumbWidth > 0 {
		resized := s.dir.ScratchPath("png")
		defer func() { _ = os.Remove(resized) }()
		if err := s.resizer.Resize(ctx, raw, resized, s.config.ThumbWidth); err != nil {
			telemetry.RecordCapture(ctx, "error", s.now().Sub(start))
			return fmt.Errorf("resizing thumbnail for %s: %w", req.WindowAddress, err)
		}
		final = resized
	}

	meta := &store.Metadata{
		WindowAddress: req.WindowAddress,
		WindowClass:   req.WindowClass,
		WindowTitle:   req.WindowTitle,
		WorkspaceName: req.WorkspaceName,
		Timestamp:     s.now(),
		Width:         req.Region.Width,
		Height:        req.Region.Height,
	}
	if err := s.dir.PublishPair(ctx, req.WindowAddress, final, meta); err != nil {
		telemetry.RecordCapture(ctx, "error", s.now().Sub(start))
		return fmt.Errorf("publishing thumbnail for %s: %w", req.WindowAddress, err)
	}

	duration := s.now().Sub(start)
	s.logger.Debug("captured window thumbnail",
		"address", req.WindowAddress,
		"class", req.WindowClass,
		"duration", duration,
	)
	telemetry.RecordCapture(ctx, "ok", duration)
	return nil
}
