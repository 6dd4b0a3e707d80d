// Package evict reclaims disk space from the thumbnail cache by
// removing entries past an age bound and then, when the cache is still
// over its byte budget, the oldest remaining entries.
package evict

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/thumbcache/store"
	"github.com/wolfeidau/thumbcache/telemetry"
)

// BytesPerMB is the unit for size budgets: decimal megabytes.
const BytesPerMB = 1_000_000

// Config holds cleanup configuration.
type Config struct {
	// MaxAge removes entries whose capture timestamp is older than
	// this. Zero disables age-based removal.
	MaxAge time.Duration

	// MaxSizeMB is the total cache budget in decimal megabytes
	// (1 MB = 1,000,000 bytes). Zero disables size-based eviction.
	MaxSizeMB int64

	// Grace keeps files newer than this from being treated as
	// orphans, so a pair that is mid-publish is not torn by cleanup.
	// Default is 30s.
	Grace time.Duration

	// CheckInterval is how often the background sweeper runs.
	// Default is 5 minutes.
	CheckInterval time.Duration

	// Logger for cleanup events.
	Logger *slog.Logger

	// Now is the clock used for age checks. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default cleanup bounds: entries older than
// an hour go first, then the cache is trimmed to 100 MB.
func DefaultConfig() Config {
	return Config{
		MaxAge:        time.Hour,
		MaxSizeMB:     100,
		Grace:         30 * time.Second,
		CheckInterval: 5 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Result contains the results of a cleanup run.
type Result struct {
	Expired    int
	Orphans    int
	Evicted    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// Removed returns the total number of entries removed by the run.
func (r *Result) Removed() int {
	return r.Expired + r.Orphans + r.Evicted
}

// Manager removes expired and over-budget cache entries, either on
// demand via RunOnce or periodically via Start.
type Manager struct {
	dir    *store.Dir
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a cleanup manager for the given cache directory.
func New(dir *store.Dir, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		dir:    dir,
		config: cfg,
		logger: cfg.Logger,
		now:    now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background cleanup sweeps.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background cleanup sweeps.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *Result {
	start := m.now()
	result := &Result{}

	m.logger.Debug("starting cleanup")

	entries, err := m.dir.List(ctx)
	if err != nil {
		m.logger.Error("failed to list cache entries", "error", err)
		result.Errors++
		return result
	}

	remaining := m.removeExpired(ctx, entries, result)

	var total int64
	for _, e := range remaining {
		total += e.Size
	}
	total = m.evictOverBudget(ctx, remaining, total, result)

	result.Duration = m.now().Sub(start)
	telemetry.RecordCleanup(ctx, result.Expired, result.Orphans, result.Evicted, result.BytesFreed, result.Duration)
	telemetry.UpdateCacheState(ctx, total, len(remaining)-result.Evicted)

	if result.Removed() > 0 {
		m.logger.Info("cleanup complete",
			"expired", result.Expired,
			"orphans", result.Orphans,
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("cleanup complete, nothing to remove")
	}

	return result
}

// removeExpired deletes orphan half-pairs and entries past MaxAge,
// returning the valid entries that survive.
func (m *Manager) removeExpired(ctx context.Context, entries []*store.Entry, result *Result) []*store.Entry {
	now := m.now()
	var remaining []*store.Entry

	for _, e := range entries {
		if e.Orphan {
			// A very fresh half-pair may be a capture that has
			// published one file and not yet the other.
			if m.config.Grace > 0 && now.Sub(e.ModTime) < m.config.Grace {
				continue
			}
			if err := m.dir.RemoveEntry(ctx, e); err != nil {
				m.logger.Warn("failed to remove orphaned entry", "stem", e.Stem, "error", err)
				result.Errors++
				continue
			}
			result.Orphans++
			result.BytesFreed += e.Size
			m.logger.Debug("removed orphaned entry", "stem", e.Stem)
			continue
		}

		if m.config.MaxAge > 0 && now.Sub(e.Meta.Timestamp) > m.config.MaxAge {
			if err := m.dir.RemoveEntry(ctx, e); err != nil {
				m.logger.Warn("failed to remove expired thumbnail",
					"address", e.Meta.WindowAddress,
					"error", err,
				)
				result.Errors++
				continue
			}
			result.Expired++
			result.BytesFreed += e.Size
			m.logger.Debug("removed expired thumbnail",
				"address", e.Meta.WindowAddress,
				"age", now.Sub(e.Meta.Timestamp),
			)
			continue
		}

		remaining = append(remaining, e)
	}

	return remaining
}

// evictOverBudget deletes the oldest entries until total size fits the
// budget, returning the new total.
func (m *Manager) evictOverBudget(ctx context.Context, entries []*store.Entry, total int64, result *Result) int64 {
	if m.config.MaxSizeMB <= 0 {
		return total
	}
	budget := m.config.MaxSizeMB * BytesPerMB
	if total <= budget {
		return total
	}

	// Oldest capture first. Capture time stands in for access time
	// here: lookups never touch entries, so it is the only ordering
	// recorded on disk.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Meta.Timestamp.Before(entries[j].Meta.Timestamp)
	})

	for _, e := range entries {
		if total <= budget {
			break
		}

		if err := m.dir.RemoveEntry(ctx, e); err != nil {
			m.logger.Warn("failed to evict thumbnail",
				"address", e.Meta.WindowAddress,
				"error", err,
			)
			result.Errors++
			continue
		}

		result.Evicted++
		result.BytesFreed += e.Size
		total -= e.Size

		m.logger.Debug("evicted thumbnail",
			"address", e.Meta.WindowAddress,
			"captured", e.Meta.Timestamp,
			"size", e.Size,
		)
	}

	return total
}

// Stats summarizes the cache contents.
type Stats struct {
	Entries    int
	Orphans    int
	TotalBytes int64
	Oldest     time.Time
	Newest     time.Time
}

// Stats scans the cache directory and aggregates entry statistics.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	entries, err := m.dir.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, e := range entries {
		stats.TotalBytes += e.Size
		if e.Orphan {
			stats.Orphans++
			continue
		}
		stats.Entries++

		if stats.Oldest.IsZero() || e.Meta.Timestamp.Before(stats.Oldest) {
			stats.Oldest = e.Meta.Timestamp
		}
		if e.Meta.Timestamp.After(stats.Newest) {
			stats.Newest = e.Meta.Timestamp
		}
	}

	return stats, nil
}
