package evict

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/thumbcache/store"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.Dir) {
	t.Helper()
	dir, err := store.New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)

	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	return New(dir, cfg), dir
}

// putEntry publishes an entry with an image of the given size and the
// given capture timestamp.
func putEntry(t *testing.T, dir *store.Dir, address string, size int, ts time.Time) {
	t.Helper()

	scratch := dir.ScratchPath("png")
	require.NoError(t, os.WriteFile(scratch, make([]byte, size), 0644))

	meta := &store.Metadata{
		WindowAddress: address,
		WindowClass:   "firefox",
		Timestamp:     ts,
		Width:         800,
		Height:        600,
	}
	require.NoError(t, dir.PublishPair(context.Background(), address, scratch, meta))
}

func addresses(t *testing.T, dir *store.Dir) []string {
	t.Helper()
	entries, err := dir.List(context.Background())
	require.NoError(t, err)

	var out []string
	for _, e := range entries {
		if e.Meta != nil {
			out = append(out, e.Meta.WindowAddress)
		} else {
			out = append(out, e.Stem)
		}
	}
	return out
}

func TestRunOnceRemovesExpired(t *testing.T) {
	m, dir := newTestManager(t, Config{MaxAge: time.Hour})
	ctx := context.Background()

	putEntry(t, dir, "old", 64, fixedNow.Add(-2*time.Hour))
	putEntry(t, dir, "fresh", 64, fixedNow.Add(-10*time.Minute))

	result := m.RunOnce(ctx)
	require.Equal(t, 1, result.Expired)
	require.Zero(t, result.Errors)
	require.Positive(t, result.BytesFreed)

	require.Equal(t, []string{"fresh"}, addresses(t, dir))
	_, err := os.Stat(dir.ImagePath("old"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(dir.MetadataPath("old"))
	require.True(t, os.IsNotExist(err))
}

func TestRunOnceRemovesOrphans(t *testing.T) {
	m, dir := newTestManager(t, Config{MaxAge: time.Hour, Now: time.Now})
	ctx := context.Background()

	// Image without sidecar, sidecar without image, corrupt sidecar.
	require.NoError(t, os.WriteFile(dir.ImagePath("half-image"), []byte("img"), 0644))
	require.NoError(t, dir.WriteMetadata(ctx, "half-meta", &store.Metadata{
		WindowAddress: "half-meta",
		Timestamp:     time.Now(),
	}))
	require.NoError(t, os.WriteFile(dir.ImagePath("corrupt"), []byte("img"), 0644))
	require.NoError(t, os.WriteFile(dir.MetadataPath("corrupt"), []byte("{bad"), 0644))

	result := m.RunOnce(ctx)
	require.Equal(t, 3, result.Orphans)

	entries, err := dir.List(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestGraceKeepsFreshOrphans(t *testing.T) {
	m, dir := newTestManager(t, Config{MaxAge: time.Hour, Grace: time.Hour, Now: time.Now})
	ctx := context.Background()

	// A mid-publish capture looks like an orphan until its second
	// file lands; cleanup must leave it alone while it is fresh.
	require.NoError(t, os.WriteFile(dir.ImagePath("publishing"), []byte("img"), 0644))

	result := m.RunOnce(ctx)
	require.Zero(t, result.Orphans)

	_, err := os.Stat(dir.ImagePath("publishing"))
	require.NoError(t, err)
}

func TestEvictOverBudgetOldestFirst(t *testing.T) {
	m, dir := newTestManager(t, Config{MaxSizeMB: 1})
	ctx := context.Background()

	putEntry(t, dir, "oldest", 400_000, fixedNow.Add(-30*time.Minute))
	putEntry(t, dir, "middle", 400_000, fixedNow.Add(-20*time.Minute))
	putEntry(t, dir, "newest", 400_000, fixedNow.Add(-10*time.Minute))

	result := m.RunOnce(ctx)
	require.Equal(t, 1, result.Evicted)
	require.Zero(t, result.Expired)

	require.ElementsMatch(t, []string{"middle", "newest"}, addresses(t, dir))
}

func TestEvictUntilUnderBudget(t *testing.T) {
	m, dir := newTestManager(t, Config{MaxSizeMB: 1})
	ctx := context.Background()

	for i, address := range []string{"a", "b", "c", "d"} {
		putEntry(t, dir, address, 400_000, fixedNow.Add(time.Duration(i)*time.Minute))
	}

	m.RunOnce(ctx)

	var total int64
	entries, err := dir.List(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		total += e.Size
	}
	require.LessOrEqual(t, total, int64(1*BytesPerMB))
}

func TestCleanupIdempotent(t *testing.T) {
	m, dir := newTestManager(t, Config{MaxAge: time.Hour, MaxSizeMB: 1})
	ctx := context.Background()

	putEntry(t, dir, "old", 64, fixedNow.Add(-2*time.Hour))
	putEntry(t, dir, "fresh", 64, fixedNow.Add(-10*time.Minute))

	first := m.RunOnce(ctx)
	require.Equal(t, 1, first.Removed())

	second := m.RunOnce(ctx)
	require.Zero(t, second.Removed())
	require.Zero(t, second.Errors)

	require.Equal(t, []string{"fresh"}, addresses(t, dir))
}

func TestNoEntryOlderThanMaxAgeSurvives(t *testing.T) {
	maxAge := 30 * time.Minute
	m, dir := newTestManager(t, Config{MaxAge: maxAge})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		putEntry(t, dir, string(rune('a'+i)), 64, fixedNow.Add(-time.Duration(i)*15*time.Minute))
	}

	m.RunOnce(ctx)

	entries, err := dir.List(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		require.LessOrEqual(t, fixedNow.Sub(e.Meta.Timestamp), maxAge)
	}
}

func TestZeroBoundsDisableRemoval(t *testing.T) {
	m, dir := newTestManager(t, Config{})
	ctx := context.Background()

	putEntry(t, dir, "ancient", 400_000, fixedNow.Add(-1000*time.Hour))

	result := m.RunOnce(ctx)
	require.Zero(t, result.Removed())
	require.Equal(t, []string{"ancient"}, addresses(t, dir))
}

func TestStats(t *testing.T) {
	m, dir := newTestManager(t, Config{})
	ctx := context.Background()

	oldest := fixedNow.Add(-2 * time.Hour)
	newest := fixedNow.Add(-5 * time.Minute)
	putEntry(t, dir, "a", 100, oldest)
	putEntry(t, dir, "b", 200, newest)
	require.NoError(t, os.WriteFile(dir.ImagePath("half"), []byte("img"), 0644))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Entries)
	require.Equal(t, 1, stats.Orphans)
	require.Positive(t, stats.TotalBytes)
	require.True(t, stats.Oldest.Equal(oldest))
	require.True(t, stats.Newest.Equal(newest))
}

func TestSweeperRemovesExpiredEntries(t *testing.T) {
	m, dir := newTestManager(t, Config{
		MaxAge:        time.Hour,
		CheckInterval: 20 * time.Millisecond,
		Now:           time.Now,
	})
	ctx := context.Background()

	putEntry(t, dir, "old", 64, time.Now().Add(-2*time.Hour))

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	require.Eventually(t, func() bool {
		entries, err := dir.List(ctx)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, Config{CheckInterval: time.Hour})

	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	m.Stop()
}
