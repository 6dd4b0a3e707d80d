package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDir(t *testing.T) *Dir {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	return d
}

func testMetadata(address string) *Metadata {
	return &Metadata{
		WindowAddress: address,
		WindowClass:   "firefox",
		WindowTitle:   "Example",
		WorkspaceName: "1",
		Timestamp:     time.Now().UTC().Truncate(time.Second),
		Width:         800,
		Height:        600,
	}
}

// stageImage writes a scratch image file ready for publishing.
func stageImage(t *testing.T, d *Dir, size int) string {
	t.Helper()
	path := d.ScratchPath("png")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

func publish(t *testing.T, d *Dir, address string, size int) *Metadata {
	t.Helper()
	meta := testMetadata(address)
	require.NoError(t, d.PublishPair(context.Background(), address, stageImage(t, d, size), meta))
	return meta
}

func scratchLeftovers(t *testing.T, d *Dir) []string {
	t.Helper()
	dirents, err := os.ReadDir(d.Root())
	require.NoError(t, err)

	var tmp []string
	for _, de := range dirents {
		if strings.HasPrefix(de.Name(), tmpPrefix) {
			tmp = append(tmp, de.Name())
		}
	}
	return tmp
}

func TestNewCreatesDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")

	d, err := New(root)
	require.NoError(t, err)
	require.Equal(t, root, d.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewIdempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")

	_, err := New(root)
	require.NoError(t, err)
	_, err = New(root)
	require.NoError(t, err)
}

func TestPathsDeterministic(t *testing.T) {
	d := newTestDir(t)

	require.Equal(t, d.ImagePath("0x55f"), d.ImagePath("0x55f"))
	require.NotEqual(t, d.ImagePath("0x55f"), d.ImagePath("0x560"))
	require.NotEqual(t, d.ImagePath("0x55f"), d.MetadataPath("0x55f"))

	require.True(t, strings.HasSuffix(d.ImagePath("0x55f"), imageExt))
	require.True(t, strings.HasSuffix(d.MetadataPath("0x55f"), metadataExt))
	require.Equal(t, d.Root(), filepath.Dir(d.ImagePath("0x55f")))
}

func TestScratchPathUnique(t *testing.T) {
	d := newTestDir(t)

	a, b := d.ScratchPath("png"), d.ScratchPath("png")
	require.NotEqual(t, a, b)
	require.Equal(t, d.Root(), filepath.Dir(a))
	require.True(t, strings.HasPrefix(filepath.Base(a), tmpPrefix))
}

func TestPublishPairRoundTrip(t *testing.T) {
	d := newTestDir(t)
	ctx := context.Background()

	meta := publish(t, d, "0x55f", 64)

	got, err := d.ReadMetadata(ctx, "0x55f")
	require.NoError(t, err)
	require.Equal(t, meta.WindowAddress, got.WindowAddress)
	require.Equal(t, meta.WindowClass, got.WindowClass)
	require.Equal(t, meta.WindowTitle, got.WindowTitle)
	require.Equal(t, meta.WorkspaceName, got.WorkspaceName)
	require.True(t, meta.Timestamp.Equal(got.Timestamp))
	require.Equal(t, meta.Width, got.Width)
	require.Equal(t, meta.Height, got.Height)

	info, err := os.Stat(d.ImagePath("0x55f"))
	require.NoError(t, err)
	require.Equal(t, int64(64), info.Size())

	require.Empty(t, scratchLeftovers(t, d))
}

func TestPublishPairOverwrites(t *testing.T) {
	d := newTestDir(t)
	ctx := context.Background()

	publish(t, d, "0x55f", 64)

	meta := testMetadata("0x55f")
	meta.WindowTitle = "Example - updated"
	require.NoError(t, d.PublishPair(ctx, "0x55f", stageImage(t, d, 32), meta))

	got, err := d.ReadMetadata(ctx, "0x55f")
	require.NoError(t, err)
	require.Equal(t, "Example - updated", got.WindowTitle)

	info, err := os.Stat(d.ImagePath("0x55f"))
	require.NoError(t, err)
	require.Equal(t, int64(32), info.Size())
}

func TestReadMetadataMissing(t *testing.T) {
	d := newTestDir(t)

	_, err := d.ReadMetadata(context.Background(), "0x55f")
	require.ErrorIs(t, err, ErrNotCached)
}

func TestReadMetadataCorrupt(t *testing.T) {
	d := newTestDir(t)

	require.NoError(t, os.WriteFile(d.MetadataPath("0x55f"), []byte("{not json"), 0644))

	_, err := d.ReadMetadata(context.Background(), "0x55f")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotCached)
}

func TestWriteMetadataReplaces(t *testing.T) {
	d := newTestDir(t)
	ctx := context.Background()

	publish(t, d, "0x55f", 16)

	meta := testMetadata("0x55f")
	meta.Timestamp = meta.Timestamp.Add(-400 * time.Second)
	require.NoError(t, d.WriteMetadata(ctx, "0x55f", meta))

	got, err := d.ReadMetadata(ctx, "0x55f")
	require.NoError(t, err)
	require.True(t, meta.Timestamp.Equal(got.Timestamp))
	require.Empty(t, scratchLeftovers(t, d))
}

func TestListPairsAndOrphans(t *testing.T) {
	d := newTestDir(t)
	ctx := context.Background()

	// Valid pair.
	publish(t, d, "0x100", 64)

	// Sidecar without an image.
	require.NoError(t, d.WriteMetadata(ctx, "0x200", testMetadata("0x200")))

	// Image without a sidecar.
	require.NoError(t, os.WriteFile(d.ImagePath("0x300"), []byte("img"), 0644))

	// Pair with a corrupt sidecar.
	require.NoError(t, os.WriteFile(d.ImagePath("0x400"), []byte("img"), 0644))
	require.NoError(t, os.WriteFile(d.MetadataPath("0x400"), []byte("{bad"), 0644))

	// Scratch file, must be skipped.
	require.NoError(t, os.WriteFile(d.ScratchPath("png"), []byte("tmp"), 0644))

	entries, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	orphans := 0
	for _, e := range entries {
		if e.Orphan {
			orphans++
			require.Nil(t, e.Meta)
		} else {
			require.NotNil(t, e.Meta)
			require.Equal(t, "0x100", e.Meta.WindowAddress)
			require.Positive(t, e.Size)
			require.False(t, e.ModTime.IsZero())
		}
	}
	require.Equal(t, 3, orphans)
}

func TestRemovePair(t *testing.T) {
	d := newTestDir(t)
	ctx := context.Background()

	publish(t, d, "0x55f", 64)
	require.NoError(t, d.RemovePair(ctx, "0x55f"))

	_, err := os.Stat(d.ImagePath("0x55f"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(d.MetadataPath("0x55f"))
	require.True(t, os.IsNotExist(err))

	// Removing an absent pair is not an error.
	require.NoError(t, d.RemovePair(ctx, "0x55f"))
}

func TestRemoveEntry(t *testing.T) {
	d := newTestDir(t)
	ctx := context.Background()

	publish(t, d, "0x55f", 64)

	entries, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, d.RemoveEntry(ctx, entries[0]))

	entries, err = d.List(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}
