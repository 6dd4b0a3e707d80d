// Package store manages the on-disk layout of the thumbnail cache: a
// single root directory holding, per window address, a PNG image and a
// JSON metadata sidecar. File names are derived deterministically from
// the window address, so the directory itself is the index.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotCached is returned when no entry exists for an address.
var ErrNotCached = errors.New("not cached")

const (
	imageExt    = ".png"
	metadataExt = ".json"
	tmpPrefix   = ".tmp-"
)

// Dir is the on-disk cache directory. Entry paths are pure functions
// of the root and the window address; the only I/O at construction is
// creating the root.
type Dir struct {
	root string
}

// New resolves the cache directory, creating it if absent. Creation is
// idempotent.
func New(root string) (*Dir, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Dir{root: absRoot}, nil
}

// Root returns the resolved cache directory path.
func (d *Dir) Root() string {
	return d.root
}

// ImagePath returns the thumbnail path for a window address.
func (d *Dir) ImagePath(address string) string {
	return filepath.Join(d.root, Stem(address)+imageExt)
}

// MetadataPath returns the metadata sidecar path for a window address.
func (d *Dir) MetadataPath(address string) string {
	return filepath.Join(d.root, Stem(address)+metadataExt)
}

// ScratchPath returns a unique temp file path inside the cache
// directory. Scratch files share the filesystem with published entries
// so renames are atomic, and the prefix keeps them out of List.
func (d *Dir) ScratchPath(ext string) string {
	return filepath.Join(d.root, tmpPrefix+uuid.NewString()+"."+ext)
}

// ReadMetadata reads and parses the metadata sidecar for an address.
// Returns ErrNotCached if the sidecar does not exist.
func (d *Dir) ReadMetadata(ctx context.Context, address string) (*Metadata, error) {
	data, err := os.ReadFile(d.MetadataPath(address))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotCached
		}
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &meta, nil
}

// WriteMetadata atomically replaces the metadata sidecar for an
// address.
func (d *Dir) WriteMetadata(ctx context.Context, address string, meta *Metadata) error {
	tmpPath, err := d.stageMetadata(meta)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, d.MetadataPath(address)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("publishing metadata: %w", err)
	}
	return nil
}

// PublishPair atomically publishes a captured image and its metadata.
// imageSrc must be a scratch file in the cache directory (see
// ScratchPath). The image is renamed into place first and the metadata
// last, so a published sidecar always has its image; a crash in
// between leaves an orphan image that lookup ignores and cleanup
// removes. No partial files survive a failure.
func (d *Dir) PublishPair(ctx context.Context, address string, imageSrc string, meta *Metadata) error {
	if err := syncFile(imageSrc); err != nil {
		return fmt.Errorf("syncing image: %w", err)
	}

	metaTmp, err := d.stageMetadata(meta)
	if err != nil {
		return err
	}

	if err := os.Rename(imageSrc, d.ImagePath(address)); err != nil {
		_ = os.Remove(metaTmp)
		return fmt.Errorf("publishing image: %w", err)
	}
	if err := os.Rename(metaTmp, d.MetadataPath(address)); err != nil {
		_ = os.Remove(metaTmp)
		return fmt.Errorf("publishing metadata: %w", err)
	}
	return nil
}

// stageMetadata writes the encoded metadata to a synced scratch file
// and returns its path. The caller renames it into place.
func (d *Dir) stageMetadata(meta *Metadata) (string, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}

	tmp, err := os.CreateTemp(d.root, tmpPrefix+"*"+metadataExt)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("writing metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("syncing metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}

	success = true
	return tmpPath, nil
}

// RemovePair deletes the entry for an address, image first so a
// concurrent lookup sees either the old pair or nothing. Removing an
// absent entry is not an error.
func (d *Dir) RemovePair(ctx context.Context, address string) error {
	return removeFiles(d.ImagePath(address), d.MetadataPath(address))
}

// Entry is one cache entry, or half of one, found by List.
type Entry struct {
	Stem         string
	ImagePath    string
	MetadataPath string

	// Meta is nil when the sidecar is missing or unreadable.
	Meta *Metadata

	// Size is the combined size in bytes of whichever files exist.
	Size int64

	// ModTime is the newest modification time of the pair, used by
	// cleanup to leave freshly written files alone.
	ModTime time.Time

	// Orphan marks a half-pair: one file missing, or an unreadable
	// sidecar.
	Orphan bool
}

// List enumerates the cache directory, pairing images with their
// sidecars. Scratch files are skipped. Entries are returned in stem
// order.
func (d *Dir) List(ctx context.Context) ([]*Entry, error) {
	dirents, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("reading cache directory: %w", err)
	}

	byStem := make(map[string]*Entry)
	for _, de := range dirents {
		if de.IsDir() || strings.HasPrefix(de.Name(), tmpPrefix) {
			continue
		}
		ext := filepath.Ext(de.Name())
		if ext != imageExt && ext != metadataExt {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and stat.
			continue
		}

		stem := strings.TrimSuffix(de.Name(), ext)
		e := byStem[stem]
		if e == nil {
			e = &Entry{Stem: stem}
			byStem[stem] = e
		}

		path := filepath.Join(d.root, de.Name())
		if ext == imageExt {
			e.ImagePath = path
		} else {
			e.MetadataPath = path
		}
		e.Size += info.Size()
		if info.ModTime().After(e.ModTime) {
			e.ModTime = info.ModTime()
		}
	}

	entries := make([]*Entry, 0, len(byStem))
	for _, e := range byStem {
		if e.ImagePath == "" || e.MetadataPath == "" {
			e.Orphan = true
			entries = append(entries, e)
			continue
		}

		data, err := os.ReadFile(e.MetadataPath)
		if err != nil {
			e.Orphan = true
			entries = append(entries, e)
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			e.Orphan = true
			entries = append(entries, e)
			continue
		}
		e.Meta = &meta
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Stem < entries[j].Stem })
	return entries, nil
}

// RemoveEntry deletes whatever files an entry has, image first.
func (d *Dir) RemoveEntry(ctx context.Context, e *Entry) error {
	return removeFiles(e.ImagePath, e.MetadataPath)
}

func removeFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
