// Package ingest walks an evidence pack and builds its file inventory. It
// observes the manifest but never validates pack content; validation belongs
// to the verifier.
package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// Layout versions.
const (
	LayoutV1      = "1.0"
	LayoutUnknown = "unknown"
)

// ManifestName is the pack manifest's path relative to the pack root.
const ManifestName = "manifest.json"

// canonicalSubtrees are the directories a 1.0 layout must contain.
var canonicalSubtrees = []string{"integrity", "artifacts", "timeline"}

// Source records how a pack reached the filesystem.
type Source string

const (
	SourceDir Source = "dir"
	SourceZip Source = "zip"
)

// ErrorCode classifies structural ingestion failures.
type ErrorCode string

const (
	ErrPackNotFound    ErrorCode = "PACK_NOT_FOUND"
	ErrZipDisabled     ErrorCode = "ZIP_DISABLED"
	ErrInvalidPackType ErrorCode = "INVALID_PACK_TYPE"
	ErrPackUnreadable  ErrorCode = "PACK_UNREADABLE"
)

// Error is a structural ingestion failure. It aborts the ingest stage.
type Error struct {
	Code ErrorCode
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingest: %s: %s: %v", e.Code, e.Path, e.Err)
	}
	return fmt.Sprintf("ingest: %s: %s", e.Code, e.Path)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the ingest error code carried by err, if any.
func CodeOf(err error) (ErrorCode, bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code, true
	}
	return "", false
}

// Options configures ingestion.
type Options struct {
	AllowZip bool
	// MaxZipEntryBytes caps each extracted zip entry; zero uses the default.
	MaxZipEntryBytes int64
}

// Pack is an ingested evidence pack. It is immutable after Ingest returns.
type Pack struct {
	RootPath       string
	Files          []string // slash-separated, relative to RootPath, sorted
	TotalSizeBytes int64
	LayoutVersion  string
	Manifest       ManifestResult
	Source         Source

	sizes   map[string]int64
	cleanup func() error
}

// Has reports whether rel is a regular file in the inventory.
func (p *Pack) Has(rel string) bool {
	_, ok := p.sizes[rel]
	return ok
}

// Size returns the on-disk size of rel, or -1 when rel is not in the inventory.
func (p *Pack) Size(rel string) int64 {
	n, ok := p.sizes[rel]
	if !ok {
		return -1
	}
	return n
}

// Abs returns the filesystem path of an inventory entry.
func (p *Pack) Abs(rel string) string {
	return filepath.Join(p.RootPath, filepath.FromSlash(rel))
}

// ReadFile reads an inventory entry. Paths outside the inventory are refused,
// so symlinks and special files skipped during the walk stay unreachable.
func (p *Pack) ReadFile(rel string) ([]byte, error) {
	if !p.Has(rel) {
		return nil, fmt.Errorf("ingest: %s: %w", rel, fs.ErrNotExist)
	}
	data, err := os.ReadFile(p.Abs(rel))
	if err != nil {
		return nil, fmt.Errorf("ingest: read %s: %w", rel, err)
	}
	return data, nil
}

// HasDir reports whether any inventory entry lives under dir.
func (p *Pack) HasDir(dir string) bool {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	i := sort.SearchStrings(p.Files, prefix)
	return i < len(p.Files) && strings.HasPrefix(p.Files[i], prefix)
}

// Close releases resources owned by the pack, such as a zip extraction
// directory. It is safe to call on directory packs.
func (p *Pack) Close() error {
	if p == nil || p.cleanup == nil {
		return nil
	}
	err := p.cleanup()
	p.cleanup = nil
	return err
}

// Ingest loads the pack at root. Structural failures are returned as *Error.
func Ingest(root string, opts Options) (*Pack, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Code: ErrPackNotFound, Path: root}
		}
		return nil, &Error{Code: ErrPackUnreadable, Path: root, Err: err}
	}

	switch {
	case info.IsDir():
		resolved, err := filepath.EvalSymlinks(root)
		if err != nil {
			return nil, &Error{Code: ErrPackUnreadable, Path: root, Err: err}
		}
		return ingestDir(resolved, SourceDir)
	case info.Mode().IsRegular() && strings.EqualFold(filepath.Ext(root), ".zip"):
		if !opts.AllowZip {
			return nil, &Error{Code: ErrZipDisabled, Path: root}
		}
		dir, err := extractZip(root, opts.MaxZipEntryBytes)
		if err != nil {
			return nil, &Error{Code: ErrPackUnreadable, Path: root, Err: err}
		}
		p, err := ingestDir(dir, SourceZip)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
		p.cleanup = func() error { return os.RemoveAll(dir) }
		return p, nil
	default:
		return nil, &Error{Code: ErrInvalidPackType, Path: root}
	}
}

func ingestDir(root string, source Source) (*Pack, error) {
	p := &Pack{
		RootPath: root,
		Source:   source,
		sizes:    make(map[string]int64),
	}

	err := filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		// Symlinks, sockets, devices and pipes never enter the inventory.
		if !d.Type().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(root, full)
		if relErr != nil {
			return relErr
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		rel = filepath.ToSlash(rel)
		if !utf8.ValidString(rel) {
			return fmt.Errorf("file name %q is not valid UTF-8", rel)
		}
		p.Files = append(p.Files, rel)
		p.sizes[rel] = info.Size()
		p.TotalSizeBytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, &Error{Code: ErrPackUnreadable, Path: root, Err: err}
	}
	sort.Strings(p.Files)

	p.Manifest = loadManifest(p)
	p.LayoutVersion = detectLayout(p)
	return p, nil
}

// detectLayout classifies the pack as 1.0 only when the manifest and every
// canonical subtree are present.
func detectLayout(p *Pack) string {
	if !p.Has(ManifestName) {
		return LayoutUnknown
	}
	for _, dir := range canonicalSubtrees {
		if !p.HasDir(dir) {
			return LayoutUnknown
		}
	}
	return LayoutV1
}

// IsSafeRelPath reports whether rel is a valid UTF-8, relative,
// slash-separated path that stays inside the pack root.
func IsSafeRelPath(rel string) bool {
	if rel == "" || !utf8.ValidString(rel) || strings.Contains(rel, "\\") || strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return false
	}
	if len(rel) >= 2 && rel[1] == ':' {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return false
		}
	}
	return path.Clean(rel) == rel
}
