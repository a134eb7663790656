package ingest

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// defaultMaxZipEntryBytes caps a single extracted entry.
const defaultMaxZipEntryBytes = int64(100 * 1024 * 1024)

// extractZip unpacks archive into a fresh temp directory and returns it.
// Entries that are absolute, escape the root, or are not regular files are
// skipped, mirroring how the directory walk treats symlinks.
func extractZip(archive string, maxEntry int64) (string, error) {
	if maxEntry <= 0 {
		maxEntry = defaultMaxZipEntryBytes
	}
	reader, err := zip.OpenReader(archive)
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && reader != nil) {
		return "", fmt.Errorf("open zip: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	dir, err := os.MkdirTemp("", "adjudicate-pack-*")
	if err != nil {
		return "", fmt.Errorf("create extraction dir: %w", err)
	}

	for _, file := range reader.File {
		name := strings.TrimPrefix(file.Name, "./")
		if strings.HasSuffix(name, "/") || !file.Mode().IsRegular() {
			continue
		}
		if !IsSafeRelPath(name) {
			continue
		}
		if err := extractEntry(file, filepath.Join(dir, filepath.FromSlash(name)), maxEntry); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("extract %s: %w", name, err)
		}
	}
	return dir, nil
}

func extractEntry(file *zip.File, dest string, maxEntry int64) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	n, copyErr := io.Copy(out, io.LimitReader(src, maxEntry+1))
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	if n > maxEntry {
		return fmt.Errorf("zip entry too large")
	}
	return nil
}
