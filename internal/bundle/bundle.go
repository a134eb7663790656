// Package bundle locates adjudication bundles on disk.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dshills/adjudicator/internal/schema"
)

// VerdictFile marks a directory as a complete bundle.
const VerdictFile = "verdict.json"

const revSep = "+rev"

// Result identifies the canonical bundle of a release.
type Result struct {
	BundleName string `json:"bundle_name"`
	BundlePath string `json:"bundle_path"`
	// Revision is 0 for the unsuffixed bundle and N for "<release>+rev<N>".
	Revision int `json:"revision"`
}

// ParseName reports whether name is a bundle of release and its revision.
func ParseName(name, release string) (int, bool) {
	if name == release {
		return 0, true
	}
	rest, ok := strings.CutPrefix(name, release+revSep)
	if !ok || rest == "" {
		return 0, false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Name returns the directory name of revision rev of release.
func Name(release string, rev int) string {
	if rev == 0 {
		return release
	}
	return release + revSep + strconv.Itoa(rev)
}

// SelectCanonical returns the highest-revision bundle of release under dir.
// Only directories holding verdict.json count. Equal revisions (rev2 and
// rev02) resolve to the lexically greater name. The bool is false when no
// bundle exists, including when dir itself is absent.
func SelectCanonical(dir, release string) (Result, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, false, nil
		}
		return Result{}, false, fmt.Errorf("bundle: read %s: %w", dir, err)
	}

	var best Result
	found := false
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rev, ok := ParseName(e.Name(), release)
		if !ok {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if !hasVerdict(path) {
			continue
		}
		if !found || rev > best.Revision || (rev == best.Revision && e.Name() > best.BundleName) {
			best = Result{BundleName: e.Name(), BundlePath: path, Revision: rev}
			found = true
		}
	}
	return best, found, nil
}

func hasVerdict(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, VerdictFile))
	return err == nil && info.Mode().IsRegular()
}

// ReadVerdict loads verdict.json from a bundle directory.
func ReadVerdict(dir string) (schema.Verdict, error) {
	var v schema.Verdict
	data, err := os.ReadFile(filepath.Join(dir, VerdictFile))
	if err != nil {
		return v, fmt.Errorf("bundle: %w", err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("bundle: decode %s: %w", VerdictFile, err)
	}
	return v, nil
}
