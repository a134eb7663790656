package adjudicate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dshills/adjudicator/internal/bundle"
	"github.com/dshills/adjudicator/internal/canon"
)

// Bundle file names.
const (
	FileInputPointer   = "input.pointer.json"
	FileIdentity       = "verifier.identity.json"
	FileFingerprint    = "verifier.fingerprint.json"
	FileVerifyReport   = "verify.report.json"
	FileEvaluateReport = "evaluate.report.json"
	FileVerdict        = bundle.VerdictFile
	FileSums           = "sha256sums.txt"
)

// BundleFiles lists the seven bundle files in lexical order.
func BundleFiles() []string {
	files := []string{
		FileEvaluateReport, FileInputPointer, FileSums, FileVerdict,
		FileFingerprint, FileIdentity, FileVerifyReport,
	}
	sort.Strings(files)
	return files
}

// Document is one named bundle file.
type Document struct {
	Name string
	Data []byte
}

// documents returns the six JSON documents keyed by file name.
func (r *Result) documents() map[string]any {
	return map[string]any{
		FileInputPointer:   r.InputPointer,
		FileIdentity:       r.Identity,
		FileFingerprint:    r.Fingerprint,
		FileVerifyReport:   r.Verification,
		FileEvaluateReport: r.Evaluation,
		FileVerdict:        r.Verdict,
	}
}

// Documents renders all seven bundle files, sorted by name. The sums file
// lists "<sha256>  <name>" for the other six.
func (r *Result) Documents() ([]Document, error) {
	docs := r.documents()
	out := make([]Document, 0, len(docs)+1)
	for name, v := range docs {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("adjudicate: marshal %s: %w", name, err)
		}
		out = append(out, Document{Name: name, Data: append(data, '\n')})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	var sums strings.Builder
	for _, d := range out {
		sum := sha256.Sum256(d.Data)
		fmt.Fprintf(&sums, "%s  %s\n", hex.EncodeToString(sum[:]), d.Name)
	}
	out = append(out, Document{Name: FileSums, Data: []byte(sums.String())})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// WriteResult reports where a bundle landed.
type WriteResult struct {
	bundle.Result
	// Written is false when an equivalent bundle already existed.
	Written bool
}

// Write persists r under outRoot. The first bundle of a run is
// <outRoot>/<run_id>. If the run's canonical bundle already holds the same
// documents, ignoring timestamps, nothing is written. Otherwise the bundle
// becomes the next revision <run_id>+rev<N>, N >= 2. Files are staged in a
// temporary directory and moved into place with a single rename.
func Write(outRoot string, r *Result) (WriteResult, error) {
	if !ValidRunID(r.RunID) {
		return WriteResult{}, fmt.Errorf("%w: %q", ErrInvalidRunID, r.RunID)
	}
	if err := os.MkdirAll(outRoot, 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("adjudicate: create output root: %w", err)
	}

	rev := 0
	current, ok, err := bundle.SelectCanonical(outRoot, r.RunID)
	if err != nil {
		return WriteResult{}, err
	}
	if ok {
		same, err := r.Equivalent(current.BundlePath)
		if err != nil {
			return WriteResult{}, err
		}
		if same {
			return WriteResult{Result: current}, nil
		}
		rev = current.Revision + 1
		if rev < 2 {
			rev = 2
		}
	}
	// Skip names occupied by incomplete bundles.
	for exists(filepath.Join(outRoot, bundle.Name(r.RunID, rev))) {
		if rev == 0 {
			rev = 2
		} else {
			rev++
		}
	}

	docs, err := r.Documents()
	if err != nil {
		return WriteResult{}, err
	}
	staging, err := os.MkdirTemp(outRoot, ".staging-"+r.RunID+"-")
	if err != nil {
		return WriteResult{}, fmt.Errorf("adjudicate: create staging dir: %w", err)
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		_ = os.RemoveAll(staging)
		return WriteResult{}, fmt.Errorf("adjudicate: staging dir: %w", err)
	}
	for _, d := range docs {
		if err := os.WriteFile(filepath.Join(staging, d.Name), d.Data, 0o644); err != nil {
			_ = os.RemoveAll(staging)
			return WriteResult{}, fmt.Errorf("adjudicate: write %s: %w", d.Name, err)
		}
	}
	name := bundle.Name(r.RunID, rev)
	target := filepath.Join(outRoot, name)
	if err := os.Rename(staging, target); err != nil {
		_ = os.RemoveAll(staging)
		return WriteResult{}, fmt.Errorf("adjudicate: publish bundle %s: %w", name, err)
	}
	return WriteResult{
		Result:  bundle.Result{BundleName: name, BundlePath: target, Revision: rev},
		Written: true,
	}, nil
}

// Equivalent reports whether the bundle at dir holds the same six documents
// as r once non-deterministic fields are dropped.
func (r *Result) Equivalent(dir string) (bool, error) {
	for name, v := range r.documents() {
		existing, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			return false, fmt.Errorf("adjudicate: read %s: %w", name, err)
		}
		a, err := canon.EncodeJSON(existing)
		if err != nil {
			return false, nil
		}
		b, err := canon.Encode(v)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(a, b) {
			return false, nil
		}
	}
	return true, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
