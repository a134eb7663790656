// Package packtest builds evidence-pack fixtures on disk for tests.
package packtest

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// RunID is the run id used by the default fixture.
const RunID = "run-001"

// Builder assembles a pack. Declared files are listed in the manifest with
// their hashes and sizes; overrides are written after the manifest is built,
// which is how tests tamper with a pack.
type Builder struct {
	runID         string
	schemaVersion string
	files         map[string][]byte
	undeclared    map[string][]byte
	overrides     map[string][]byte
	omitted       map[string]bool
	manifestRaw   []byte
	noManifest    bool
	noDigest      bool
	sums          bool
}

// Valid returns a builder for a complete, admissible 1.0 pack.
func Valid() *Builder {
	return ValidFor(RunID)
}

// ValidFor returns a builder for an admissible pack of runID.
func ValidFor(runID string) *Builder {
	b := &Builder{
		runID:         runID,
		schemaVersion: "1.0",
		files:         map[string][]byte{},
		undeclared:    map[string][]byte{},
		overrides:     map[string][]byte{},
		omitted:       map[string]bool{},
	}
	b.files["artifacts/context.json"] = []byte(`{
  "context_id": "ctx-001",
  "objective": "summarise the quarterly report",
  "tools": ["search", "read_file"]
}
`)
	b.files["artifacts/plan.json"] = []byte(`{
  "plan_id": "plan-001",
  "context_id": "ctx-001",
  "steps": [
    {"id": "s1", "action": "search"},
    {"id": "s2", "action": "read_file"}
  ]
}
`)
	b.files["artifacts/result.json"] = []byte(fmt.Sprintf(`{
  "run_id": %q,
  "outcome": "completed",
  "score": 0.92,
  "tool_calls": 2
}
`, runID))
	b.files["timeline/events.ndjson"] = []byte(fmt.Sprintf(
		`{"seq":0,"run_id":%[1]q,"type":"run_started"}
{"seq":1,"run_id":%[1]q,"type":"tool_call","tool":"search"}
{"seq":2,"run_id":%[1]q,"type":"tool_call","tool":"read_file"}
{"seq":3,"run_id":%[1]q,"type":"run_completed"}
`, runID))
	return b
}

// Set adds or replaces a declared file.
func (b *Builder) Set(rel string, data string) *Builder {
	b.files[rel] = []byte(data)
	return b
}

// Remove drops a declared file.
func (b *Builder) Remove(rel string) *Builder {
	delete(b.files, rel)
	return b
}

// Omit keeps rel declared in the manifest but leaves it off disk.
func (b *Builder) Omit(rel string) *Builder {
	b.omitted[rel] = true
	return b
}

// Undeclared writes a file the manifest does not list.
func (b *Builder) Undeclared(rel string, data string) *Builder {
	b.undeclared[rel] = []byte(data)
	return b
}

// Tamper overwrites rel after the manifest has been computed.
func (b *Builder) Tamper(rel string, data string) *Builder {
	b.overrides[rel] = []byte(data)
	return b
}

// SchemaVersion sets the manifest schema_version.
func (b *Builder) SchemaVersion(v string) *Builder {
	b.schemaVersion = v
	return b
}

// RawManifest replaces the generated manifest with raw bytes.
func (b *Builder) RawManifest(raw string) *Builder {
	b.manifestRaw = []byte(raw)
	return b
}

// NoManifest omits manifest.json.
func (b *Builder) NoManifest() *Builder {
	b.noManifest = true
	return b
}

// NoDigest omits integrity/manifest.sha256.
func (b *Builder) NoDigest() *Builder {
	b.noDigest = true
	return b
}

// WithSums writes a root sha256sums.txt covering every declared file and the
// manifest.
func (b *Builder) WithSums() *Builder {
	b.sums = true
	return b
}

type declared struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// Manifest returns the manifest bytes the builder would write.
func (b *Builder) Manifest() []byte {
	if b.manifestRaw != nil {
		return b.manifestRaw
	}
	paths := make([]string, 0, len(b.files))
	for p := range b.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	files := make([]declared, 0, len(paths))
	for _, p := range paths {
		files = append(files, declared{Path: p, SHA256: Sum(b.files[p]), SizeBytes: int64(len(b.files[p]))})
	}
	m := map[string]any{
		"schema_version": b.schemaVersion,
		"pack_id":        "pack-" + b.runID,
		"run_id":         b.runID,
		"created_at":     "2026-01-15T10:00:00Z",
		"files":          files,
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		panic(err)
	}
	return append(out, '\n')
}

// Write materialises the pack under dir/name and returns its path.
func (b *Builder) Write(t testing.TB, dir, name string) string {
	t.Helper()
	root := filepath.Join(dir, name)
	write := func(rel string, data []byte) {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("packtest: mkdir: %v", err)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			t.Fatalf("packtest: write %s: %v", rel, err)
		}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("packtest: mkdir root: %v", err)
	}
	for rel, data := range b.files {
		if !b.omitted[rel] {
			write(rel, data)
		}
	}
	for rel, data := range b.undeclared {
		write(rel, data)
	}
	manifest := b.Manifest()
	if !b.noManifest {
		write("manifest.json", manifest)
	}
	if !b.noDigest {
		write("integrity/manifest.sha256", []byte(Sum(manifest)+"\n"))
	}
	if b.sums {
		var lines []string
		for rel, data := range b.files {
			lines = append(lines, Sum(data)+"  "+rel)
		}
		lines = append(lines, Sum(manifest)+"  manifest.json")
		sort.Strings(lines)
		write("sha256sums.txt", []byte(strings.Join(lines, "\n")+"\n"))
	}
	for rel, data := range b.overrides {
		write(rel, data)
	}
	return root
}

// Sum returns the lowercase hex SHA-256 of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Zip archives the pack directory src into archive with slash-separated
// entry names.
func Zip(t testing.TB, src, archive string) {
	t.Helper()
	f, err := os.Create(archive)
	if err != nil {
		t.Fatalf("packtest: create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	err = filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		t.Fatalf("packtest: zip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("packtest: zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("packtest: zip close: %v", err)
	}
}
