package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrManifestMissing is the ManifestResult error when the pack has no manifest.
var ErrManifestMissing = errors.New("ingest: manifest missing")

// ManifestError records a manifest that is present but unreadable.
type ManifestError struct {
	Err error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("ingest: manifest unreadable: %v", e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// Manifest is the decoded manifest.json. Decoding is lenient: unknown fields
// are ignored and missing fields stay zero for the verifier to judge.
type Manifest struct {
	SchemaVersion string         `json:"schema_version"`
	PackID        string         `json:"pack_id"`
	RunID         string         `json:"run_id"`
	CreatedAt     string         `json:"created_at"`
	Files         []DeclaredFile `json:"files"`
}

// DeclaredFile declares one pack artifact.
type DeclaredFile struct {
	Path        string `json:"path"`
	SHA256      string `json:"sha256"`
	SizeBytes   *int64 `json:"size_bytes,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// ManifestResult holds either a decoded manifest or the reason there is none.
// Exactly one of Manifest and Err is set.
type ManifestResult struct {
	Manifest *Manifest
	Raw      []byte
	Err      error
}

// OK reports whether the manifest was decoded.
func (r ManifestResult) OK() bool { return r.Err == nil && r.Manifest != nil }

// Missing reports whether the pack has no manifest file.
func (r ManifestResult) Missing() bool { return errors.Is(r.Err, ErrManifestMissing) }

// Unreadable reports whether the manifest exists but could not be decoded.
func (r ManifestResult) Unreadable() bool {
	var me *ManifestError
	return errors.As(r.Err, &me)
}

func loadManifest(p *Pack) ManifestResult {
	if !p.Has(ManifestName) {
		return ManifestResult{Err: ErrManifestMissing}
	}
	raw, err := p.ReadFile(ManifestName)
	if err != nil {
		return ManifestResult{Err: &ManifestError{Err: err}}
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return ManifestResult{Raw: raw, Err: &ManifestError{Err: err}}
	}
	return ManifestResult{Manifest: &m, Raw: raw}
}
