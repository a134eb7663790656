// Package verify runs the admission check battery over an ingested pack and
// decides whether the pack is admissible for evaluation.
//
// The battery is fixed and ordered. Each check is either blocking or
// advisory. A blocking FAIL makes the pack NOT_ADMISSIBLE; a blocking SKIP
// (a prerequisite artifact is absent) without any FAIL makes it
// PARTIALLY_ADMISSIBLE. Advisory checks never affect admission.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dshills/adjudicator/internal/ingest"
	"github.com/dshills/adjudicator/internal/schema"
	"github.com/dshills/adjudicator/internal/taxonomy"
)

// SupportedSchemaVersions lists the manifest schema versions this verifier
// understands.
var SupportedSchemaVersions = []string{"1.0"}

// Well-known pack paths.
const (
	DigestName     = "integrity/manifest.sha256"
	SumsName       = "sha256sums.txt"
	ContextName    = "artifacts/context.json"
	PlanName       = "artifacts/plan.json"
	ResultName     = "artifacts/result.json"
	TimelinePrefix = "timeline/"
)

// Limits bounds what an admissible pack may contain. Zero sizes are unlimited.
type Limits struct {
	MaxFileBytes         int64    `json:"max_file_bytes" yaml:"max_file_bytes"`
	MaxTotalBytes        int64    `json:"max_total_bytes" yaml:"max_total_bytes"`
	DisallowedExtensions []string `json:"disallowed_extensions" yaml:"disallowed_extensions"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxFileBytes:  50 * 1024 * 1024,
		MaxTotalBytes: 500 * 1024 * 1024,
		DisallowedExtensions: []string{
			".bat", ".bin", ".cmd", ".dll", ".dylib", ".exe",
			".jar", ".ps1", ".sh", ".so",
		},
	}
}

// outcome is what a check function reports. Status is PASS, FAIL or SKIP;
// advisory failures are downgraded to WARN by Verify.
type outcome struct {
	status   schema.CheckStatus
	message  string
	failures []schema.Failure
}

func pass(msg string) outcome { return outcome{status: schema.CheckPass, message: msg} }

func skip(msg string) outcome { return outcome{status: schema.CheckSkip, message: msg} }

type check struct {
	id       string
	name     string
	blocking bool
	run      func(*state, string) outcome
}

// battery is the ordered admission check list.
var battery = []check{
	{"A-01", "manifest_present", true, checkManifestPresent},
	{"A-02", "manifest_parseable", true, checkManifestParseable},
	{"A-03", "manifest_schema", true, checkManifestSchema},
	{"A-04", "layout_complete", true, checkLayout},
	{"A-05", "declared_paths_safe", true, checkDeclaredPathsSafe},
	{"A-06", "declared_files_present", true, checkDeclaredPresent},
	{"A-07", "artifact_hashes", true, checkHashes},
	{"A-08", "artifact_sizes", true, checkSizes},
	{"A-09", "manifest_digest", true, checkManifestDigest},
	{"A-10", "sha256sums", true, checkSums},
	{"A-11", "undeclared_files", false, checkUndeclared},
	{"A-12", "context_cross_reference", true, checkContextCrossRef},
	{"A-13", "timeline_well_formed", true, checkTimeline},
	{"A-14", "run_id_consistency", false, checkRunIDConsistency},
	{"A-15", "file_types", true, checkFileTypes},
	{"A-16", "size_ceilings", true, checkSizeCeilings},
	{"A-17", "content_screen", true, checkContent},
}

// Battery returns the check battery as "<id> <name>" strings, in order.
func Battery() []string {
	out := make([]string, 0, len(battery))
	for _, c := range battery {
		out = append(out, c.id+" "+c.name)
	}
	return out
}

// state is shared by the checks of one Verify call.
type state struct {
	pack   *ingest.Pack
	limits Limits
	hashes map[string]string
}

func (s *state) manifest() *ingest.Manifest { return s.pack.Manifest.Manifest }

// Verify runs the battery against pack. It reads but never modifies the pack
// and never consults the clock; ComputedAt is left for the caller.
func Verify(pack *ingest.Pack, limits Limits) schema.VerificationReport {
	s := &state{pack: pack, limits: limits, hashes: hashInventory(pack)}

	report := schema.VerificationReport{
		LayoutVersion:    pack.LayoutVersion,
		Checks:           make([]schema.CheckResult, 0, len(battery)),
		BlockingFailures: []schema.Failure{},
		AdvisoryFindings: []schema.Failure{},
		ComputedHashes:   s.hashes,
	}
	for _, c := range battery {
		o := c.run(s, c.id)
		status := o.status
		if len(o.failures) > 0 {
			status = schema.CheckFail
			if !c.blocking {
				status = schema.CheckWarn
			}
		}
		msg := o.message
		if msg == "" {
			msg = summarize(o.failures)
		}
		report.Checks = append(report.Checks, schema.CheckResult{
			CheckID:  c.id,
			Name:     c.name,
			Blocking: c.blocking,
			Status:   status,
			Message:  taxonomy.Text(msg),
		})
		if c.blocking {
			report.BlockingFailures = append(report.BlockingFailures, o.failures...)
		} else {
			report.AdvisoryFindings = append(report.AdvisoryFindings, o.failures...)
		}
	}
	sortFailures(report.BlockingFailures)
	sortFailures(report.AdvisoryFindings)
	report.AdmissionStatus = Decide(report.Checks)
	return report
}

// Decide derives the admission status from check results.
func Decide(checks []schema.CheckResult) schema.AdmissionStatus {
	skipped := false
	for _, c := range checks {
		if !c.Blocking {
			continue
		}
		switch c.Status {
		case schema.CheckFail:
			return schema.AdmissionNotAdmissible
		case schema.CheckSkip:
			skipped = true
		}
	}
	if skipped {
		return schema.AdmissionPartiallyAdmissible
	}
	return schema.AdmissionAdmissible
}

// IngestFailure builds the report for a pack that could not be ingested at
// all. The single A-00 check carries the structural failure.
func IngestFailure(err error) schema.VerificationReport {
	code := taxonomy.EvidencePackMissing
	artifact := ""
	var ie *ingest.Error
	if errors.As(err, &ie) {
		artifact = ie.Path
		switch ie.Code {
		case ingest.ErrZipDisabled:
			code = taxonomy.SecurityArchiveDisabled
		case ingest.ErrInvalidPackType:
			code = taxonomy.EvidencePackTypeInvalid
		case ingest.ErrPackUnreadable:
			code = taxonomy.EvidenceArtifactInvalid
		}
	}
	f := taxonomy.NewFailure(code, "A-00", artifact, "")
	return schema.VerificationReport{
		AdmissionStatus: schema.AdmissionNotAdmissible,
		LayoutVersion:   ingest.LayoutUnknown,
		Checks: []schema.CheckResult{{
			CheckID:  "A-00",
			Name:     "pack_ingest",
			Blocking: true,
			Status:   schema.CheckFail,
			Message:  string(code),
		}},
		BlockingFailures: []schema.Failure{f},
		AdvisoryFindings: []schema.Failure{},
		ComputedHashes:   map[string]string{},
	}
}

// hashInventory computes the SHA-256 of every inventory file. Files that
// cannot be read are left out; checks that need them report the gap.
func hashInventory(pack *ingest.Pack) map[string]string {
	out := make(map[string]string, len(pack.Files))
	for _, rel := range pack.Files {
		sum, err := hashFile(pack.Abs(rel))
		if err != nil {
			continue
		}
		out[rel] = sum
	}
	return out
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func summarize(failures []schema.Failure) string {
	switch len(failures) {
	case 0:
		return "ok"
	case 1:
		if failures[0].Artifact != "" {
			return fmt.Sprintf("%s: %s", failures[0].Code, failures[0].Artifact)
		}
		return failures[0].Code
	default:
		return fmt.Sprintf("%d findings", len(failures))
	}
}

func sortFailures(fs []schema.Failure) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.CheckID != b.CheckID {
			return a.CheckID < b.CheckID
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Artifact != b.Artifact {
			return a.Artifact < b.Artifact
		}
		return a.Detail < b.Detail
	})
}
