package verify

import (
	"bufio"
	"bytes"
	"fmt"
	"math/big"
	"path"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dshills/adjudicator/internal/ingest"
	"github.com/dshills/adjudicator/internal/schema"
	"github.com/dshills/adjudicator/internal/taxonomy"
)

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// exempt files are integrity metadata and never declared in the manifest.
var exempt = map[string]bool{
	ingest.ManifestName: true,
	DigestName:          true,
	SumsName:            true,
}

func fail(checkID string, code taxonomy.Code, artifact, detail string) schema.Failure {
	return taxonomy.NewFailure(code, checkID, artifact, detail)
}

func checkManifestPresent(s *state, id string) outcome {
	if s.pack.Manifest.Missing() {
		return outcome{failures: []schema.Failure{
			fail(id, taxonomy.EvidenceManifestMissing, ingest.ManifestName, ""),
		}}
	}
	return pass("manifest.json present")
}

func checkManifestParseable(s *state, id string) outcome {
	switch {
	case s.pack.Manifest.Missing():
		return skip("manifest absent")
	case s.pack.Manifest.Unreadable():
		return outcome{failures: []schema.Failure{
			fail(id, taxonomy.EvidenceManifestInvalid, ingest.ManifestName, s.pack.Manifest.Err.Error()),
		}}
	}
	return pass("manifest decoded")
}

func checkManifestSchema(s *state, id string) outcome {
	m := s.manifest()
	if m == nil {
		return skip("manifest unavailable")
	}
	var out []schema.Failure
	invalid := func(artifact, detail string) {
		out = append(out, fail(id, taxonomy.EvidenceManifestInvalid, artifact, detail))
	}
	switch {
	case m.SchemaVersion == "":
		invalid(ingest.ManifestName, "schema_version missing")
	case !supported(m.SchemaVersion):
		out = append(out, fail(id, taxonomy.IntegrityVersionIncompatible, ingest.ManifestName,
			fmt.Sprintf("schema_version %q", m.SchemaVersion)))
	}
	if m.RunID == "" {
		invalid(ingest.ManifestName, "run_id missing")
	}
	if len(m.Files) == 0 {
		invalid(ingest.ManifestName, "files list empty")
	}
	seen := make(map[string]bool, len(m.Files))
	for i, f := range m.Files {
		if f.Path == "" {
			invalid(ingest.ManifestName, fmt.Sprintf("files[%d]: path missing", i))
			continue
		}
		if seen[f.Path] {
			invalid(f.Path, "declared more than once")
		}
		seen[f.Path] = true
		if !hexDigest.MatchString(strings.ToLower(f.SHA256)) {
			invalid(f.Path, "sha256 is not a 64-character hex digest")
		}
		if f.SizeBytes != nil && *f.SizeBytes < 0 {
			invalid(f.Path, "size_bytes negative")
		}
	}
	if len(out) == 0 {
		return pass("schema_version " + m.SchemaVersion)
	}
	return outcome{failures: out}
}

func supported(v string) bool {
	for _, s := range SupportedSchemaVersions {
		if s == v {
			return true
		}
	}
	return false
}

func checkLayout(s *state, id string) outcome {
	if s.pack.LayoutVersion == ingest.LayoutV1 {
		return pass("layout 1.0")
	}
	var out []schema.Failure
	for _, dir := range []string{"integrity", "artifacts", "timeline"} {
		if !s.pack.HasDir(dir) {
			out = append(out, fail(id, taxonomy.EvidenceLayoutIncomplete, dir+"/", ""))
		}
	}
	if !s.pack.Has(ingest.ManifestName) {
		out = append(out, fail(id, taxonomy.EvidenceLayoutIncomplete, ingest.ManifestName, ""))
	}
	return outcome{failures: out}
}

// declared yields manifest entries whose paths are safe to look up.
func (s *state) declared() []ingest.DeclaredFile {
	m := s.manifest()
	if m == nil {
		return nil
	}
	out := make([]ingest.DeclaredFile, 0, len(m.Files))
	for _, f := range m.Files {
		if f.Path != "" && ingest.IsSafeRelPath(f.Path) {
			out = append(out, f)
		}
	}
	return out
}

func checkDeclaredPathsSafe(s *state, id string) outcome {
	m := s.manifest()
	if m == nil {
		return skip("manifest unavailable")
	}
	var out []schema.Failure
	for _, f := range m.Files {
		if f.Path != "" && !ingest.IsSafeRelPath(f.Path) {
			out = append(out, fail(id, taxonomy.SecurityPathTraversal, f.Path, ""))
		}
	}
	if len(out) == 0 {
		return pass(fmt.Sprintf("%d declared paths", len(m.Files)))
	}
	return outcome{failures: out}
}

func checkDeclaredPresent(s *state, id string) outcome {
	if s.manifest() == nil {
		return skip("manifest unavailable")
	}
	var out []schema.Failure
	for _, f := range s.declared() {
		if !s.pack.Has(f.Path) {
			out = append(out, fail(id, taxonomy.EvidenceArtifactMissing, f.Path, ""))
		}
	}
	if len(out) == 0 {
		return pass("all declared files present")
	}
	return outcome{failures: out}
}

func checkHashes(s *state, id string) outcome {
	if s.manifest() == nil {
		return skip("manifest unavailable")
	}
	var out []schema.Failure
	n := 0
	for _, f := range s.declared() {
		got, ok := s.hashes[f.Path]
		if !ok {
			continue
		}
		n++
		if want := strings.ToLower(f.SHA256); got != want {
			out = append(out, fail(id, taxonomy.IntegrityHashMismatch, f.Path,
				fmt.Sprintf("declared %s computed %s", want, got)))
		}
	}
	if len(out) == 0 {
		return pass(fmt.Sprintf("%d hashes match", n))
	}
	return outcome{failures: out}
}

func checkSizes(s *state, id string) outcome {
	if s.manifest() == nil {
		return skip("manifest unavailable")
	}
	var out []schema.Failure
	for _, f := range s.declared() {
		if f.SizeBytes == nil || !s.pack.Has(f.Path) {
			continue
		}
		if got := s.pack.Size(f.Path); got != *f.SizeBytes {
			out = append(out, fail(id, taxonomy.IntegritySizeMismatch, f.Path,
				fmt.Sprintf("declared %d actual %d", *f.SizeBytes, got)))
		}
	}
	if len(out) == 0 {
		return pass("declared sizes match")
	}
	return outcome{failures: out}
}

func checkManifestDigest(s *state, id string) outcome {
	if s.pack.Manifest.Missing() {
		return skip("manifest absent")
	}
	if !s.pack.Has(DigestName) {
		return outcome{failures: []schema.Failure{
			fail(id, taxonomy.EvidenceArtifactMissing, DigestName, ""),
		}}
	}
	raw, err := s.pack.ReadFile(DigestName)
	if err != nil {
		return outcome{failures: []schema.Failure{
			fail(id, taxonomy.EvidenceArtifactInvalid, DigestName, err.Error()),
		}}
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 || !hexDigest.MatchString(strings.ToLower(fields[0])) {
		return outcome{failures: []schema.Failure{
			fail(id, taxonomy.EvidenceArtifactInvalid, DigestName, "no hex digest"),
		}}
	}
	want := strings.ToLower(fields[0])
	if got := s.hashes[ingest.ManifestName]; got != want {
		return outcome{failures: []schema.Failure{
			fail(id, taxonomy.IntegrityHashMismatch, ingest.ManifestName,
				fmt.Sprintf("declared %s computed %s", want, got)),
		}}
	}
	return pass("manifest digest matches")
}

func checkSums(s *state, id string) outcome {
	if !s.pack.Has(SumsName) {
		return pass("not provided")
	}
	raw, err := s.pack.ReadFile(SumsName)
	if err != nil {
		return outcome{failures: []schema.Failure{
			fail(id, taxonomy.EvidenceArtifactInvalid, SumsName, err.Error()),
		}}
	}
	var out []schema.Failure
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		sum, rel, ok := parseSumLine(text)
		if !ok {
			out = append(out, fail(id, taxonomy.EvidenceArtifactInvalid, SumsName,
				fmt.Sprintf("line %d malformed", line)))
			continue
		}
		n++
		if !ingest.IsSafeRelPath(rel) {
			out = append(out, fail(id, taxonomy.SecurityPathTraversal, rel, SumsName))
			continue
		}
		got, present := s.hashes[rel]
		if !present {
			out = append(out, fail(id, taxonomy.EvidenceArtifactMissing, rel, SumsName))
			continue
		}
		if got != sum {
			out = append(out, fail(id, taxonomy.IntegrityHashMismatch, rel,
				fmt.Sprintf("%s lists %s computed %s", SumsName, sum, got)))
		}
	}
	if err := sc.Err(); err != nil {
		out = append(out, fail(id, taxonomy.EvidenceArtifactInvalid, SumsName, err.Error()))
	}
	if len(out) == 0 {
		return pass(fmt.Sprintf("%d entries match", n))
	}
	return outcome{failures: out}
}

// parseSumLine accepts "<hex>  <path>" and the binary-mode "<hex> *<path>".
func parseSumLine(line string) (sum, rel string, ok bool) {
	sum, rest, found := strings.Cut(line, " ")
	if !found {
		return "", "", false
	}
	sum = strings.ToLower(sum)
	if !hexDigest.MatchString(sum) {
		return "", "", false
	}
	rel = strings.TrimPrefix(strings.TrimPrefix(rest, " "), "*")
	if rel == "" {
		return "", "", false
	}
	return sum, rel, true
}

func checkUndeclared(s *state, id string) outcome {
	m := s.manifest()
	if m == nil {
		return skip("manifest unavailable")
	}
	declared := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		declared[f.Path] = true
	}
	var out []schema.Failure
	for _, rel := range s.pack.Files {
		if !declared[rel] && !exempt[rel] {
			out = append(out, fail(id, taxonomy.EvidenceArtifactUndeclared, rel, ""))
		}
	}
	if len(out) == 0 {
		return pass("no undeclared files")
	}
	return outcome{failures: out}
}

// readJSON loads an inventory file and checks it parses as JSON.
func (s *state) readJSON(id, rel string) ([]byte, *schema.Failure) {
	data, err := s.pack.ReadFile(rel)
	if err != nil {
		f := fail(id, taxonomy.EvidenceArtifactInvalid, rel, err.Error())
		return nil, &f
	}
	if !gjson.ValidBytes(data) {
		f := fail(id, taxonomy.EvidenceArtifactInvalid, rel, "not valid JSON")
		return nil, &f
	}
	return data, nil
}

func checkContextCrossRef(s *state, id string) outcome {
	if !s.pack.Has(PlanName) || !s.pack.Has(ContextName) {
		return skip("plan or context artifact absent")
	}
	plan, f := s.readJSON(id, PlanName)
	if f != nil {
		return outcome{failures: []schema.Failure{*f}}
	}
	ctx, f := s.readJSON(id, ContextName)
	if f != nil {
		return outcome{failures: []schema.Failure{*f}}
	}
	want := gjson.GetBytes(ctx, "context_id")
	got := gjson.GetBytes(plan, "context_id")
	switch {
	case !want.Exists() || want.String() == "":
		return outcome{failures: []schema.Failure{
			fail(id, taxonomy.EvidenceCrossReferenceBroken, ContextName, "context_id missing"),
		}}
	case !got.Exists():
		return outcome{failures: []schema.Failure{
			fail(id, taxonomy.EvidenceCrossReferenceBroken, PlanName, "context_id missing"),
		}}
	case got.String() != want.String():
		return outcome{failures: []schema.Failure{
			fail(id, taxonomy.EvidenceCrossReferenceBroken, PlanName,
				fmt.Sprintf("context_id %q does not match %q", got.String(), want.String())),
		}}
	}
	return pass("plan references context " + want.String())
}

// timelineFiles returns the ndjson event streams under timeline/.
func (s *state) timelineFiles() []string {
	var out []string
	for _, rel := range s.pack.Files {
		if strings.HasPrefix(rel, TimelinePrefix) && path.Ext(rel) == ".ndjson" {
			out = append(out, rel)
		}
	}
	return out
}

func checkTimeline(s *state, id string) outcome {
	files := s.timelineFiles()
	if len(files) == 0 {
		return skip("no timeline event stream")
	}
	var out []schema.Failure
	for _, rel := range files {
		if detail := timelineDefect(s.pack, rel); detail != "" {
			out = append(out, fail(id, taxonomy.EvidenceTimelineMalformed, rel, detail))
		}
	}
	if len(out) == 0 {
		return pass(fmt.Sprintf("%d event streams ordered", len(files)))
	}
	return outcome{failures: out}
}

// timelineDefect returns the first defect found in an event stream, or "".
// Every line must be a JSON object whose numeric seq exceeds the previous one.
// Seq values compare exactly, so integers beyond float64 precision stay distinct.
func timelineDefect(pack *ingest.Pack, rel string) string {
	data, err := pack.ReadFile(rel)
	if err != nil {
		return err.Error()
	}
	lines := eventLines(data)
	if len(lines) == 0 {
		return "no events"
	}
	var prev *big.Rat
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			return fmt.Sprintf("line %d blank", i)
		}
		if !gjson.ValidBytes(line) || !gjson.ParseBytes(line).IsObject() {
			return fmt.Sprintf("line %d is not a JSON object", i)
		}
		seq := gjson.GetBytes(line, "seq")
		if seq.Type != gjson.Number {
			return fmt.Sprintf("line %d: seq missing or not numeric", i)
		}
		cur, ok := new(big.Rat).SetString(seq.Raw)
		if !ok {
			return fmt.Sprintf("line %d: seq %s not numeric", i, seq.Raw)
		}
		if prev != nil && cur.Cmp(prev) <= 0 {
			return fmt.Sprintf("line %d: seq %s does not follow %s", i, seq.Raw, prev.RatString())
		}
		prev = cur
	}
	return ""
}

// eventLines splits ndjson the same way the pointer resolver does: a trailing
// newline ends the last line rather than starting an empty one.
func eventLines(data []byte) [][]byte {
	data = bytes.TrimSuffix(data, []byte("\n"))
	if len(data) == 0 {
		return nil
	}
	lines := bytes.Split(data, []byte("\n"))
	for i := range lines {
		lines[i] = bytes.TrimSuffix(lines[i], []byte("\r"))
	}
	return lines
}

func checkRunIDConsistency(s *state, id string) outcome {
	m := s.manifest()
	if m == nil || m.RunID == "" {
		return skip("manifest run_id unavailable")
	}
	var out []schema.Failure
	mismatch := func(rel, got string) {
		out = append(out, fail(id, taxonomy.EvidenceCrossReferenceBroken, rel,
			fmt.Sprintf("run_id %q differs from manifest run_id %q", got, m.RunID)))
	}
	if s.pack.Has(ResultName) {
		if data, err := s.pack.ReadFile(ResultName); err == nil {
			if r := gjson.GetBytes(data, "run_id"); r.Exists() && r.String() != m.RunID {
				mismatch(ResultName, r.String())
			}
		}
	}
	for _, rel := range s.timelineFiles() {
		data, err := s.pack.ReadFile(rel)
		if err != nil {
			continue
		}
		for _, line := range eventLines(data) {
			if r := gjson.GetBytes(line, "run_id"); r.Exists() && r.String() != m.RunID {
				mismatch(rel, r.String())
				break
			}
		}
	}
	if len(out) == 0 {
		return pass("run_id " + m.RunID)
	}
	return outcome{failures: out}
}

func checkFileTypes(s *state, id string) outcome {
	banned := make(map[string]bool, len(s.limits.DisallowedExtensions))
	for _, ext := range s.limits.DisallowedExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		banned[ext] = true
	}
	var out []schema.Failure
	for _, rel := range s.pack.Files {
		if banned[strings.ToLower(path.Ext(rel))] {
			out = append(out, fail(id, taxonomy.SecurityDisallowedFileType, rel, ""))
		}
	}
	if len(out) == 0 {
		return pass("no disallowed file types")
	}
	return outcome{failures: out}
}

func checkSizeCeilings(s *state, id string) outcome {
	var out []schema.Failure
	if limit := s.limits.MaxFileBytes; limit > 0 {
		for _, rel := range s.pack.Files {
			if n := s.pack.Size(rel); n > limit {
				out = append(out, fail(id, taxonomy.SecuritySizeExceeded, rel,
					fmt.Sprintf("%d bytes exceeds %d", n, limit)))
			}
		}
	}
	if limit := s.limits.MaxTotalBytes; limit > 0 && s.pack.TotalSizeBytes > limit {
		out = append(out, fail(id, taxonomy.SecuritySizeExceeded, "",
			fmt.Sprintf("pack total %d bytes exceeds %d", s.pack.TotalSizeBytes, limit)))
	}
	if len(out) == 0 {
		return pass(fmt.Sprintf("%d bytes total", s.pack.TotalSizeBytes))
	}
	return outcome{failures: out}
}
