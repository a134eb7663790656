// Package schema defines all canonical data types for adjudication reports,
// verdicts and bundles.
package schema

// AdjudicationVersion is the version of the verdict.json document format.
const AdjudicationVersion = "1.0"

// DiffpackVersion is the version of the ruleset diff artifact format.
const DiffpackVersion = "1.0"

// AdmissionStatus is the tri-state outcome of admission verification.
type AdmissionStatus string

const (
	AdmissionAdmissible          AdmissionStatus = "ADMISSIBLE"
	AdmissionPartiallyAdmissible AdmissionStatus = "PARTIALLY_ADMISSIBLE"
	AdmissionNotAdmissible       AdmissionStatus = "NOT_ADMISSIBLE"
)

// CheckStatus is the outcome of a single admission check.
type CheckStatus string

const (
	CheckPass CheckStatus = "PASS"
	CheckFail CheckStatus = "FAIL"
	CheckSkip CheckStatus = "SKIP"
	CheckWarn CheckStatus = "WARN"
)

// Status is the pass/fail outcome of a requirement or golden flow.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// EvaluationStatus records whether requirement evaluation ran.
type EvaluationStatus string

const (
	EvaluationCompleted EvaluationStatus = "COMPLETED"
	EvaluationNotRun    EvaluationStatus = "NOT_RUN"
)

// OverallStatus is the closed three-state bundle outcome.
type OverallStatus string

const (
	OverallAdjudicated   OverallStatus = "ADJUDICATED"
	OverallIncomplete    OverallStatus = "INCOMPLETE"
	OverallNotAdmissible OverallStatus = "NOT_ADMISSIBLE"
)

// RequirementType selects the predicate applied to resolved evidence.
type RequirementType string

const (
	RequirementPresence      RequirementType = "presence"
	RequirementRange         RequirementType = "range"
	RequirementEquals        RequirementType = "equals"
	RequirementCrossArtifact RequirementType = "cross_artifact"
)

// Failure is a taxonomy-tagged gap found in a pack. Description is copied
// from the taxonomy and is purely diagnostic.
type Failure struct {
	CheckID     string `json:"check_id,omitempty"`
	Code        string `json:"code"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Artifact    string `json:"artifact,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// CheckResult is the outcome of one admission check.
type CheckResult struct {
	CheckID  string      `json:"check_id"`
	Name     string      `json:"name"`
	Blocking bool        `json:"blocking"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
}

// VerificationReport is the Admission Verifier output.
type VerificationReport struct {
	AdmissionStatus  AdmissionStatus   `json:"admission_status"`
	LayoutVersion    string            `json:"layout_version"`
	Checks           []CheckResult     `json:"checks"`
	BlockingFailures []Failure         `json:"blocking_failures"`
	AdvisoryFindings []Failure         `json:"advisory_findings"`
	ComputedHashes   map[string]string `json:"computed_hashes"`
	ComputedAt       string            `json:"computed_at,omitempty"`
}

// PointerRecord is the report projection of a resolved evidence pointer.
type PointerRecord struct {
	Locator  string `json:"locator"`
	Resolved bool   `json:"resolved"`
	SHA256   string `json:"sha256,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RequirementVerdict is the evaluation outcome of one requirement.
type RequirementVerdict struct {
	RequirementID   string          `json:"requirement_id"`
	Type            RequirementType `json:"type"`
	Status          Status          `json:"status"`
	EvidencePointer PointerRecord   `json:"evidence_pointer"`
	ComparePointer  *PointerRecord  `json:"compare_pointer,omitempty"`
	Failures        []Failure       `json:"failures"`
}

// GFVerdict is the evaluation outcome of one golden flow.
type GFVerdict struct {
	GFID         string               `json:"gf_id"`
	Title        string               `json:"title,omitempty"`
	Status       Status               `json:"status"`
	Requirements []RequirementVerdict `json:"requirements"`
}

// EvaluationReport is the Requirement Evaluator output. VerdictHash is
// computed over the report itself with the denylisted fields removed.
type EvaluationReport struct {
	RulesetVersion   string           `json:"ruleset_version"`
	PackRootHash     string           `json:"pack_root_hash"`
	EvaluationStatus EvaluationStatus `json:"evaluation_status"`
	Reason           string           `json:"reason,omitempty"`
	GFVerdicts       []GFVerdict      `json:"gf_verdicts"`
	VerdictHash      string           `json:"verdict_hash"`
	GeneratedAt      string           `json:"generated_at,omitempty"`
}

// GFResult is the verdict.json projection of a golden flow.
type GFResult struct {
	GFID   string `json:"gf_id"`
	Status Status `json:"status"`
}

// VerifierRef identifies the verifier inside verdict.json.
type VerifierRef struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Fingerprint string `json:"fingerprint"`
}

// Verdict is the verdict.json document.
type Verdict struct {
	AdjudicationVersion string          `json:"adjudication_version"`
	RunID               string          `json:"run_id"`
	Verifier            VerifierRef     `json:"verifier"`
	RulesetVersion      string          `json:"ruleset_version"`
	AdmissionStatus     AdmissionStatus `json:"admission_status"`
	GoldenFlowResults   []GFResult      `json:"golden_flow_results"`
	OverallStatus       OverallStatus   `json:"overall_status"`
	VerdictHash         string          `json:"verdict_hash"`
	AdjudicatedAt       string          `json:"adjudicated_at,omitempty"`
}

// InputPointer is the input.pointer.json document.
type InputPointer struct {
	RunID          string `json:"run_id"`
	PackRef        string `json:"pack_ref"`
	PackSource     string `json:"pack_source,omitempty"`
	LayoutVersion  string `json:"layout_version,omitempty"`
	PackRootHash   string `json:"pack_root_hash,omitempty"`
	FileCount      int    `json:"file_count"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	RulesetVersion string `json:"ruleset_version"`
}

// VerifierIdentity is the verifier.identity.json document.
type VerifierIdentity struct {
	Name                string   `json:"name"`
	Version             string   `json:"version"`
	AdjudicationVersion string   `json:"adjudication_version"`
	SupportedRulesets   []string `json:"supported_rulesets"`
	CheckBattery        []string `json:"check_battery"`
}

// VerifierFingerprint is the verifier.fingerprint.json document. Each digest
// content-addresses one input to verifier behaviour.
type VerifierFingerprint struct {
	IdentitySHA256 string `json:"identity_sha256"`
	RulesetSHA256  string `json:"ruleset_sha256"`
	TaxonomySHA256 string `json:"taxonomy_sha256"`
	LimitsSHA256   string `json:"limits_sha256"`
	Fingerprint    string `json:"fingerprint"`
}

// ShadowMetrics aggregates a ruleset diff.
type ShadowMetrics struct {
	TotalRuns         int `json:"total_runs"`
	VerdictFlipsTotal int `json:"verdict_flips_total"`
	EquivalenceShift  int `json:"equivalence_shift"`
}

// GFChange records a golden flow whose status differs between rulesets.
type GFChange struct {
	GFID string `json:"gf_id"`
	From Status `json:"from,omitempty"`
	To   Status `json:"to,omitempty"`
}

// RunDelta compares one sampled run under two rulesets.
type RunDelta struct {
	RunID           string        `json:"run_id"`
	FromStatus      OverallStatus `json:"from_status"`
	ToStatus        OverallStatus `json:"to_status"`
	FromVerdictHash string        `json:"from_verdict_hash"`
	ToVerdictHash   string        `json:"to_verdict_hash"`
	Flip            bool          `json:"flip"`
	Shift           bool          `json:"shift"`
	GFChanges       []GFChange    `json:"gf_changes,omitempty"`
}

// ShadowDiff is the ruleset diff artifact.
type ShadowDiff struct {
	DiffpackVersion string        `json:"diffpack_version"`
	DiffID          string        `json:"diff_id"`
	SampleID        string        `json:"sample_id,omitempty"`
	FromRuleset     string        `json:"from_ruleset"`
	ToRuleset       string        `json:"to_ruleset"`
	Metrics         ShadowMetrics `json:"metrics"`
	RunDeltas       []RunDelta    `json:"run_deltas"`
	GeneratedAt     string        `json:"generated_at,omitempty"`
}
