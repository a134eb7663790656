// Package verdict provides the deterministic rules that turn verification
// and evaluation results into an overall bundle status.
package verdict

import (
	"github.com/dshills/adjudicator/internal/schema"
)

// StatusOrdinal returns the numeric ordinal for an overall status, used to
// compare severity order. ADJUDICATED=0, INCOMPLETE=1, NOT_ADMISSIBLE=2.
// Used by --fail-on comparison: exit 2 if StatusOrdinal(actual) >= StatusOrdinal(threshold).
func StatusOrdinal(s schema.OverallStatus) int {
	switch s {
	case schema.OverallAdjudicated:
		return 0
	case schema.OverallIncomplete:
		return 1
	case schema.OverallNotAdmissible:
		return 2
	default:
		return -1
	}
}

// DetermineStatus applies the status rules.
//
// Rules (in order of precedence):
//  1. Admission NOT_ADMISSIBLE → NOT_ADMISSIBLE
//  2. Admission PARTIALLY_ADMISSIBLE → INCOMPLETE
//  3. No evaluation report, or evaluation NOT_RUN → INCOMPLETE
//  4. Otherwise → ADJUDICATED
//
// A golden flow failure does not change the status: ADJUDICATED means a
// verdict was reached, and the per-flow results carry the outcome.
func DetermineStatus(admission schema.AdmissionStatus, eval *schema.EvaluationReport) schema.OverallStatus {
	switch admission {
	case schema.AdmissionAdmissible:
	case schema.AdmissionPartiallyAdmissible:
		return schema.OverallIncomplete
	default:
		return schema.OverallNotAdmissible
	}
	if eval == nil || eval.EvaluationStatus != schema.EvaluationCompleted {
		return schema.OverallIncomplete
	}
	return schema.OverallAdjudicated
}

// GoldenFlowResults projects an evaluation report into verdict.json form.
func GoldenFlowResults(eval *schema.EvaluationReport) []schema.GFResult {
	if eval == nil {
		return []schema.GFResult{}
	}
	out := make([]schema.GFResult, 0, len(eval.GFVerdicts))
	for _, gf := range eval.GFVerdicts {
		out = append(out, schema.GFResult{GFID: gf.GFID, Status: gf.Status})
	}
	return out
}

// CountByStatus returns how many golden flows passed and failed.
func CountByStatus(results []schema.GFResult) (pass, fail int) {
	for _, r := range results {
		switch r.Status {
		case schema.StatusPass:
			pass++
		case schema.StatusFail:
			fail++
		}
	}
	return
}
