// Package evaluate applies a ruleset's requirements to an admitted pack and
// produces the evaluation report and its verdict hash.
package evaluate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/dshills/adjudicator/internal/canon"
	"github.com/dshills/adjudicator/internal/pointer"
	"github.com/dshills/adjudicator/internal/ruleset"
	"github.com/dshills/adjudicator/internal/schema"
)

// ErrNotAdmissible is returned when Evaluate is called with a verification
// report that did not admit the pack.
var ErrNotAdmissible = errors.New("evaluate: pack is not admissible")

// Evaluate resolves every requirement of rs against src and aggregates the
// results per golden flow. report must be the pack's ADMISSIBLE verification
// report; its computed hashes feed pack_root_hash.
func Evaluate(src pointer.Source, report schema.VerificationReport, rs *ruleset.Ruleset) (schema.EvaluationReport, error) {
	if report.AdmissionStatus != schema.AdmissionAdmissible {
		return schema.EvaluationReport{}, fmt.Errorf("%w: admission status %s", ErrNotAdmissible, report.AdmissionStatus)
	}
	if rs == nil {
		return schema.EvaluationReport{}, errors.New("evaluate: nil ruleset")
	}

	resolver := pointer.NewResolver(src)
	out := schema.EvaluationReport{
		RulesetVersion:   rs.Version,
		PackRootHash:     PackRootHash(report.ComputedHashes),
		EvaluationStatus: schema.EvaluationCompleted,
		GFVerdicts:       make([]schema.GFVerdict, 0, len(rs.GoldenFlows)),
	}
	for _, gf := range rs.GoldenFlows {
		v := schema.GFVerdict{
			GFID:         gf.ID,
			Title:        gf.Title,
			Status:       schema.StatusPass,
			Requirements: make([]schema.RequirementVerdict, 0, len(gf.Requirements)),
		}
		for _, req := range gf.Requirements {
			rv := evaluateRequirement(resolver, req)
			if rv.Status != schema.StatusPass {
				v.Status = schema.StatusFail
			}
			v.Requirements = append(v.Requirements, rv)
		}
		if len(v.Requirements) == 0 {
			v.Status = schema.StatusFail
		}
		out.GFVerdicts = append(out.GFVerdicts, v)
	}
	if err := Seal(&out); err != nil {
		return schema.EvaluationReport{}, err
	}
	return out, nil
}

// NotRun builds the report recorded when evaluation could not run.
func NotRun(rulesetVersion, packRootHash, reason string) (schema.EvaluationReport, error) {
	out := schema.EvaluationReport{
		RulesetVersion:   rulesetVersion,
		PackRootHash:     packRootHash,
		EvaluationStatus: schema.EvaluationNotRun,
		Reason:           reason,
		GFVerdicts:       []schema.GFVerdict{},
	}
	if err := Seal(&out); err != nil {
		return schema.EvaluationReport{}, err
	}
	return out, nil
}

// Seal computes and stores the report's verdict hash. The hash input excludes
// the hash field itself and every other non-deterministic field.
func Seal(r *schema.EvaluationReport) error {
	r.VerdictHash = ""
	h, err := canon.Hash(r)
	if err != nil {
		return fmt.Errorf("evaluate: verdict hash: %w", err)
	}
	r.VerdictHash = h
	return nil
}

// PackRootHash identifies a pack by its inventory: SHA-256 over the sorted
// lines "<path>\x00<sha256>\n".
func PackRootHash(hashes map[string]string) string {
	paths := make([]string, 0, len(hashes))
	for p := range hashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	h := sha256.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s\x00%s\n", p, hashes[p])
	}
	return hex.EncodeToString(h.Sum(nil))
}
