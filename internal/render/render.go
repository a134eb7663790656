// Package render produces human and machine output from an adjudication
// result or a ruleset diff.
package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/adjudicator/internal/adjudicate"
	"github.com/dshills/adjudicator/internal/schema"
	"github.com/dshills/adjudicator/internal/verdict"
)

// RenderJSON produces a pretty-printed JSON representation of the verdict.
// The output round-trips through json.Unmarshal back to an equal Verdict.
func RenderJSON(res *adjudicate.Result) ([]byte, error) {
	if res == nil {
		return nil, fmt.Errorf("render: nil result")
	}
	b, err := json.MarshalIndent(res.Verdict, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render: json marshal: %w", err)
	}
	return b, nil
}

// RenderMarkdown produces a GitHub-flavoured Markdown summary of the result.
// Every check that did not pass and every failure code in the result appears
// in the output.
func RenderMarkdown(res *adjudicate.Result) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder
	v := res.Verdict

	fmt.Fprintf(&sb, "## Adjudication: %s\n\n", v.RunID)
	fmt.Fprintf(&sb, "**Status:** %s  \n", v.OverallStatus)
	fmt.Fprintf(&sb, "**Admission:** %s  \n", v.AdmissionStatus)
	fmt.Fprintf(&sb, "**Ruleset:** %s  \n", v.RulesetVersion)
	fmt.Fprintf(&sb, "**Verdict hash:** `%s`\n\n", v.VerdictHash)

	var open []schema.CheckResult
	for _, c := range res.Verification.Checks {
		if c.Status != schema.CheckPass {
			open = append(open, c)
		}
	}
	if len(open) > 0 {
		sb.WriteString("## Admission Checks\n\n")
		sb.WriteString("| Check | Status | Blocking | Message |\n")
		sb.WriteString("|---|---|---|---|\n")
		for _, c := range open {
			fmt.Fprintf(&sb, "| %s %s | %s | %s | %s |\n",
				c.CheckID, c.Name, c.Status, yesNo(c.Blocking), mdEscape(c.Message))
		}
		sb.WriteString("\n")
	}

	writeFailures(&sb, "Blocking Failures", res.Verification.BlockingFailures)
	writeFailures(&sb, "Advisory Findings", res.Verification.AdvisoryFindings)

	eval := res.Evaluation
	if eval.EvaluationStatus == schema.EvaluationNotRun {
		fmt.Fprintf(&sb, "**Evaluation not run:** %s\n\n", mdEscape(eval.Reason))
	}
	if len(eval.GFVerdicts) > 0 {
		pass, fail := verdict.CountByStatus(v.GoldenFlowResults)
		fmt.Fprintf(&sb, "## Golden Flows (%d pass, %d fail)\n\n", pass, fail)
		sb.WriteString("| Flow | Requirement | Status | Evidence |\n")
		sb.WriteString("|---|---|---|---|\n")
		for _, gf := range eval.GFVerdicts {
			for _, r := range gf.Requirements {
				fmt.Fprintf(&sb, "| %s | %s | %s | `%s` |\n",
					gf.GFID, r.RequirementID, r.Status, mdEscape(r.EvidencePointer.Locator))
			}
		}
		sb.WriteString("\n")
		for _, gf := range eval.GFVerdicts {
			for _, r := range gf.Requirements {
				if len(r.Failures) == 0 {
					continue
				}
				fmt.Fprintf(&sb, "<details>\n<summary><strong>%s/%s</strong> [%s]</summary>\n\n",
					gf.GFID, r.RequirementID, r.Status)
				for _, f := range r.Failures {
					writeFailure(&sb, f)
				}
				sb.WriteString("\n</details>\n\n")
			}
		}
	}
	return sb.String()
}

// RenderDiffMarkdown summarises a ruleset diff. Flipped runs are listed
// before shifted ones.
func RenderDiffMarkdown(d schema.ShadowDiff) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Ruleset Diff: %s -> %s\n\n", d.FromRuleset, d.ToRuleset)
	fmt.Fprintf(&sb, "**Diff:** `%s`  \n", d.DiffID)
	if d.SampleID != "" {
		fmt.Fprintf(&sb, "**Sample:** %s  \n", d.SampleID)
	}
	fmt.Fprintf(&sb, "**Runs:** %d | **Flips:** %d | **Shifts:** %d\n\n",
		d.Metrics.TotalRuns, d.Metrics.VerdictFlipsTotal, d.Metrics.EquivalenceShift)

	var flips, shifts []schema.RunDelta
	for _, r := range d.RunDeltas {
		switch {
		case r.Flip:
			flips = append(flips, r)
		case r.Shift:
			shifts = append(shifts, r)
		}
	}
	if len(flips) > 0 {
		sb.WriteString("## Flips\n\n")
		sb.WriteString("| Run | From | To | Golden flows |\n")
		sb.WriteString("|---|---|---|---|\n")
		for _, r := range flips {
			fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n", r.RunID, r.FromStatus, r.ToStatus, gfSummary(r.GFChanges))
		}
		sb.WriteString("\n")
	}
	if len(shifts) > 0 {
		sb.WriteString("## Shifts\n\n")
		for _, r := range shifts {
			fmt.Fprintf(&sb, "- %s (%s)\n", r.RunID, r.FromStatus)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func writeFailures(sb *strings.Builder, title string, failures []schema.Failure) {
	if len(failures) == 0 {
		return
	}
	fmt.Fprintf(sb, "## %s\n\n", title)
	for _, f := range failures {
		writeFailure(sb, f)
	}
	sb.WriteString("\n")
}

func writeFailure(sb *strings.Builder, f schema.Failure) {
	line := fmt.Sprintf("- **%s** (%s)", f.Code, f.Category)
	if f.Artifact != "" {
		line += fmt.Sprintf(" `%s`", f.Artifact)
	}
	if f.Detail != "" {
		line += ": " + mdEscape(f.Detail)
	}
	sb.WriteString(line + "\n")
}

func gfSummary(changes []schema.GFChange) string {
	parts := make([]string, 0, len(changes))
	for _, c := range changes {
		parts = append(parts, fmt.Sprintf("%s %s->%s", c.GFID, orNone(c.From), orNone(c.To)))
	}
	return strings.Join(parts, ", ")
}

func orNone(s schema.Status) string {
	if s == "" {
		return "none"
	}
	return string(s)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// mdEscape replaces characters that would break Markdown table cells.
func mdEscape(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	return s
}
