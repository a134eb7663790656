// Package shadow runs a locked sample of packs through two ruleset versions
// and reports every run whose verdict changed.
//
// A flip is a change in overall_status. A shift is an unchanged status with
// a different verdict_hash. A ruleset revision passes the zero-flip audit only
// when no sampled run flips; flips are counted, never averaged.
//
// The verdict hash covers the evaluation report, which names its ruleset
// version and golden-flow titles. Any two distinct rulesets therefore give
// every unflipped run a different hash, so equivalence_shift equals
// total_runs minus flips whenever from and to differ. It carries information
// only when diffing a ruleset against itself. Flips are the audit signal.
package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/adjudicator/internal/adjudicate"
	"github.com/dshills/adjudicator/internal/ruleset"
	"github.com/dshills/adjudicator/internal/schema"
)

// Runner adjudicates one run under one ruleset.
type Runner interface {
	Adjudicate(ctx context.Context, runID string, rs ruleset.Adjudicator) (*adjudicate.Result, error)
}

// Options tunes a diff run.
type Options struct {
	// Workers bounds concurrent runs; values below 1 mean 1.
	Workers int
	Logger  *log.Logger
	Now     func() time.Time
}

// diffNamespace scopes diff ids so they never collide with other name-based
// UUIDs.
var diffNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("adjudicate:ruleset-diff"))

// DiffID returns the deterministic id of a diff over a locked sample.
func DiffID(from, to, lock string) string {
	return uuid.NewSHA1(diffNamespace, []byte(from+"|"+to+"|"+lock)).String()
}

// Run adjudicates every sampled run under both rulesets and compares the
// verdicts. Any adjudication error aborts the diff: a run that cannot be
// compared is never dropped from the totals.
func Run(ctx context.Context, runner Runner, sample Sample, from, to ruleset.Adjudicator, opts Options) (schema.ShadowDiff, error) {
	if err := sample.Validate(); err != nil {
		return schema.ShadowDiff{}, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	deltas := make([]schema.RunDelta, len(sample.Runs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, runID := range sample.Runs {
		g.Go(func() error {
			a, err := runner.Adjudicate(gctx, runID, from)
			if err != nil {
				return fmt.Errorf("shadow: run %s under %s: %w", runID, from.Version(), err)
			}
			b, err := runner.Adjudicate(gctx, runID, to)
			if err != nil {
				return fmt.Errorf("shadow: run %s under %s: %w", runID, to.Version(), err)
			}
			deltas[i] = Compare(runID, a.Verdict, b.Verdict)
			if deltas[i].Flip {
				logger.Printf("run %s: FLIP %s -> %s", runID, deltas[i].FromStatus, deltas[i].ToStatus)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return schema.ShadowDiff{}, err
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].RunID < deltas[j].RunID })

	diff := schema.ShadowDiff{
		DiffpackVersion: schema.DiffpackVersion,
		DiffID:          DiffID(string(from.Version()), string(to.Version()), sample.LockSHA256),
		SampleID:        sample.SampleID,
		FromRuleset:     string(from.Version()),
		ToRuleset:       string(to.Version()),
		RunDeltas:       deltas,
		GeneratedAt:     now().UTC().Format(time.RFC3339),
	}
	for _, d := range deltas {
		diff.Metrics.TotalRuns++
		if d.Flip {
			diff.Metrics.VerdictFlipsTotal++
		}
		if d.Shift {
			diff.Metrics.EquivalenceShift++
		}
	}
	logger.Printf("diff %s: %d runs, %d flips, %d shifts", diff.DiffID,
		diff.Metrics.TotalRuns, diff.Metrics.VerdictFlipsTotal, diff.Metrics.EquivalenceShift)
	return diff, nil
}

// Compare classifies the change between two verdicts of the same run.
func Compare(runID string, from, to schema.Verdict) schema.RunDelta {
	d := schema.RunDelta{
		RunID:           runID,
		FromStatus:      from.OverallStatus,
		ToStatus:        to.OverallStatus,
		FromVerdictHash: from.VerdictHash,
		ToVerdictHash:   to.VerdictHash,
	}
	d.Flip = from.OverallStatus != to.OverallStatus
	d.Shift = !d.Flip && from.VerdictHash != to.VerdictHash
	d.GFChanges = gfChanges(from.GoldenFlowResults, to.GoldenFlowResults)
	return d
}

func gfChanges(from, to []schema.GFResult) []schema.GFChange {
	before := make(map[string]schema.Status, len(from))
	after := make(map[string]schema.Status, len(to))
	ids := map[string]bool{}
	for _, r := range from {
		before[r.GFID] = r.Status
		ids[r.GFID] = true
	}
	for _, r := range to {
		after[r.GFID] = r.Status
		ids[r.GFID] = true
	}
	var out []schema.GFChange
	for id := range ids {
		if before[id] != after[id] {
			out = append(out, schema.GFChange{GFID: id, From: before[id], To: after[id]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GFID < out[j].GFID })
	return out
}

// HasFlips reports whether the diff fails the zero-flip audit.
func HasFlips(d schema.ShadowDiff) bool {
	return d.Metrics.VerdictFlipsTotal > 0
}

// Encode renders a diff as indented JSON.
func Encode(d schema.ShadowDiff) ([]byte, error) {
	out, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("shadow: encode diff: %w", err)
	}
	return append(out, '\n'), nil
}
