package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dshills/adjudicator/internal/adjudicate"
	"github.com/dshills/adjudicator/internal/config"
	"github.com/dshills/adjudicator/internal/packtest"
	"github.com/dshills/adjudicator/internal/ruleset"
	"github.com/dshills/adjudicator/internal/schema"
)

func lookup(t *testing.T, v string) ruleset.Adjudicator {
	t.Helper()
	rs, err := ruleset.Lookup(v)
	if err != nil {
		t.Fatal(err)
	}
	return rs
}

func fixedNow() time.Time {
	return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
}

// fakeRunner returns canned verdicts keyed by run id and ruleset version.
type fakeRunner struct {
	mu       sync.Mutex
	verdicts map[string]schema.Verdict
	fail     string
	calls    int
}

func (f *fakeRunner) Adjudicate(_ context.Context, runID string, rs ruleset.Adjudicator) (*adjudicate.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if runID == f.fail {
		return nil, errors.New("boom")
	}
	v, ok := f.verdicts[runID+"@"+string(rs.Version())]
	if !ok {
		return nil, fmt.Errorf("no verdict for %s", runID)
	}
	return &adjudicate.Result{RunID: runID, Verdict: v}, nil
}

func verdict(status schema.OverallStatus, hash string, gfs ...schema.GFResult) schema.Verdict {
	return schema.Verdict{OverallStatus: status, VerdictHash: hash, GoldenFlowResults: gfs}
}

func gf(id string, s schema.Status) schema.GFResult {
	return schema.GFResult{GFID: id, Status: s}
}

func TestLock(t *testing.T) {
	a := Lock([]string{"run-b", "run-a"})
	b := Lock([]string{"run-a", "run-b"})
	if a != b {
		t.Errorf("lock depends on order: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("lock = %q", a)
	}
	if a == Lock([]string{"run-a", "run-c"}) {
		t.Error("different runs share a lock")
	}
}

func TestSample_Validate(t *testing.T) {
	tests := []struct {
		name    string
		sample  Sample
		wantErr bool
		lock    bool
	}{
		{"valid", NewSample("s1", []string{"r1", "r2"}), false, false},
		{"empty", Sample{SampleID: "s1", LockSHA256: Lock(nil)}, true, false},
		{"blank run", NewSample("s1", []string{"r1", ""}), true, false},
		{"duplicate", NewSample("s1", []string{"r1", "r1"}), true, false},
		{"lock mismatch", Sample{SampleID: "s1", Runs: []string{"r1", "r2"}, LockSHA256: Lock([]string{"r1"})}, true, true},
		{"uppercase lock", Sample{SampleID: "s1", Runs: []string{"r1"}, LockSHA256: upper(Lock([]string{"r1"}))}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sample.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.lock && !errors.Is(err, ErrLockMismatch) {
				t.Errorf("error = %v, want ErrLockMismatch", err)
			}
		})
	}
}

func upper(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'a' && c <= 'f' {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}

func TestLoadSample(t *testing.T) {
	dir := t.TempDir()
	s := NewSample("nightly", []string{"run-002", "run-001"})
	data, err := s.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "sample.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadSample(path)
	if err != nil {
		t.Fatalf("LoadSample: %v", err)
	}
	if got.SampleID != "nightly" || len(got.Runs) != 2 || got.LockSHA256 != s.LockSHA256 {
		t.Errorf("sample = %+v", got)
	}

	tampered := filepath.Join(dir, "tampered.yaml")
	body := "sample_id: nightly\nruns: [run-001, run-003]\nlock_sha256: " + s.LockSHA256 + "\n"
	if err := os.WriteFile(tampered, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSample(tampered); !errors.Is(err, ErrLockMismatch) {
		t.Errorf("tampered sample error = %v, want ErrLockMismatch", err)
	}

	unknown := filepath.Join(dir, "unknown.yaml")
	if err := os.WriteFile(unknown, []byte("sample_id: x\nrunz: [a]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSample(unknown); err == nil {
		t.Error("unknown field accepted")
	}
	if _, err := LoadSample(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name      string
		from, to  schema.Verdict
		flip      bool
		shift     bool
		gfChanges int
	}{
		{
			name: "identical",
			from: verdict(schema.OverallAdjudicated, "h1", gf("GF-01", schema.StatusPass)),
			to:   verdict(schema.OverallAdjudicated, "h1", gf("GF-01", schema.StatusPass)),
		},
		{
			name:  "shift",
			from:  verdict(schema.OverallAdjudicated, "h1", gf("GF-01", schema.StatusPass)),
			to:    verdict(schema.OverallAdjudicated, "h2", gf("GF-01", schema.StatusPass)),
			shift: true,
		},
		{
			name:      "flip",
			from:      verdict(schema.OverallAdjudicated, "h1", gf("GF-01", schema.StatusPass)),
			to:        verdict(schema.OverallIncomplete, "h2", gf("GF-01", schema.StatusFail)),
			flip:      true,
			gfChanges: 1,
		},
		{
			name:      "golden flow added and removed",
			from:      verdict(schema.OverallAdjudicated, "h1", gf("GF-01", schema.StatusPass)),
			to:        verdict(schema.OverallAdjudicated, "h2", gf("GF-02", schema.StatusPass)),
			shift:     true,
			gfChanges: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Compare("r1", tt.from, tt.to)
			if d.Flip != tt.flip || d.Shift != tt.shift {
				t.Errorf("flip=%v shift=%v, want %v %v", d.Flip, d.Shift, tt.flip, tt.shift)
			}
			if len(d.GFChanges) != tt.gfChanges {
				t.Errorf("gf changes = %+v, want %d", d.GFChanges, tt.gfChanges)
			}
			if d.Flip && d.Shift {
				t.Error("a delta cannot be both flip and shift")
			}
		})
	}
}

func TestCompare_GFChangeOrder(t *testing.T) {
	d := Compare("r1",
		verdict(schema.OverallAdjudicated, "h1", gf("GF-02", schema.StatusPass), gf("GF-01", schema.StatusPass)),
		verdict(schema.OverallAdjudicated, "h2", gf("GF-03", schema.StatusPass)))
	var ids []string
	for _, c := range d.GFChanges {
		ids = append(ids, c.GFID)
	}
	want := []string{"GF-01", "GF-02", "GF-03"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("gf change order = %v, want %v", ids, want)
	}
	if d.GFChanges[2].From != "" || d.GFChanges[2].To != schema.StatusPass {
		t.Errorf("added flow change = %+v", d.GFChanges[2])
	}
}

func TestRun_DetectsFlips(t *testing.T) {
	runner := &fakeRunner{verdicts: map[string]schema.Verdict{
		"r1@1.2": verdict(schema.OverallAdjudicated, "a"),
		"r1@1.3": verdict(schema.OverallAdjudicated, "a"),
		"r2@1.2": verdict(schema.OverallAdjudicated, "b"),
		"r2@1.3": verdict(schema.OverallIncomplete, "c"),
		"r3@1.2": verdict(schema.OverallAdjudicated, "d"),
		"r3@1.3": verdict(schema.OverallAdjudicated, "e"),
	}}
	sample := NewSample("s", []string{"r3", "r1", "r2"})
	diff, err := Run(context.Background(), runner, sample, lookup(t, "1.2"), lookup(t, "1.3"), Options{Workers: 2, Now: fixedNow})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff.Metrics != (schema.ShadowMetrics{TotalRuns: 3, VerdictFlipsTotal: 1, EquivalenceShift: 1}) {
		t.Errorf("metrics = %+v", diff.Metrics)
	}
	if !HasFlips(diff) {
		t.Error("HasFlips = false")
	}
	for i, want := range []string{"r1", "r2", "r3"} {
		if diff.RunDeltas[i].RunID != want {
			t.Errorf("delta %d = %s, want %s", i, diff.RunDeltas[i].RunID, want)
		}
	}
	if !diff.RunDeltas[1].Flip {
		t.Errorf("r2 delta = %+v", diff.RunDeltas[1])
	}
	if diff.DiffpackVersion != schema.DiffpackVersion || diff.FromRuleset != "1.2" || diff.ToRuleset != "1.3" {
		t.Errorf("diff header = %+v", diff)
	}
	if diff.GeneratedAt != "2026-02-01T12:00:00Z" {
		t.Errorf("generated_at = %q", diff.GeneratedAt)
	}
	if runner.calls != 6 {
		t.Errorf("calls = %d, want 6", runner.calls)
	}
}

func TestRun_Errors(t *testing.T) {
	runner := &fakeRunner{fail: "r2", verdicts: map[string]schema.Verdict{
		"r1@1.2": verdict(schema.OverallAdjudicated, "a"),
		"r1@1.3": verdict(schema.OverallAdjudicated, "a"),
	}}
	from, to := lookup(t, "1.2"), lookup(t, "1.3")

	if _, err := Run(context.Background(), runner, NewSample("s", []string{"r1", "r2"}), from, to, Options{}); err == nil {
		t.Error("runner failure not surfaced")
	}

	bad := Sample{SampleID: "s", Runs: []string{"r1"}, LockSHA256: Lock([]string{"r9"})}
	runner.calls = 0
	if _, err := Run(context.Background(), runner, bad, from, to, Options{}); !errors.Is(err, ErrLockMismatch) {
		t.Errorf("error = %v, want ErrLockMismatch", err)
	}
	if runner.calls != 0 {
		t.Errorf("runner called %d times for an unlocked sample", runner.calls)
	}
}

func TestDiffID(t *testing.T) {
	lock := Lock([]string{"r1"})
	a := DiffID("1.2", "1.3", lock)
	if a != DiffID("1.2", "1.3", lock) {
		t.Error("diff id is not deterministic")
	}
	if a == DiffID("1.3", "1.2", lock) {
		t.Error("diff id ignores direction")
	}
	if a == DiffID("1.2", "1.3", Lock([]string{"r2"})) {
		t.Error("diff id ignores the sample lock")
	}
}

// The shipped 1.3 revision must not change any verdict produced under 1.2.
func TestRun_RefinementHasZeroFlips(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Packs.Root = filepath.Join(dir, "packs")
	cfg.Output.Root = filepath.Join(dir, "out")

	packtest.ValidFor("run-a").Write(t, cfg.Packs.Root, "run-a")
	packtest.ValidFor("run-b").Tamper("artifacts/plan.json", `{"tampered":true}`).Write(t, cfg.Packs.Root, "run-b")
	packtest.ValidFor("run-c").Set("artifacts/result.json", `{"run_id":"run-c","outcome":"failed","score":0.1,"tool_calls":0}`).Write(t, cfg.Packs.Root, "run-c")

	runner := adjudicate.New(cfg, nil)
	sample := NewSample("refinement", []string{"run-a", "run-b", "run-c", "run-missing"})
	diff, err := Run(context.Background(), runner, sample, lookup(t, "1.2"), lookup(t, "1.3"), Options{Workers: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if HasFlips(diff) {
		t.Fatalf("refinement flipped verdicts: %+v", diff.RunDeltas)
	}
	if diff.Metrics.TotalRuns != 4 {
		t.Errorf("total runs = %d", diff.Metrics.TotalRuns)
	}
	if diff.Metrics.EquivalenceShift != diff.Metrics.TotalRuns {
		t.Errorf("shifts = %d, want every unflipped run across distinct rulesets", diff.Metrics.EquivalenceShift)
	}

	self, err := Run(context.Background(), runner, sample, lookup(t, "1.3"), lookup(t, "1.3"), Options{Workers: 2})
	if err != nil {
		t.Fatalf("Run against itself: %v", err)
	}
	if self.Metrics.VerdictFlipsTotal != 0 || self.Metrics.EquivalenceShift != 0 {
		t.Errorf("self diff metrics = %+v", self.Metrics)
	}

	out, err := Encode(diff)
	if err != nil {
		t.Fatal(err)
	}
	var back schema.ShadowDiff
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("diff is not JSON: %v", err)
	}
	if back.DiffID != diff.DiffID {
		t.Errorf("diff id = %q, want %q", back.DiffID, diff.DiffID)
	}
}
