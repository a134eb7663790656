//go:build integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/adjudicator/internal/adjudicate"
	"github.com/dshills/adjudicator/internal/packtest"
	"github.com/dshills/adjudicator/internal/ruleset"
	"github.com/dshills/adjudicator/internal/schema"
	"github.com/dshills/adjudicator/internal/shadow"
)

type env struct {
	dir     string
	packs   string
	out     string
	cfgPath string
}

// newEnv writes a config file pointing packs and output into a temp dir.
func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	e := env{
		dir:     dir,
		packs:   filepath.Join(dir, "packs"),
		out:     filepath.Join(dir, "out"),
		cfgPath: filepath.Join(dir, "adjudicate.yaml"),
	}
	cfg := "packs:\n  root: " + e.packs + "\noutput:\n  root: " + e.out + "\n"
	if err := os.WriteFile(e.cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return e
}

func (e env) runFlags(runID string) runFlags {
	return runFlags{runID: runID, configPath: e.cfgPath, format: "json"}
}

func TestIntegration_Run_Adjudicated(t *testing.T) {
	e := newEnv(t)
	packtest.Valid().Write(t, e.packs, packtest.RunID)

	var stdout, stderr bytes.Buffer
	err := runAdjudicate(context.Background(), e.runFlags(packtest.RunID), &stdout, &stderr)
	if code := exitCode(err); code != 0 {
		t.Fatalf("expected exit 0, got %d: %v", code, err)
	}

	var v schema.Verdict
	if err := json.Unmarshal(stdout.Bytes(), &v); err != nil {
		t.Fatalf("parse output JSON: %v", err)
	}
	if v.OverallStatus != schema.OverallAdjudicated {
		t.Errorf("status: got %q, want ADJUDICATED", v.OverallStatus)
	}
	if v.RulesetVersion != "1.3" {
		t.Errorf("ruleset: got %q, want the latest", v.RulesetVersion)
	}
	for _, name := range adjudicate.BundleFiles() {
		if _, err := os.Stat(filepath.Join(e.out, packtest.RunID, name)); err != nil {
			t.Errorf("bundle file %s: %v", name, err)
		}
	}
	if !strings.Contains(stderr.String(), "ADJUDICATED") {
		t.Errorf("status line missing: %q", stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	if err := runAdjudicate(context.Background(), e.runFlags(packtest.RunID), &stdout, &stderr); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !strings.Contains(stderr.String(), "unchanged") {
		t.Errorf("reproduction not reported: %q", stderr.String())
	}
	entries, err := os.ReadDir(e.out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("out dir has %d entries, want 1", len(entries))
	}
}

func TestIntegration_Run_Markdown(t *testing.T) {
	e := newEnv(t)
	packtest.Valid().Write(t, e.packs, packtest.RunID)
	f := e.runFlags(packtest.RunID)
	f.format = "md"
	f.noWrite = true
	f.out = filepath.Join(e.dir, "summary.md")

	var stdout, stderr bytes.Buffer
	if err := runAdjudicate(context.Background(), f, &stdout, &stderr); err != nil {
		t.Fatalf("runAdjudicate: %v", err)
	}
	if !strings.Contains(stdout.String(), "## Adjudication: "+packtest.RunID) {
		t.Errorf("markdown missing heading: %q", stdout.String())
	}
	written, err := os.ReadFile(f.out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, stdout.Bytes()) {
		t.Error("--out content differs from stdout")
	}
	if _, err := os.Stat(e.out); !os.IsNotExist(err) {
		t.Errorf("--no-write created %s", e.out)
	}
}

func TestIntegration_FailOn(t *testing.T) {
	e := newEnv(t)
	packtest.Valid().Tamper("artifacts/plan.json", `{"tampered":true}`).Write(t, e.packs, packtest.RunID)

	for _, threshold := range []string{"NOT_ADMISSIBLE", "incomplete"} {
		f := e.runFlags(packtest.RunID)
		f.failOn = threshold
		f.noWrite = true
		err := runAdjudicate(context.Background(), f, &bytes.Buffer{}, &bytes.Buffer{})
		if code := exitCode(err); code != exitCodeFailOn {
			t.Errorf("--fail-on %s: expected exit %d, got %d: %v", threshold, exitCodeFailOn, code, err)
		}
	}

	f := e.runFlags(packtest.RunID)
	f.noWrite = true
	if err := runAdjudicate(context.Background(), f, &bytes.Buffer{}, &bytes.Buffer{}); err != nil {
		t.Errorf("without --fail-on a NOT_ADMISSIBLE verdict is not an error: %v", err)
	}
}

func TestIntegration_BadInput_ExitsThree(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name   string
		mutate func(*runFlags)
	}{
		{"invalid run id", func(f *runFlags) { f.runID = "../escape" }},
		{"unknown ruleset", func(f *runFlags) { f.ruleset = "9.9" }},
		{"unknown format", func(f *runFlags) { f.format = "xml" }},
		{"unknown fail-on", func(f *runFlags) { f.failOn = "BROKEN" }},
		{"missing config", func(f *runFlags) { f.configPath = filepath.Join(e.dir, "absent.yaml") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := e.runFlags(packtest.RunID)
			tt.mutate(&f)
			err := runAdjudicate(context.Background(), f, &bytes.Buffer{}, &bytes.Buffer{})
			if code := exitCode(err); code != exitCodeBadInput {
				t.Errorf("expected exit %d (bad input), got %d: %v", exitCodeBadInput, code, err)
			}
		})
	}
}

func TestIntegration_Verify(t *testing.T) {
	e := newEnv(t)
	good := packtest.Valid().Write(t, e.packs, "good")
	bad := packtest.Valid().Tamper("artifacts/result.json", "{}").Write(t, e.packs, "bad")

	var stdout bytes.Buffer
	err := runVerify(verifyFlags{path: good, configPath: e.cfgPath}, &stdout, &bytes.Buffer{})
	if code := exitCode(err); code != 0 {
		t.Fatalf("valid pack: expected exit 0, got %d: %v", code, err)
	}
	var report schema.VerificationReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("parse report: %v", err)
	}
	if report.AdmissionStatus != schema.AdmissionAdmissible {
		t.Errorf("admission = %s", report.AdmissionStatus)
	}

	err = runVerify(verifyFlags{path: bad, configPath: e.cfgPath}, &bytes.Buffer{}, &bytes.Buffer{})
	if code := exitCode(err); code != exitCodeFailOn {
		t.Errorf("tampered pack: expected exit %d, got %d: %v", exitCodeFailOn, code, err)
	}
}

func TestIntegration_Canonical(t *testing.T) {
	e := newEnv(t)
	packtest.Valid().Write(t, e.packs, packtest.RunID)
	if err := runAdjudicate(context.Background(), e.runFlags(packtest.RunID), &bytes.Buffer{}, &bytes.Buffer{}); err != nil {
		t.Fatalf("runAdjudicate: %v", err)
	}

	var stdout bytes.Buffer
	if err := runCanonical(canonicalFlags{release: packtest.RunID, configPath: e.cfgPath}, &stdout); err != nil {
		t.Fatalf("runCanonical: %v", err)
	}
	line := stdout.String()
	if !strings.HasPrefix(line, filepath.Join(e.out, packtest.RunID)+"\trev=0\tADJUDICATED\t") {
		t.Errorf("canonical line = %q", line)
	}

	err := runCanonical(canonicalFlags{release: "run-999", dir: e.out}, &bytes.Buffer{})
	if code := exitCode(err); code != exitCodeBadInput {
		t.Errorf("unknown release: expected exit %d, got %d: %v", exitCodeBadInput, code, err)
	}
}

func TestIntegration_Shadow(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"run-a", "run-b"} {
		packtest.ValidFor(id).Write(t, e.packs, id)
	}
	samplePath := filepath.Join(e.dir, "sample.yaml")
	if err := runSample(sampleFlags{sampleID: "nightly", runs: []string{"run-b", "run-a"}, out: samplePath}, &bytes.Buffer{}); err != nil {
		t.Fatalf("runSample: %v", err)
	}

	diffPath := filepath.Join(e.dir, "diff.json")
	var stdout, stderr bytes.Buffer
	err := runShadow(context.Background(), shadowFlags{
		samplePath: samplePath,
		configPath: e.cfgPath,
		from:       "1.2",
		to:         "1.3",
		format:     "json",
		out:        diffPath,
	}, &stdout, &stderr)
	if code := exitCode(err); code != 0 {
		t.Fatalf("expected exit 0, got %d: %v", code, err)
	}
	var diff schema.ShadowDiff
	if err := json.Unmarshal(stdout.Bytes(), &diff); err != nil {
		t.Fatalf("parse diff: %v", err)
	}
	if diff.Metrics.TotalRuns != 2 || diff.Metrics.VerdictFlipsTotal != 0 {
		t.Errorf("metrics = %+v", diff.Metrics)
	}
	if diff.SampleID != "nightly" || diff.RunDeltas[0].RunID != "run-a" {
		t.Errorf("diff = %+v", diff)
	}
	if _, err := os.Stat(diffPath); err != nil {
		t.Errorf("diff file: %v", err)
	}
	if !strings.Contains(stderr.String(), "zero flips") {
		t.Errorf("status line = %q", stderr.String())
	}
}

// regressingRunner reports every run as INCOMPLETE under the candidate ruleset.
type regressingRunner struct {
	candidate ruleset.Version
}

func (r regressingRunner) Adjudicate(_ context.Context, runID string, rs ruleset.Adjudicator) (*adjudicate.Result, error) {
	v := schema.Verdict{RunID: runID, RulesetVersion: string(rs.Version()), OverallStatus: schema.OverallAdjudicated, VerdictHash: "h-" + runID}
	if rs.Version() == r.candidate {
		v.OverallStatus = schema.OverallIncomplete
		v.VerdictHash = "h2-" + runID
	}
	return &adjudicate.Result{RunID: runID, Verdict: v}, nil
}

func TestIntegration_Shadow_Flips_ExitsFive(t *testing.T) {
	e := newEnv(t)
	samplePath := filepath.Join(e.dir, "sample.yaml")
	if err := runSample(sampleFlags{sampleID: "nightly", runs: []string{"run-a", "run-b"}, out: samplePath}, &bytes.Buffer{}); err != nil {
		t.Fatalf("runSample: %v", err)
	}
	diffPath := filepath.Join(e.dir, "diff.json")
	var stderr bytes.Buffer
	err := runShadowWith(context.Background(), shadowFlags{
		samplePath: samplePath,
		configPath: e.cfgPath,
		from:       "1.2",
		to:         "1.3",
		format:     "md",
		out:        diffPath,
	}, regressingRunner{candidate: ruleset.V1_3}, &bytes.Buffer{}, &stderr)
	if code := exitCode(err); code != exitCodeFlips {
		t.Fatalf("expected exit %d, got %d: %v", exitCodeFlips, code, err)
	}
	if !errors.Is(err, errFlips) {
		t.Errorf("error = %v, want errFlips", err)
	}
	data, readErr := os.ReadFile(diffPath)
	if readErr != nil {
		t.Fatalf("diff file not written: %v", readErr)
	}
	var diff schema.ShadowDiff
	if err := json.Unmarshal(data, &diff); err != nil {
		t.Fatalf("parse diff: %v", err)
	}
	if diff.Metrics.VerdictFlipsTotal != 2 || diff.Metrics.TotalRuns != 2 {
		t.Errorf("metrics = %+v", diff.Metrics)
	}
	if !strings.Contains(stderr.String(), "2 of 2 runs flipped") {
		t.Errorf("status line = %q", stderr.String())
	}
}

func TestIntegration_Shadow_BadSample_ExitsThree(t *testing.T) {
	e := newEnv(t)
	s := shadow.NewSample("nightly", []string{"run-a"})
	s.Runs = append(s.Runs, "run-b")
	data, err := s.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	samplePath := filepath.Join(e.dir, "sample.yaml")
	if err := os.WriteFile(samplePath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	err = runShadow(context.Background(), shadowFlags{samplePath: samplePath, configPath: e.cfgPath, from: "1.2", to: "1.3", format: "json"},
		&bytes.Buffer{}, &bytes.Buffer{})
	if code := exitCode(err); code != exitCodeBadInput {
		t.Errorf("expected exit %d, got %d: %v", exitCodeBadInput, code, err)
	}

	err = runShadow(context.Background(), shadowFlags{configPath: e.cfgPath, format: "json"}, &bytes.Buffer{}, &bytes.Buffer{})
	if code := exitCode(err); code != exitCodeBadInput {
		t.Errorf("missing flags: expected exit %d, got %d: %v", exitCodeBadInput, code, err)
	}
}

func TestIntegration_Rulesets(t *testing.T) {
	cmd := newRulesetsCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("rulesets: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("rulesets output = %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "1.2\t") || !strings.HasSuffix(lines[1], "(latest)") {
		t.Errorf("rulesets output = %q", out.String())
	}
}
