package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/adjudicator/internal/adjudicate"
	"github.com/dshills/adjudicator/internal/bundle"
	"github.com/dshills/adjudicator/internal/config"
	"github.com/dshills/adjudicator/internal/ingest"
	"github.com/dshills/adjudicator/internal/render"
	"github.com/dshills/adjudicator/internal/ruleset"
	"github.com/dshills/adjudicator/internal/schema"
	"github.com/dshills/adjudicator/internal/verdict"
	"github.com/dshills/adjudicator/internal/verify"
)

type runFlags struct {
	runID      string
	configPath string
	ruleset    string
	failOn     string
	format     string
	out        string
	noWrite    bool
	verbose    bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <run_id>",
		Short: "Adjudicate one run and write its bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.runID = args[0]
			return runAdjudicate(cmd.Context(), f, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "YAML config file")
	cmd.Flags().StringVar(&f.ruleset, "ruleset", "", "ruleset version (default from config)")
	cmd.Flags().StringVar(&f.failOn, "fail-on", "", "exit 2 when overall status is at or beyond INCOMPLETE or NOT_ADMISSIBLE")
	cmd.Flags().StringVar(&f.format, "format", "json", "stdout format: json or md")
	cmd.Flags().StringVar(&f.out, "out", "", "also write the rendered output to this file")
	cmd.Flags().BoolVar(&f.noWrite, "no-write", false, "do not write a bundle")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log pipeline progress to stderr")
	return cmd
}

func runAdjudicate(ctx context.Context, f runFlags, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.format != "json" && f.format != "md" {
		return badInput("unknown format %q", f.format)
	}
	var threshold schema.OverallStatus
	if f.failOn != "" {
		threshold = schema.OverallStatus(strings.ToUpper(f.failOn))
		if verdict.StatusOrdinal(threshold) < 0 {
			return badInput("unknown --fail-on status %q", f.failOn)
		}
	}
	if !adjudicate.ValidRunID(f.runID) {
		return badInput("invalid run id %q", f.runID)
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return badInput("%w", err)
	}
	rs, err := pickRuleset(f.ruleset, cfg)
	if err != nil {
		return err
	}

	adj := adjudicate.New(cfg, newLogger(f.verbose))
	res, err := adj.Adjudicate(ctx, f.runID, rs)
	if err != nil {
		return pipelineErr(err)
	}

	var bundlePath string
	if !f.noWrite {
		w, err := adjudicate.Write(cfg.Output.Root, res)
		if err != nil {
			return pipelineErr(err)
		}
		bundlePath = w.BundlePath
		if !w.Written {
			fmt.Fprintf(stderr, "bundle %s unchanged (reproduced)\n", w.BundleName)
		}
	}

	var rendered []byte
	if f.format == "md" {
		rendered = []byte(render.RenderMarkdown(res))
	} else {
		if rendered, err = render.RenderJSON(res); err != nil {
			return pipelineErr(err)
		}
		rendered = append(rendered, '\n')
	}
	if _, err := stdout.Write(rendered); err != nil {
		return pipelineErr(err)
	}
	if f.out != "" {
		if err := os.WriteFile(f.out, rendered, 0o644); err != nil {
			return pipelineErr(fmt.Errorf("write %s: %w", f.out, err))
		}
	}
	printStatus(stderr, res.Verdict, bundlePath)

	if threshold != "" && verdict.StatusOrdinal(res.Verdict.OverallStatus) >= verdict.StatusOrdinal(threshold) {
		return &exitError{code: exitCodeFailOn}
	}
	return nil
}

func pickRuleset(flag string, cfg config.Config) (ruleset.Adjudicator, error) {
	v := flag
	if v == "" {
		v = cfg.Adjudication.Ruleset
	}
	rs, err := ruleset.Lookup(v)
	if err != nil {
		return nil, badInput("%w", err)
	}
	return rs, nil
}

func printStatus(w io.Writer, v schema.Verdict, bundlePath string) {
	c := color.New(color.FgGreen)
	switch v.OverallStatus {
	case schema.OverallIncomplete:
		c = color.New(color.FgYellow)
	case schema.OverallNotAdmissible:
		c = color.New(color.FgRed)
	}
	c.Fprintf(w, "%s %s (ruleset %s)\n", v.RunID, v.OverallStatus, v.RulesetVersion)
	if bundlePath != "" {
		fmt.Fprintf(w, "  bundle: %s\n", bundlePath)
	}
}

type verifyFlags struct {
	path       string
	configPath string
	allowZip   bool
}

func newVerifyCmd() *cobra.Command {
	var f verifyFlags
	cmd := &cobra.Command{
		Use:   "verify <pack>",
		Short: "Run the admission checks on a pack and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.path = args[0]
			return runVerify(f, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "YAML config file")
	cmd.Flags().BoolVar(&f.allowZip, "allow-zip", false, "accept a zip archive")
	return cmd
}

// runVerify exits 2 when the pack is not admissible.
func runVerify(f verifyFlags, stdout, stderr io.Writer) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return badInput("%w", err)
	}
	var report schema.VerificationReport
	pack, err := ingest.Ingest(f.path, ingest.Options{
		AllowZip:         f.allowZip || cfg.Packs.AllowZip,
		MaxZipEntryBytes: cfg.Packs.MaxZipEntryBytes,
	})
	if err != nil {
		if _, ok := ingest.CodeOf(err); !ok {
			return pipelineErr(err)
		}
		report = verify.IngestFailure(err)
	} else {
		defer func() {
			_ = pack.Close()
		}()
		report = verify.Verify(pack, cfg.Limits)
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return pipelineErr(err)
	}
	if _, err := stdout.Write(append(out, '\n')); err != nil {
		return pipelineErr(err)
	}
	c := color.New(color.FgGreen)
	switch report.AdmissionStatus {
	case schema.AdmissionPartiallyAdmissible:
		c = color.New(color.FgYellow)
	case schema.AdmissionNotAdmissible:
		c = color.New(color.FgRed)
	}
	c.Fprintf(stderr, "%s %s\n", filepath.Base(f.path), report.AdmissionStatus)
	if report.AdmissionStatus == schema.AdmissionNotAdmissible {
		return &exitError{code: exitCodeFailOn}
	}
	return nil
}

type canonicalFlags struct {
	release    string
	configPath string
	dir        string
}

func newCanonicalCmd() *cobra.Command {
	var f canonicalFlags
	cmd := &cobra.Command{
		Use:   "canonical <release>",
		Short: "Print the canonical bundle for a release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.release = args[0]
			return runCanonical(f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "YAML config file")
	cmd.Flags().StringVar(&f.dir, "dir", "", "bundle directory (default output.root)")
	return cmd
}

func runCanonical(f canonicalFlags, stdout io.Writer) error {
	dir := f.dir
	if dir == "" {
		cfg, err := config.Load(f.configPath)
		if err != nil {
			return badInput("%w", err)
		}
		dir = cfg.Output.Root
	}
	res, ok, err := bundle.SelectCanonical(dir, f.release)
	if err != nil {
		return pipelineErr(err)
	}
	if !ok {
		return badInput("no canonical bundle for %q in %s", f.release, dir)
	}
	v, err := bundle.ReadVerdict(res.BundlePath)
	if err != nil {
		return pipelineErr(err)
	}
	fmt.Fprintf(stdout, "%s\trev=%d\t%s\t%s\n", res.BundlePath, res.Revision, v.OverallStatus, v.VerdictHash)
	return nil
}

func newRulesetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rulesets",
		Short: "List supported ruleset versions and their digests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, rs := range ruleset.All() {
				mark := ""
				if rs.Version() == ruleset.Latest {
					mark = " (latest)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s%s\n", rs.Version(), rs.Digest(), mark)
			}
			return nil
		},
	}
}
