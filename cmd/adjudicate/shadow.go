package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/adjudicator/internal/adjudicate"
	"github.com/dshills/adjudicator/internal/config"
	"github.com/dshills/adjudicator/internal/render"
	"github.com/dshills/adjudicator/internal/ruleset"
	"github.com/dshills/adjudicator/internal/shadow"
)

var errFlips = errors.New("verdict flips detected")

type shadowFlags struct {
	samplePath string
	configPath string
	from       string
	to         string
	format     string
	out        string
	workers    int
	verbose    bool
}

func newShadowCmd() *cobra.Command {
	var f shadowFlags
	cmd := &cobra.Command{
		Use:   "shadow",
		Short: "Diff verdicts of a locked sample under two ruleset versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShadow(cmd.Context(), f, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&f.samplePath, "sample", "", "locked sample YAML file (required)")
	cmd.Flags().StringVar(&f.configPath, "config", "", "YAML config file")
	cmd.Flags().StringVar(&f.from, "from", "", "baseline ruleset version (required)")
	cmd.Flags().StringVar(&f.to, "to", string(ruleset.Latest), "candidate ruleset version")
	cmd.Flags().StringVar(&f.format, "format", "json", "stdout format: json or md")
	cmd.Flags().StringVar(&f.out, "out", "", "write the diff JSON to this file")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "concurrent runs (default from config)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log progress to stderr")
	return cmd
}

func runShadow(ctx context.Context, f shadowFlags, stdout, stderr io.Writer) error {
	return runShadowWith(ctx, f, nil, stdout, stderr)
}

// runShadowWith exits 5 when any sampled run flips. A nil runner adjudicates
// packs from the configured packs root.
func runShadowWith(ctx context.Context, f shadowFlags, runner shadow.Runner, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.samplePath == "" || f.from == "" {
		return badInput("--sample and --from are required")
	}
	if f.format != "json" && f.format != "md" {
		return badInput("unknown format %q", f.format)
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return badInput("%w", err)
	}
	from, err := ruleset.Lookup(f.from)
	if err != nil {
		return badInput("%w", err)
	}
	to, err := ruleset.Lookup(f.to)
	if err != nil {
		return badInput("%w", err)
	}
	sample, err := shadow.LoadSample(f.samplePath)
	if err != nil {
		return badInput("%w", err)
	}
	workers := cfg.Shadow.Workers
	if f.workers > 0 {
		workers = f.workers
	}
	logger := newLogger(f.verbose)

	if runner == nil {
		runner = adjudicate.New(cfg, logger)
	}
	diff, err := shadow.Run(ctx, runner, sample, from, to, shadow.Options{
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		return pipelineErr(err)
	}
	encoded, err := shadow.Encode(diff)
	if err != nil {
		return pipelineErr(err)
	}
	if f.out != "" {
		if err := os.WriteFile(f.out, encoded, 0o644); err != nil {
			return pipelineErr(fmt.Errorf("write %s: %w", f.out, err))
		}
	}
	if f.format == "md" {
		_, err = io.WriteString(stdout, render.RenderDiffMarkdown(diff))
	} else {
		_, err = stdout.Write(encoded)
	}
	if err != nil {
		return pipelineErr(err)
	}

	if shadow.HasFlips(diff) {
		color.New(color.FgRed).Fprintf(stderr, "%s -> %s: %d of %d runs flipped\n",
			diff.FromRuleset, diff.ToRuleset, diff.Metrics.VerdictFlipsTotal, diff.Metrics.TotalRuns)
		return &exitError{code: exitCodeFlips, err: errFlips}
	}
	color.New(color.FgGreen).Fprintf(stderr, "%s -> %s: zero flips over %d runs (%d shifts)\n",
		diff.FromRuleset, diff.ToRuleset, diff.Metrics.TotalRuns, diff.Metrics.EquivalenceShift)
	return nil
}

type sampleFlags struct {
	sampleID string
	out      string
	runs     []string
}

func newSampleCmd() *cobra.Command {
	var f sampleFlags
	cmd := &cobra.Command{
		Use:   "sample <sample_id> <run_id>...",
		Short: "Write a locked sample file for the shadow command",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.sampleID, f.runs = args[0], args[1:]
			return runSample(f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.out, "out", "", "write to this file instead of stdout")
	return cmd
}

func runSample(f sampleFlags, stdout io.Writer) error {
	s := shadow.NewSample(f.sampleID, f.runs)
	if err := s.Validate(); err != nil {
		return badInput("%w", err)
	}
	data, err := s.Marshal()
	if err != nil {
		return pipelineErr(err)
	}
	if f.out != "" {
		if err := os.WriteFile(f.out, data, 0o644); err != nil {
			return pipelineErr(fmt.Errorf("write %s: %w", f.out, err))
		}
		return nil
	}
	_, err = stdout.Write(data)
	return err
}
