// Package adjudicate runs the full pipeline for one run: locate the pack,
// ingest, verify, evaluate when admissible, hash, and assemble the seven-file
// adjudication bundle.
package adjudicate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/dshills/adjudicator/internal/canon"
	"github.com/dshills/adjudicator/internal/config"
	"github.com/dshills/adjudicator/internal/evaluate"
	"github.com/dshills/adjudicator/internal/ingest"
	"github.com/dshills/adjudicator/internal/ruleset"
	"github.com/dshills/adjudicator/internal/schema"
	"github.com/dshills/adjudicator/internal/taxonomy"
	"github.com/dshills/adjudicator/internal/verdict"
	"github.com/dshills/adjudicator/internal/verify"
)

// ErrInvalidRunID is returned for run ids that cannot name a pack or bundle.
var ErrInvalidRunID = errors.New("adjudicate: invalid run id")

// ErrNondeterministic is returned when the determinism check sees two
// evaluations of the same pack disagree.
var ErrNondeterministic = errors.New("adjudicate: evaluation is not deterministic")

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidRunID reports whether id may be used as a pack and bundle name.
func ValidRunID(id string) bool {
	return runIDPattern.MatchString(id) && id != "." && id != ".."
}

// Result holds every document of one adjudication, in memory.
type Result struct {
	RunID        string
	InputPointer schema.InputPointer
	Identity     schema.VerifierIdentity
	Fingerprint  schema.VerifierFingerprint
	Verification schema.VerificationReport
	Evaluation   schema.EvaluationReport
	Verdict      schema.Verdict
}

// Adjudicator runs the pipeline under a fixed configuration.
type Adjudicator struct {
	cfg    config.Config
	logger *log.Logger
	now    func() time.Time
}

// Option configures an Adjudicator.
type Option func(*Adjudicator)

// WithClock sets the clock used for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Adjudicator) { a.now = now }
}

// New returns an Adjudicator. A nil logger discards output.
func New(cfg config.Config, logger *log.Logger, opts ...Option) *Adjudicator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	a := &Adjudicator{cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Adjudicate runs the pipeline for runID under rs and returns the complete
// set of bundle documents. A pack that cannot be ingested or admitted still
// yields a full result with status NOT_ADMISSIBLE; errors are reserved for
// conditions that prevent producing a bundle at all.
func (a *Adjudicator) Adjudicate(ctx context.Context, runID string, rs ruleset.Adjudicator) (*Result, error) {
	if !ValidRunID(runID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, err := rs.Ruleset()
	if err != nil {
		return nil, fmt.Errorf("adjudicate: %w", err)
	}
	stamp := a.now().UTC().Format(time.RFC3339)

	packPath, packRef := a.locatePack(runID)
	a.logger.Printf("run %s: ingest %s", runID, packPath)

	var report schema.VerificationReport
	pack, err := ingest.Ingest(packPath, ingest.Options{
		AllowZip:         a.cfg.Packs.AllowZip,
		MaxZipEntryBytes: a.cfg.Packs.MaxZipEntryBytes,
	})
	if err != nil {
		if _, ok := ingest.CodeOf(err); !ok {
			return nil, fmt.Errorf("adjudicate: ingest: %w", err)
		}
		a.logger.Printf("run %s: ingest failed: %v", runID, err)
		report = verify.IngestFailure(err)
	} else {
		defer func() {
			if cerr := pack.Close(); cerr != nil {
				a.logger.Printf("run %s: release pack: %v", runID, cerr)
			}
		}()
		report = verify.Verify(pack, a.cfg.Limits)
	}
	report.ComputedAt = stamp
	a.logger.Printf("run %s: admission %s (%d blocking failures)", runID, report.AdmissionStatus, len(report.BlockingFailures))

	eval, err := a.evaluate(ctx, runID, pack, report, def)
	if err != nil {
		return nil, err
	}
	eval.GeneratedAt = stamp

	identity := a.identity()
	fingerprint, err := a.fingerprint(identity, rs)
	if err != nil {
		return nil, err
	}

	status := verdict.DetermineStatus(report.AdmissionStatus, &eval)
	res := &Result{
		RunID: runID,
		InputPointer: schema.InputPointer{
			RunID:          runID,
			PackRef:        packRef,
			LayoutVersion:  report.LayoutVersion,
			PackRootHash:   eval.PackRootHash,
			RulesetVersion: def.Version,
		},
		Identity:     identity,
		Fingerprint:  fingerprint,
		Verification: report,
		Evaluation:   eval,
		Verdict: schema.Verdict{
			AdjudicationVersion: schema.AdjudicationVersion,
			RunID:               runID,
			Verifier: schema.VerifierRef{
				Name:        identity.Name,
				Version:     identity.Version,
				Fingerprint: fingerprint.Fingerprint,
			},
			RulesetVersion:    def.Version,
			AdmissionStatus:   report.AdmissionStatus,
			GoldenFlowResults: verdict.GoldenFlowResults(&eval),
			OverallStatus:     status,
			VerdictHash:       eval.VerdictHash,
			AdjudicatedAt:     stamp,
		},
	}
	if pack != nil {
		res.InputPointer.PackSource = string(pack.Source)
		res.InputPointer.FileCount = len(pack.Files)
		res.InputPointer.TotalSizeBytes = pack.TotalSizeBytes
	}
	a.logger.Printf("run %s: %s verdict_hash=%s", runID, status, eval.VerdictHash)
	return res, nil
}

// evaluate runs the evaluator on an admitted pack, or records why it did not
// run. Evaluator errors downgrade the run to NOT_RUN rather than aborting it.
func (a *Adjudicator) evaluate(ctx context.Context, runID string, pack *ingest.Pack, report schema.VerificationReport, def *ruleset.Ruleset) (schema.EvaluationReport, error) {
	rootHash := evaluate.PackRootHash(report.ComputedHashes)
	if report.AdmissionStatus != schema.AdmissionAdmissible {
		return evaluate.NotRun(def.Version, rootHash, "admission status "+string(report.AdmissionStatus))
	}
	if err := ctx.Err(); err != nil {
		return schema.EvaluationReport{}, err
	}
	eval, err := evaluate.Evaluate(pack, report, def)
	if err != nil {
		a.logger.Printf("run %s: evaluation failed: %v", runID, err)
		return evaluate.NotRun(def.Version, rootHash, err.Error())
	}
	if a.cfg.Adjudication.DeterminismCheck {
		again, err := evaluate.Evaluate(pack, report, def)
		if err != nil {
			return schema.EvaluationReport{}, fmt.Errorf("adjudicate: determinism check: %w", err)
		}
		if again.VerdictHash != eval.VerdictHash {
			return schema.EvaluationReport{}, fmt.Errorf("%w: %s vs %s", ErrNondeterministic, eval.VerdictHash, again.VerdictHash)
		}
		a.logger.Printf("run %s: determinism check passed", runID)
	}
	return eval, nil
}

// locatePack returns the pack path for runID and its reference relative to
// the packs root. A directory wins over a zip of the same name.
func (a *Adjudicator) locatePack(runID string) (string, string) {
	dir := filepath.Join(a.cfg.Packs.Root, runID)
	if _, err := os.Stat(dir); err == nil {
		return dir, runID
	}
	archive := dir + ".zip"
	if _, err := os.Stat(archive); err == nil {
		return archive, runID + ".zip"
	}
	return dir, runID
}

func (a *Adjudicator) identity() schema.VerifierIdentity {
	return schema.VerifierIdentity{
		Name:                a.cfg.Verifier.Name,
		Version:             a.cfg.Verifier.Version,
		AdjudicationVersion: schema.AdjudicationVersion,
		SupportedRulesets:   ruleset.Versions(),
		CheckBattery:        verify.Battery(),
	}
}

// fingerprint content-addresses everything that determines verifier
// behaviour: identity, ruleset definition, failure taxonomy and limits.
func (a *Adjudicator) fingerprint(identity schema.VerifierIdentity, rs ruleset.Adjudicator) (schema.VerifierFingerprint, error) {
	var fp schema.VerifierFingerprint
	var err error
	if fp.IdentitySHA256, err = canon.Hash(identity); err != nil {
		return fp, fmt.Errorf("adjudicate: fingerprint identity: %w", err)
	}
	fp.RulesetSHA256 = rs.Digest()
	if fp.TaxonomySHA256, err = canon.Hash(taxonomy.Table()); err != nil {
		return fp, fmt.Errorf("adjudicate: fingerprint taxonomy: %w", err)
	}
	if fp.LimitsSHA256, err = canon.Hash(a.cfg.Limits); err != nil {
		return fp, fmt.Errorf("adjudicate: fingerprint limits: %w", err)
	}
	sum := sha256.Sum256([]byte(fp.IdentitySHA256 + "\n" + fp.RulesetSHA256 + "\n" + fp.TaxonomySHA256 + "\n" + fp.LimitsSHA256 + "\n"))
	fp.Fingerprint = hex.EncodeToString(sum[:])
	return fp, nil
}
