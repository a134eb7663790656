package shadow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrLockMismatch is returned when a sample's run list no longer matches its
// recorded lock.
var ErrLockMismatch = errors.New("shadow: sample lock mismatch")

// Sample is a locked set of run ids. The lock pins the run list so a diff
// cannot silently be computed over a different sample.
type Sample struct {
	SampleID   string   `yaml:"sample_id"`
	Runs       []string `yaml:"runs"`
	LockSHA256 string   `yaml:"lock_sha256"`
}

// Lock returns the SHA-256 of the sorted, newline-joined run ids.
func Lock(runs []string) string {
	sorted := append([]string(nil), runs...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// NewSample builds a locked sample.
func NewSample(id string, runs []string) Sample {
	return Sample{SampleID: id, Runs: append([]string(nil), runs...), LockSHA256: Lock(runs)}
}

// Validate checks the run list and its lock.
func (s Sample) Validate() error {
	if len(s.Runs) == 0 {
		return errors.New("shadow: sample has no runs")
	}
	seen := make(map[string]bool, len(s.Runs))
	for _, r := range s.Runs {
		if r == "" {
			return errors.New("shadow: sample has an empty run id")
		}
		if seen[r] {
			return fmt.Errorf("shadow: sample lists run %q twice", r)
		}
		seen[r] = true
	}
	if got := Lock(s.Runs); got != strings.ToLower(s.LockSHA256) {
		return fmt.Errorf("%w: recorded %s, computed %s", ErrLockMismatch, s.LockSHA256, got)
	}
	return nil
}

// LoadSample reads and validates a sample file.
func LoadSample(path string) (Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Sample{}, fmt.Errorf("shadow: load sample: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Sample
	if err := dec.Decode(&s); err != nil {
		return Sample{}, fmt.Errorf("shadow: decode sample: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Sample{}, err
	}
	return s, nil
}

// Marshal encodes the sample as YAML.
func (s Sample) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("shadow: encode sample: %w", err)
	}
	return out, nil
}
