// Package config loads the adjudicator configuration. A Config is built once
// at startup and passed by value into each stage; nothing reads the
// environment after Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dshills/adjudicator/internal/ruleset"
	"github.com/dshills/adjudicator/internal/verify"
)

// Config is the full adjudicator configuration.
type Config struct {
	Packs        PacksConfig        `yaml:"packs"`
	Output       OutputConfig       `yaml:"output"`
	Limits       verify.Limits      `yaml:"limits"`
	Verifier     VerifierConfig     `yaml:"verifier"`
	Shadow       ShadowConfig       `yaml:"shadow"`
	Adjudication AdjudicationConfig `yaml:"adjudication"`
}

// PacksConfig locates evidence packs. A run's pack is <root>/<run_id> or
// <root>/<run_id>.zip.
type PacksConfig struct {
	Root             string `yaml:"root"`
	AllowZip         bool   `yaml:"allow_zip"`
	MaxZipEntryBytes int64  `yaml:"max_zip_entry_bytes"`
}

// OutputConfig locates adjudication bundles.
type OutputConfig struct {
	Root string `yaml:"root"`
}

// VerifierConfig names this verifier in bundle identity documents.
type VerifierConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ShadowConfig tunes ruleset diff runs.
type ShadowConfig struct {
	Workers int `yaml:"workers"`
}

// AdjudicationConfig tunes the pipeline.
type AdjudicationConfig struct {
	Ruleset string `yaml:"ruleset"`
	// DeterminismCheck evaluates every admitted pack twice and fails the run
	// when the verdict hashes differ.
	DeterminismCheck bool `yaml:"determinism_check"`
}

// Default returns a configuration with every value set.
func Default() Config {
	return Config{
		Packs:  PacksConfig{Root: "packs", MaxZipEntryBytes: 100 * 1024 * 1024},
		Output: OutputConfig{Root: "out"},
		Limits: verify.DefaultLimits(),
		Verifier: VerifierConfig{
			Name:    "adjudicate",
			Version: "1.0.0",
		},
		Shadow:       ShadowConfig{Workers: 4},
		Adjudication: AdjudicationConfig{Ruleset: string(ruleset.Latest)},
	}
}

// Load builds the configuration: defaults, then a .env file in the working
// directory if present, then the YAML file at path (skipped when path is
// empty), then ADJ_* environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: load: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("config: unmarshal: %w", err)
		}
	}
	if err := applyEnvOverrides(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// applyEnvOverrides overrides values from ADJ_-prefixed environment variables.
func applyEnvOverrides(c *Config) error {
	if v := os.Getenv("ADJ_PACKS_ROOT"); v != "" {
		c.Packs.Root = v
	}
	if v := os.Getenv("ADJ_ALLOW_ZIP"); v != "" {
		b, err := parseBool("ADJ_ALLOW_ZIP", v)
		if err != nil {
			return err
		}
		c.Packs.AllowZip = b
	}
	if v := os.Getenv("ADJ_OUTPUT_ROOT"); v != "" {
		c.Output.Root = v
	}
	if v := os.Getenv("ADJ_MAX_FILE_BYTES"); v != "" {
		n, err := parseInt("ADJ_MAX_FILE_BYTES", v)
		if err != nil {
			return err
		}
		c.Limits.MaxFileBytes = n
	}
	if v := os.Getenv("ADJ_MAX_TOTAL_BYTES"); v != "" {
		n, err := parseInt("ADJ_MAX_TOTAL_BYTES", v)
		if err != nil {
			return err
		}
		c.Limits.MaxTotalBytes = n
	}
	if v := os.Getenv("ADJ_DISALLOWED_EXTENSIONS"); v != "" {
		var exts []string
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				exts = append(exts, e)
			}
		}
		c.Limits.DisallowedExtensions = exts
	}
	if v := os.Getenv("ADJ_VERIFIER_NAME"); v != "" {
		c.Verifier.Name = v
	}
	if v := os.Getenv("ADJ_VERIFIER_VERSION"); v != "" {
		c.Verifier.Version = v
	}
	if v := os.Getenv("ADJ_SHADOW_WORKERS"); v != "" {
		n, err := parseInt("ADJ_SHADOW_WORKERS", v)
		if err != nil {
			return err
		}
		c.Shadow.Workers = int(n)
	}
	if v := os.Getenv("ADJ_RULESET"); v != "" {
		c.Adjudication.Ruleset = v
	}
	if v := os.Getenv("ADJ_DETERMINISM_CHECK"); v != "" {
		b, err := parseBool("ADJ_DETERMINISM_CHECK", v)
		if err != nil {
			return err
		}
		c.Adjudication.DeterminismCheck = b
	}
	return nil
}

func parseBool(key, v string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("config: %s: %q is not a boolean", key, v)
	}
	return b, nil
}

func parseInt(key, v string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %q is not an integer", key, v)
	}
	return n, nil
}

// Validate returns an error listing every invalid value.
func (c Config) Validate() error {
	var errs []string
	if c.Packs.Root == "" {
		errs = append(errs, "packs.root is required")
	}
	if c.Packs.MaxZipEntryBytes < 0 {
		errs = append(errs, "packs.max_zip_entry_bytes must not be negative")
	}
	if c.Output.Root == "" {
		errs = append(errs, "output.root is required")
	}
	if c.Limits.MaxFileBytes < 0 {
		errs = append(errs, "limits.max_file_bytes must not be negative")
	}
	if c.Limits.MaxTotalBytes < 0 {
		errs = append(errs, "limits.max_total_bytes must not be negative")
	}
	if c.Verifier.Name == "" {
		errs = append(errs, "verifier.name is required")
	}
	if c.Verifier.Version == "" {
		errs = append(errs, "verifier.version is required")
	}
	if c.Shadow.Workers < 1 {
		errs = append(errs, "shadow.workers must be at least 1")
	}
	if _, err := ruleset.Lookup(c.Adjudication.Ruleset); err != nil {
		errs = append(errs, fmt.Sprintf("adjudication.ruleset: %v", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}
