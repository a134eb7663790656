// Package ruleset defines the supported ruleset versions. Each version is a
// distinct Adjudicator variant backed by an embedded definition; the set of
// variants is closed, so dispatch over versions is an exhaustive switch
// rather than a lookup in a mutable map.
package ruleset

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/adjudicator/internal/schema"
)

//go:embed rulesets/*.yaml
var definitions embed.FS

// Version is a supported ruleset version.
type Version string

const (
	V1_2 Version = "1.2"
	V1_3 Version = "1.3"
)

// Latest is the ruleset used when none is selected.
const Latest = V1_3

// Adjudicator is one ruleset version. The interface is sealed: only this
// package can add variants.
type Adjudicator interface {
	Version() Version
	// Ruleset parses the embedded definition. Each call returns a fresh value.
	Ruleset() (*Ruleset, error)
	// Digest is the SHA-256 of the embedded definition bytes.
	Digest() string
	sealed()
}

type v1_2 struct{}

func (v1_2) Version() Version           { return V1_2 }
func (v1_2) Ruleset() (*Ruleset, error) { return load(V1_2) }
func (v1_2) Digest() string             { return digest(V1_2) }
func (v1_2) sealed()                    {}

type v1_3 struct{}

func (v1_3) Version() Version           { return V1_3 }
func (v1_3) Ruleset() (*Ruleset, error) { return load(V1_3) }
func (v1_3) Digest() string             { return digest(V1_3) }
func (v1_3) sealed()                    {}

// Lookup returns the adjudicator for version v.
func Lookup(v string) (Adjudicator, error) {
	switch Version(v) {
	case V1_2:
		return v1_2{}, nil
	case V1_3:
		return v1_3{}, nil
	default:
		return nil, fmt.Errorf("ruleset: unknown version %q (available: %s)", v, strings.Join(Versions(), ", "))
	}
}

// All returns every supported adjudicator, oldest first.
func All() []Adjudicator {
	return []Adjudicator{v1_2{}, v1_3{}}
}

// Versions returns every supported version string, oldest first.
func Versions() []string {
	all := All()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, string(a.Version()))
	}
	return out
}

// Ruleset is a parsed ruleset definition.
type Ruleset struct {
	Version     string       `yaml:"version" json:"version"`
	GoldenFlows []GoldenFlow `yaml:"golden_flows" json:"golden_flows"`
}

// GoldenFlow is a rule group. It passes iff all its requirements pass.
type GoldenFlow struct {
	ID           string        `yaml:"id" json:"id"`
	Title        string        `yaml:"title" json:"title"`
	Requirements []Requirement `yaml:"requirements" json:"requirements"`
}

// Requirement binds an evidence pointer to a predicate.
//
// Field and CompareField are gjson paths applied to the resolved content;
// empty means the whole value.
type Requirement struct {
	ID           string                 `yaml:"id" json:"id"`
	Type         schema.RequirementType `yaml:"type" json:"type"`
	Pointer      string                 `yaml:"pointer" json:"pointer"`
	Field        string                 `yaml:"field,omitempty" json:"field,omitempty"`
	Min          *float64               `yaml:"min,omitempty" json:"min,omitempty"`
	Max          *float64               `yaml:"max,omitempty" json:"max,omitempty"`
	Expect       any                    `yaml:"expect,omitempty" json:"expect,omitempty"`
	CompareTo    string                 `yaml:"compare_to,omitempty" json:"compare_to,omitempty"`
	CompareField string                 `yaml:"compare_field,omitempty" json:"compare_field,omitempty"`
}

func definition(v Version) ([]byte, error) {
	data, err := definitions.ReadFile("rulesets/" + string(v) + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("ruleset: read %s: %w", v, err)
	}
	return data, nil
}

func digest(v Version) string {
	data, err := definition(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func load(v Version) (*Ruleset, error) {
	data, err := definition(v)
	if err != nil {
		return nil, err
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("ruleset %s: %w", v, err)
	}
	if rs.Version != string(v) {
		return nil, fmt.Errorf("ruleset %s: definition declares version %q", v, rs.Version)
	}
	return rs, nil
}

// Parse decodes and validates a ruleset definition. Unknown keys are errors.
func Parse(data []byte) (*Ruleset, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var rs Ruleset
	if err := dec.Decode(&rs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}
