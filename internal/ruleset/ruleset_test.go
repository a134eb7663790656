package ruleset

import (
	"sort"
	"strings"
	"testing"

	"github.com/dshills/adjudicator/internal/schema"
)

func TestLookup_AllVersions(t *testing.T) {
	for _, v := range Versions() {
		a, err := Lookup(v)
		if err != nil {
			t.Errorf("Lookup(%q) error: %v", v, err)
			continue
		}
		if string(a.Version()) != v {
			t.Errorf("Lookup(%q).Version() = %q", v, a.Version())
		}
		rs, err := a.Ruleset()
		if err != nil {
			t.Fatalf("Ruleset(%s): %v", v, err)
		}
		if rs.Version != v {
			t.Errorf("ruleset %s declares version %q", v, rs.Version)
		}
		if len(a.Digest()) != 64 {
			t.Errorf("Digest(%s) = %q", v, a.Digest())
		}
	}
}

func TestLookup_Unknown(t *testing.T) {
	_, err := Lookup("9.9")
	if err == nil {
		t.Fatal("Lookup(\"9.9\") expected error, got nil")
	}
	if !strings.Contains(err.Error(), "1.2") {
		t.Errorf("error should list available versions: %v", err)
	}
}

func TestLatest(t *testing.T) {
	if _, err := Lookup(string(Latest)); err != nil {
		t.Fatalf("Latest %q is not a supported version: %v", Latest, err)
	}
}

func TestRuleset_FreshValuePerCall(t *testing.T) {
	a, _ := Lookup("1.2")
	first, err := a.Ruleset()
	if err != nil {
		t.Fatal(err)
	}
	first.GoldenFlows[0].Title = "mutated"
	second, err := a.Ruleset()
	if err != nil {
		t.Fatal(err)
	}
	if second.GoldenFlows[0].Title == "mutated" {
		t.Error("Ruleset() returned shared state")
	}
}

// The 1.3 refinement keeps every requirement and predicate of 1.2.
func TestRefinement_SameRequirements(t *testing.T) {
	index := func(v string) map[string]Requirement {
		a, err := Lookup(v)
		if err != nil {
			t.Fatal(err)
		}
		rs, err := a.Ruleset()
		if err != nil {
			t.Fatal(err)
		}
		out := map[string]Requirement{}
		for _, gf := range rs.GoldenFlows {
			for _, r := range gf.Requirements {
				out[gf.ID+"/"+r.ID] = r
			}
		}
		return out
	}
	old, cur := index("1.2"), index("1.3")
	if len(old) != len(cur) {
		t.Fatalf("requirement count %d vs %d", len(old), len(cur))
	}
	keys := make([]string, 0, len(old))
	for k := range old {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a, b := old[k], cur[k]
		if a.Type != b.Type || a.Pointer != b.Pointer || a.Field != b.Field || a.CompareTo != b.CompareTo {
			t.Errorf("%s differs: %+v vs %+v", k, a, b)
		}
		if (a.Min == nil) != (b.Min == nil) || (a.Min != nil && *a.Min != *b.Min) {
			t.Errorf("%s min differs", k)
		}
		if (a.Max == nil) != (b.Max == nil) || (a.Max != nil && *a.Max != *b.Max) {
			t.Errorf("%s max differs", k)
		}
		if a.Expect != b.Expect {
			t.Errorf("%s expect differs: %v vs %v", k, a.Expect, b.Expect)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "version: x\nbogus: 1\n", "bogus"},
		{"no flows", "version: x\n", "at least one golden flow"},
		{"duplicate gf", `
version: x
golden_flows:
  - id: A
    requirements: [{id: R, type: presence, pointer: "file:a"}]
  - id: A
    requirements: [{id: R, type: presence, pointer: "file:a"}]
`, "duplicate id \"A\""},
		{"bad type", `
version: x
golden_flows:
  - id: A
    requirements: [{id: R, type: fuzzy, pointer: "file:a"}]
`, "type \"fuzzy\" is not valid"},
		{"bad pointer", `
version: x
golden_flows:
  - id: A
    requirements: [{id: R, type: presence, pointer: "s3:a"}]
`, "pointer"},
		{"range without bounds", `
version: x
golden_flows:
  - id: A
    requirements: [{id: R, type: range, pointer: "json:a#/x"}]
`, "range requires min or max"},
		{"equals without expect", `
version: x
golden_flows:
  - id: A
    requirements: [{id: R, type: equals, pointer: "json:a#/x"}]
`, "equals requires expect"},
		{"cross without compare", `
version: x
golden_flows:
  - id: A
    requirements: [{id: R, type: cross_artifact, pointer: "json:a#/x"}]
`, "compare_to"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParse_Types(t *testing.T) {
	rs, err := Parse([]byte(`
version: t
golden_flows:
  - id: A
    requirements:
      - {id: R1, type: range, pointer: "json:a#/x", min: 1, max: 2.5}
      - {id: R2, type: equals, pointer: "json:a#/y", expect: true}
`))
	if err != nil {
		t.Fatal(err)
	}
	r := rs.GoldenFlows[0].Requirements
	if r[0].Type != schema.RequirementRange || *r[0].Min != 1 || *r[0].Max != 2.5 {
		t.Errorf("range = %+v", r[0])
	}
	if r[1].Expect != true {
		t.Errorf("expect = %#v, want true", r[1].Expect)
	}
}
