package schema_test

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/dshills/adjudicator/internal/schema"
)

func TestEnumValues_Serialize(t *testing.T) {
	cases := []struct {
		v    any
		want string
	}{
		{schema.AdmissionAdmissible, "ADMISSIBLE"},
		{schema.AdmissionPartiallyAdmissible, "PARTIALLY_ADMISSIBLE"},
		{schema.AdmissionNotAdmissible, "NOT_ADMISSIBLE"},
		{schema.CheckPass, "PASS"},
		{schema.CheckFail, "FAIL"},
		{schema.CheckSkip, "SKIP"},
		{schema.CheckWarn, "WARN"},
		{schema.OverallAdjudicated, "ADJUDICATED"},
		{schema.OverallIncomplete, "INCOMPLETE"},
		{schema.OverallNotAdmissible, "NOT_ADMISSIBLE"},
		{schema.RequirementCrossArtifact, "cross_artifact"},
	}
	for _, tc := range cases {
		b, _ := json.Marshal(tc.v)
		if string(b) != `"`+tc.want+`"` {
			t.Errorf("%v serialized to %s, want %q", tc.v, b, tc.want)
		}
	}
}

func TestOverallStatus_NoEndorsementVocabulary(t *testing.T) {
	for _, s := range []schema.OverallStatus{
		schema.OverallAdjudicated, schema.OverallIncomplete, schema.OverallNotAdmissible,
	} {
		lower := strings.ToLower(string(s))
		if strings.Contains(lower, "certif") || strings.Contains(lower, "endors") {
			t.Errorf("overall status %q uses endorsement vocabulary", s)
		}
	}
}

// Every timestamp-like field on a hashed document must be denylisted, or
// two adjudications of the same pack would hash differently.
func TestTimestampFields_AreDenylisted(t *testing.T) {
	types := []any{
		schema.VerificationReport{},
		schema.EvaluationReport{},
		schema.Verdict{},
		schema.ShadowDiff{},
	}
	for _, v := range types {
		rt := reflect.TypeOf(v)
		for i := 0; i < rt.NumField(); i++ {
			name := strings.Split(rt.Field(i).Tag.Get("json"), ",")[0]
			if strings.HasSuffix(name, "_at") && !schema.IsNonDeterministic(name) {
				t.Errorf("%s.%s (%q) is not in NonDeterministicFields", rt.Name(), rt.Field(i).Name, name)
			}
		}
	}
}

func TestVerdictHashField_IsDenylisted(t *testing.T) {
	if !schema.IsNonDeterministic(schema.VerdictHashField) {
		t.Fatal("verdict_hash must be excluded from its own hash input")
	}
	rt := reflect.TypeOf(schema.EvaluationReport{})
	f, ok := rt.FieldByName("VerdictHash")
	if !ok || f.Tag.Get("json") != schema.VerdictHashField {
		t.Errorf("EvaluationReport.VerdictHash tag = %q, want %q", f.Tag.Get("json"), schema.VerdictHashField)
	}
}
