package evaluate

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/dshills/adjudicator/internal/pointer"
	"github.com/dshills/adjudicator/internal/ruleset"
	"github.com/dshills/adjudicator/internal/schema"
	"github.com/dshills/adjudicator/internal/taxonomy"
)

func evaluateRequirement(r *pointer.Resolver, req ruleset.Requirement) schema.RequirementVerdict {
	p := r.Resolve(req.Pointer)
	rv := schema.RequirementVerdict{
		RequirementID:   req.ID,
		Type:            req.Type,
		Status:          schema.StatusPass,
		EvidencePointer: p.Record(),
		Failures:        []schema.Failure{},
	}
	failWith := func(code taxonomy.Code, detail string) {
		rv.Status = schema.StatusFail
		rv.Failures = append(rv.Failures, taxonomy.NewFailure(code, "", artifactOf(req.Pointer), detail))
	}
	if !p.Resolved {
		failWith(p.Err.Code(), p.Err.Error())
		return rv
	}

	switch req.Type {
	case schema.RequirementPresence:
		if code, detail, ok := checkPresence(p.Content, req.Field); !ok {
			failWith(code, detail)
		}
	case schema.RequirementRange:
		if code, detail, ok := checkRange(value(p.Content, req.Field), req.Min, req.Max); !ok {
			failWith(code, detail)
		}
	case schema.RequirementEquals:
		if code, detail, ok := checkEquals(value(p.Content, req.Field), req.Expect); !ok {
			failWith(code, detail)
		}
	case schema.RequirementCrossArtifact:
		q := r.Resolve(req.CompareTo)
		rec := q.Record()
		rv.ComparePointer = &rec
		if !q.Resolved {
			rv.Status = schema.StatusFail
			rv.Failures = append(rv.Failures, taxonomy.NewFailure(q.Err.Code(), "", artifactOf(req.CompareTo), q.Err.Error()))
			return rv
		}
		if code, detail, ok := checkSame(value(p.Content, req.Field), value(q.Content, req.CompareField)); !ok {
			failWith(code, detail)
		}
	default:
		failWith(taxonomy.EvidencePointerUnresolvable, fmt.Sprintf("requirement type %q", req.Type))
	}
	return rv
}

// artifactOf returns the pack path a locator addresses, or the locator itself
// when it does not parse.
func artifactOf(locator string) string {
	loc, err := pointer.Parse(locator)
	if err != nil {
		return locator
	}
	return loc.Path
}

// value selects field from content. An empty field selects the whole value.
func value(content []byte, field string) gjson.Result {
	if field == "" {
		return gjson.ParseBytes(content)
	}
	return gjson.GetBytes(content, field)
}

func checkPresence(content []byte, field string) (taxonomy.Code, string, bool) {
	if len(bytes.TrimSpace(content)) == 0 {
		return taxonomy.EvidencePointerUnresolvable, "content empty", false
	}
	if field == "" {
		if gjson.ValidBytes(content) && gjson.ParseBytes(content).Type == gjson.Null {
			return taxonomy.EvidencePointerUnresolvable, "value is null", false
		}
		return "", "", true
	}
	v := gjson.GetBytes(content, field)
	if !v.Exists() {
		return taxonomy.EvidencePointerUnresolvable, fmt.Sprintf("field %q absent", field), false
	}
	if v.Type == gjson.Null {
		return taxonomy.EvidencePointerUnresolvable, fmt.Sprintf("field %q is null", field), false
	}
	return "", "", true
}

func checkRange(v gjson.Result, lo, hi *float64) (taxonomy.Code, string, bool) {
	if !v.Exists() {
		return taxonomy.EvidencePointerUnresolvable, "value absent", false
	}
	if v.Type != gjson.Number {
		return taxonomy.EvidenceValueMismatch, fmt.Sprintf("value %s is not numeric", v.Raw), false
	}
	if lo != nil && v.Num < *lo {
		return taxonomy.EvidenceValueOutOfRange, fmt.Sprintf("value %s below minimum %s", v.Raw, formatFloat(*lo)), false
	}
	if hi != nil && v.Num > *hi {
		return taxonomy.EvidenceValueOutOfRange, fmt.Sprintf("value %s above maximum %s", v.Raw, formatFloat(*hi)), false
	}
	return "", "", true
}

func checkEquals(v gjson.Result, expect any) (taxonomy.Code, string, bool) {
	if !v.Exists() {
		return taxonomy.EvidencePointerUnresolvable, "value absent", false
	}
	if matches(v, expect) {
		return "", "", true
	}
	return taxonomy.EvidenceValueMismatch, fmt.Sprintf("value %s, expected %v", v.Raw, expect), false
}

// matches compares a JSON value with a scalar decoded from the ruleset.
func matches(v gjson.Result, expect any) bool {
	switch e := expect.(type) {
	case string:
		return v.Type == gjson.String && v.Str == e
	case bool:
		return (v.Type == gjson.True && e) || (v.Type == gjson.False && !e)
	case int:
		return v.Type == gjson.Number && v.Num == float64(e)
	case int64:
		return v.Type == gjson.Number && v.Num == float64(e)
	case uint64:
		return v.Type == gjson.Number && v.Num == float64(e)
	case float64:
		return v.Type == gjson.Number && v.Num == e
	case nil:
		return v.Type == gjson.Null
	default:
		return false
	}
}

func checkSame(a, b gjson.Result) (taxonomy.Code, string, bool) {
	if !a.Exists() {
		return taxonomy.EvidencePointerUnresolvable, "value absent", false
	}
	if !b.Exists() {
		return taxonomy.EvidencePointerUnresolvable, "comparison value absent", false
	}
	if same(a, b) {
		return "", "", true
	}
	return taxonomy.EvidenceCrossReferenceBroken, fmt.Sprintf("%s does not match %s", a.Raw, b.Raw), false
}

// same compares two JSON values structurally: object key order and
// whitespace are ignored and numbers compare by exact value.
func same(a, b gjson.Result) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case gjson.String:
		return a.Str == b.Str
	case gjson.Number:
		return sameNumber(a, b)
	case gjson.Null, gjson.True, gjson.False:
		return true
	}
	if a.IsArray() != b.IsArray() || a.IsObject() != b.IsObject() {
		return false
	}
	if a.IsArray() {
		x, y := a.Array(), b.Array()
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if !same(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	x, y := a.Map(), b.Map()
	if len(x) != len(y) {
		return false
	}
	for k, v := range x {
		w, ok := y[k]
		if !ok || !same(v, w) {
			return false
		}
	}
	return true
}

func sameNumber(a, b gjson.Result) bool {
	x, okx := new(big.Rat).SetString(a.Raw)
	y, oky := new(big.Rat).SetString(b.Raw)
	if !okx || !oky {
		return a.Num == b.Num
	}
	return x.Cmp(y) == 0
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
