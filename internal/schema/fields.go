package schema

// VerdictHashField is the JSON name of the self-referential hash field.
const VerdictHashField = "verdict_hash"

// NonDeterministicFields lists JSON object keys dropped at every nesting
// level before hashing. Any non-deterministic field added to a report or
// verdict type must be listed here; canon reads this table directly.
var NonDeterministicFields = map[string]bool{
	VerdictHashField: true,
	"adjudicated_at": true,
	"_meta":          true,
	"generated_at":   true,
	"computed_at":    true,
}

// UnorderedCollections maps the JSON key of each array whose element order
// carries no meaning to the element key it is sorted by before hashing.
var UnorderedCollections = map[string]string{
	"gf_verdicts":         "gf_id",
	"requirements":        "requirement_id",
	"golden_flow_results": "gf_id",
	"run_deltas":          "run_id",
	"gf_changes":          "gf_id",
	"failures":            "code",
	"blocking_failures":   "check_id",
	"advisory_findings":   "check_id",
}

// IsNonDeterministic reports whether key is excluded from hash input.
func IsNonDeterministic(key string) bool {
	return NonDeterministicFields[key]
}
