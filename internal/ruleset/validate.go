package ruleset

import (
	"fmt"
	"strings"

	"github.com/dshills/adjudicator/internal/pointer"
	"github.com/dshills/adjudicator/internal/schema"
)

// Validate returns every structural problem in the ruleset joined into one
// error, or nil. It does not judge the meaning of requirements.
func (rs *Ruleset) Validate() error {
	var errs []string
	if rs.Version == "" {
		errs = append(errs, "version is required")
	}
	if len(rs.GoldenFlows) == 0 {
		errs = append(errs, "at least one golden flow is required")
	}
	gfSeen := map[string]bool{}
	for i, gf := range rs.GoldenFlows {
		where := fmt.Sprintf("golden_flows[%d]", i)
		if gf.ID == "" {
			errs = append(errs, where+": id is required")
		} else if gfSeen[gf.ID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate id %q", where, gf.ID))
		}
		gfSeen[gf.ID] = true
		if len(gf.Requirements) == 0 {
			errs = append(errs, fmt.Sprintf("%s (%s): no requirements", where, gf.ID))
		}
		reqSeen := map[string]bool{}
		for j, req := range gf.Requirements {
			rwhere := fmt.Sprintf("%s.requirements[%d]", where, j)
			if req.ID == "" {
				errs = append(errs, rwhere+": id is required")
			} else if reqSeen[req.ID] {
				errs = append(errs, fmt.Sprintf("%s: duplicate id %q", rwhere, req.ID))
			}
			reqSeen[req.ID] = true
			for _, msg := range validateRequirement(req) {
				errs = append(errs, fmt.Sprintf("%s (%s): %s", rwhere, req.ID, msg))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid ruleset: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRequirement(req Requirement) []string {
	var errs []string
	if _, err := pointer.Parse(req.Pointer); err != nil {
		errs = append(errs, fmt.Sprintf("pointer: %v", err))
	}
	switch req.Type {
	case schema.RequirementPresence:
	case schema.RequirementRange:
		if req.Min == nil && req.Max == nil {
			errs = append(errs, "range requires min or max")
		}
		if req.Min != nil && req.Max != nil && *req.Min > *req.Max {
			errs = append(errs, "min exceeds max")
		}
	case schema.RequirementEquals:
		if req.Expect == nil {
			errs = append(errs, "equals requires expect")
		}
	case schema.RequirementCrossArtifact:
		if _, err := pointer.Parse(req.CompareTo); err != nil {
			errs = append(errs, fmt.Sprintf("compare_to: %v", err))
		}
	case "":
		errs = append(errs, "type is required")
	default:
		errs = append(errs, fmt.Sprintf("type %q is not valid", req.Type))
	}
	return errs
}
