// Package validation checks inbound payloads against the invariants
// named in §3 and §8 of the spec: rule tables must be non-overlapping
// and cover a sane range, sample percentages must be in [1,100], and
// verdict payloads must carry a well-formed response id and a known
// verdict.
package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	qcerrors "github.com/surveyqc/qcpipeline/internal/errors"
	"github.com/surveyqc/qcpipeline/pkg/domain"
)

var structValidator = validator.New()

// VerdictRequest is the payload of POST /review/{responseID}/verify.
// The handler acts on the response id taken from the path.
type VerdictRequest struct {
	ResponseID string         `json:"responseId" validate:"required,uuid"`
	Verdict    domain.Verdict `json:"verdict" validate:"required,oneof=approve reject"`
	Feedback   string         `json:"feedback" validate:"max=4000"`
}

// ValidateVerdictRequest runs struct-tag validation over r.
func ValidateVerdictRequest(r VerdictRequest) error {
	if err := structValidator.Struct(r); err != nil {
		return qcerrors.NewValidationError(err.Error())
	}
	return nil
}

// ConfigRequest is the payload of POST /qc-config.
type ConfigRequest struct {
	SurveyID         string                `json:"surveyId" validate:"omitempty,uuid"`
	SamplePercentage float64               `json:"samplePercentage" validate:"required,min=1,max=100"`
	ApprovalRules    []domain.ApprovalRule `json:"approvalRules"`
	Notes            string                `json:"notes" validate:"max=4000"`
}

// ValidateConfigRequest checks struct tags, then the domain-specific
// invariants from §3/§8 that validator tags cannot express: rules
// required unless sample=100%, ranges within [0,100] and min<=max, and
// no overlapping rule ranges (first-match-wins only works when ranges
// are disjoint).
func ValidateConfigRequest(r ConfigRequest) error {
	if err := structValidator.Struct(r); err != nil {
		return qcerrors.NewValidationError(err.Error())
	}
	if err := ValidateApprovalRules(r.SamplePercentage, r.ApprovalRules); err != nil {
		return err
	}
	return nil
}

// ValidateApprovalRules enforces §3's QC Config invariants:
//   - samplePercentage = 100 may have an empty rule list (no remainder
//     to rule on);
//   - otherwise at least one rule is required;
//   - every rule has 0 <= minRate <= maxRate <= 100;
//   - no two rules' ranges overlap (§4.E "overlapping rules must be
//     prevented at config validation time").
func ValidateApprovalRules(samplePercentage float64, rules []domain.ApprovalRule) error {
	if samplePercentage < 100 && len(rules) == 0 {
		return qcerrors.NewValidationError("at least one approval rule is required when samplePercentage < 100")
	}
	for i, rule := range rules {
		if rule.MinRate < 0 || rule.MaxRate > 100 || rule.MinRate > rule.MaxRate {
			return qcerrors.NewValidationError(
				fmt.Sprintf("rule %d has an invalid range [%v,%v]", i, rule.MinRate, rule.MaxRate))
		}
		switch rule.Action {
		case domain.ActionAutoApprove, domain.ActionSendToQC, domain.ActionRejectAll:
		default:
			return qcerrors.NewValidationError(fmt.Sprintf("rule %d has an unknown action %q", i, rule.Action))
		}
	}
	if overlaps := findOverlaps(rules); len(overlaps) > 0 {
		return qcerrors.NewValidationError("approval rules overlap").WithDetails(strings.Join(overlaps, "; "))
	}
	return nil
}

// findOverlaps returns a human-readable description of every pair of
// rules whose [minRate,maxRate] ranges intersect.
func findOverlaps(rules []domain.ApprovalRule) []string {
	type indexed struct {
		idx  int
		rule domain.ApprovalRule
	}
	sorted := make([]indexed, len(rules))
	for i, r := range rules {
		sorted[i] = indexed{i, r}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].rule.MinRate < sorted[j].rule.MinRate })

	var problems []string
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			prev, cur := sorted[i], sorted[j]
			if cur.rule.MinRate <= prev.rule.MaxRate {
				problems = append(problems, fmt.Sprintf("rule %d [%v,%v] overlaps rule %d [%v,%v]",
					prev.idx, prev.rule.MinRate, prev.rule.MaxRate, cur.idx, cur.rule.MinRate, cur.rule.MaxRate))
			}
		}
	}
	return problems
}
