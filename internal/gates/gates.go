// Package gates holds the pure pass/fail evaluators that stand between
// workflow steps and persisted run state. Evaluators never touch storage.
package gates

import (
	"fmt"
	"math"
	"strings"

	"qpilot/internal/domain"
)

// Floor constants for the pilot-deal pricing gate.
const (
	FloorOnboardingFee          = 2000.0
	FloorMonthlyFee             = 1800.0
	FloorIncludedQuestionnaires = 12.0
	FloorOverageFee             = 150.0
	FloorGrossMargin            = 0.70
)

type CitationResult struct {
	OK                 bool     `json:"ok"`
	UncitedQuestionIDs []string `json:"uncited_question_ids"`
}

// EvaluateCitationGate passes iff every answer carries at least one citation.
// UncitedQuestionIDs follows the input order.
func EvaluateCitationGate(answers []domain.DraftAnswer) CitationResult {
	var uncited []string
	for _, a := range answers {
		if len(a.Citations) == 0 {
			uncited = append(uncited, a.QuestionID)
		}
	}
	return CitationResult{OK: len(uncited) == 0, UncitedQuestionIDs: uncited}
}

type ApprovalResult struct {
	OK                    bool     `json:"ok"`
	UnresolvedQuestionIDs []string `json:"unresolved_question_ids"`
}

// EvaluateApprovalGate passes iff every decision normalizes (trim, lowercase)
// to "approve" or "approved". Anything else, including empty or typo'd text,
// is unresolved.
func EvaluateApprovalGate(decisions []domain.ApprovalDecision) ApprovalResult {
	var unresolved []string
	for _, d := range decisions {
		normalized := strings.ToLower(strings.TrimSpace(d.Decision))
		if normalized != "approve" && normalized != "approved" {
			unresolved = append(unresolved, d.QuestionID)
		}
	}
	return ApprovalResult{OK: len(unresolved) == 0, UnresolvedQuestionIDs: unresolved}
}

type PricingResult struct {
	Approved   bool                     `json:"approved"`
	Issues     []string                 `json:"issues"`
	Projection domain.PricingProjection `json:"projection"`
}

// EvaluatePricingMarginGate checks the deal against the fixed pricing floors
// and projects revenue, COGS and gross margin. Margin is defined as 0 when
// revenue is 0; that is a deliberate edge policy, not an error. The reported
// margin is rounded to 4 decimal places.
func EvaluatePricingMarginGate(input domain.PricingInput) PricingResult {
	var issues []string

	if input.OnboardingFee < FloorOnboardingFee {
		issues = append(issues, fmt.Sprintf("Onboarding fee below floor ($%.0f).", FloorOnboardingFee))
	}
	if input.MonthlyFee < FloorMonthlyFee {
		issues = append(issues, fmt.Sprintf("Monthly fee below floor ($%.0f).", FloorMonthlyFee))
	}
	if input.IncludedQuestionnaires > FloorIncludedQuestionnaires {
		issues = append(issues, fmt.Sprintf("Included questionnaires exceed package floor limit (%.0f).", FloorIncludedQuestionnaires))
	}
	if input.OverageFee < FloorOverageFee {
		issues = append(issues, fmt.Sprintf("Overage fee below floor ($%.0f).", FloorOverageFee))
	}

	monthlyRevenue := input.MonthlyFee + math.Max(0, input.ExpectedQuestionnaires-input.IncludedQuestionnaires)*input.OverageFee
	monthlyCogs := input.ExpectedQuestionnaires * input.EstimatedCogsPerQuestionnaire
	grossMargin := 0.0
	if monthlyRevenue != 0 {
		grossMargin = (monthlyRevenue - monthlyCogs) / monthlyRevenue
	}

	if grossMargin < FloorGrossMargin {
		issues = append(issues, fmt.Sprintf("Projected gross margin below floor (%.0f%%).", FloorGrossMargin*100))
	}

	return PricingResult{
		Approved: len(issues) == 0,
		Issues:   issues,
		Projection: domain.PricingProjection{
			MonthlyRevenue: monthlyRevenue,
			MonthlyCogs:    monthlyCogs,
			GrossMargin:    round4(grossMargin),
		},
	}
}

// AssertExportReady composes the citation gate over drafted answers and the
// approval gate over decisions. The citation gate is checked first; the first
// violated gate wins and produces the single returned error.
func AssertExportReady(answers []domain.DraftAnswer, decisions []domain.ApprovalDecision) error {
	citation := EvaluateCitationGate(answers)
	if !citation.OK {
		return fmt.Errorf("export blocked: uncited answers for question IDs %s", strings.Join(citation.UncitedQuestionIDs, ", "))
	}
	approval := EvaluateApprovalGate(decisions)
	if !approval.OK {
		return fmt.Errorf("export blocked: unresolved approvals for question IDs %s", strings.Join(approval.UnresolvedQuestionIDs, ", "))
	}
	return nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
