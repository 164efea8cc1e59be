package server

import (
	"qpilot/internal/domain"
)

type SourceInputRequest struct {
	FileName string `json:"file_name" example:"source-security-policy.md"`
	Content  string `json:"content"`
}

type IngestRequest struct {
	RunID            string               `json:"run_id" example:"pilot-001"`
	QuestionnaireCSV string               `json:"questionnaire_csv,omitempty"`
	Sources          []SourceInputRequest `json:"sources,omitempty"`
}

type DraftRequest struct {
	RunID string `json:"run_id" example:"pilot-001"`
}

type ApprovalDecisionRequest struct {
	QuestionID string `json:"question_id" example:"Q1"`
	Decision   string `json:"decision" example:"approve"`
	Notes      string `json:"notes,omitempty"`
}

type ApproveRequest struct {
	RunID     string                    `json:"run_id" example:"pilot-001"`
	Reviewer  string                    `json:"reviewer" example:"alice"`
	Decisions []ApprovalDecisionRequest `json:"decisions"`
}

type ExportRequest struct {
	RunID      string `json:"run_id" example:"pilot-001"`
	OutputPath string `json:"output_path,omitempty"`
}

type ValidatePilotDealRequest struct {
	RunID                         string  `json:"run_id,omitempty"`
	OnboardingFee                 float64 `json:"onboarding_fee" example:"2500"`
	MonthlyFee                    float64 `json:"monthly_fee" example:"2000"`
	IncludedQuestionnaires        float64 `json:"included_questionnaires" example:"10"`
	OverageFee                    float64 `json:"overage_fee" example:"175"`
	ExpectedQuestionnaires        float64 `json:"expected_questionnaires" example:"8"`
	EstimatedCogsPerQuestionnaire float64 `json:"estimated_cogs_per_questionnaire" example:"40"`
}

type DBEvidenceRequest struct {
	RunID              string `json:"run_id" example:"pilot-001"`
	Validate           bool   `json:"validate,omitempty"`
	RequireSchemaMatch bool   `json:"require_schema_match,omitempty"`
}

func pricingInput(req ValidatePilotDealRequest) domain.PricingInput {
	return domain.PricingInput{
		OnboardingFee:                 req.OnboardingFee,
		MonthlyFee:                    req.MonthlyFee,
		IncludedQuestionnaires:        req.IncludedQuestionnaires,
		OverageFee:                    req.OverageFee,
		ExpectedQuestionnaires:        req.ExpectedQuestionnaires,
		EstimatedCogsPerQuestionnaire: req.EstimatedCogsPerQuestionnaire,
	}
}

func approvalDecisions(items []ApprovalDecisionRequest) []domain.ApprovalDecision {
	decisions := make([]domain.ApprovalDecision, 0, len(items))
	for _, item := range items {
		decisions = append(decisions, domain.ApprovalDecision{
			QuestionID: item.QuestionID,
			Decision:   item.Decision,
			Notes:      item.Notes,
		})
	}
	return decisions
}
