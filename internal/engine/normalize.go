package engine

import (
	"qpilot/internal/domain"
)

// Wire shapes of the worker's JSON artifacts. The worker writes snake_case;
// normalization into domain types happens here, once, at the boundary.

type DraftGateChecks struct {
	AllAnswersHaveCitations bool     `json:"all_answers_have_citations"`
	PendingHumanApproval    bool     `json:"pending_human_approval"`
	UncitedQuestionIDs      []string `json:"uncited_question_ids"`
}

type DraftPayload struct {
	RunID       string `json:"run_id"`
	GeneratedAt string `json:"generated_at"`
	Answers     []struct {
		QuestionID string            `json:"question_id"`
		Question   string            `json:"question"`
		Answer     string            `json:"answer"`
		Citations  []domain.Citation `json:"citations"`
		Status     string            `json:"status"`
	} `json:"answers"`
	GateChecks DraftGateChecks `json:"gate_checks"`
}

type ApprovalPayload struct {
	RunID       string `json:"run_id"`
	Reviewer    string `json:"reviewer"`
	ReviewedAt  string `json:"reviewed_at"`
	AllApproved bool   `json:"all_approved"`
	Approvals   []struct {
		QuestionID string `json:"question_id"`
		Decision   string `json:"decision"`
		Notes      string `json:"notes"`
	} `json:"approvals"`
}

type SourceIndexPayload struct {
	RunID      string `json:"run_id"`
	ChunkCount int    `json:"chunk_count"`
}

type ExportManifest struct {
	ExportedAt  string `json:"exported_at"`
	AnswerCount int    `json:"answer_count"`
	Reviewer    string `json:"reviewer"`
	Gates       struct {
		AllCited      bool `json:"all_cited"`
		HumanApproved bool `json:"human_approved"`
	} `json:"gates"`
}

func normalizeDraftAnswers(payload DraftPayload) []domain.DraftAnswer {
	answers := make([]domain.DraftAnswer, 0, len(payload.Answers))
	for _, item := range payload.Answers {
		citations := item.Citations
		if citations == nil {
			citations = []domain.Citation{}
		}
		answers = append(answers, domain.DraftAnswer{
			QuestionID: item.QuestionID,
			Question:   item.Question,
			Answer:     item.Answer,
			Citations:  citations,
			Status:     item.Status,
		})
	}
	return answers
}

func normalizeApprovalDecisions(payload ApprovalPayload) []domain.ApprovalDecision {
	decisions := make([]domain.ApprovalDecision, 0, len(payload.Approvals))
	for _, item := range payload.Approvals {
		decisions = append(decisions, domain.ApprovalDecision{
			QuestionID: item.QuestionID,
			Decision:   item.Decision,
			Notes:      item.Notes,
		})
	}
	return decisions
}
