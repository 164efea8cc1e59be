package gates_test

import (
	"math"
	"strings"
	"testing"

	"qpilot/internal/domain"
	"qpilot/internal/gates"
)

func citedAnswer(id string) domain.DraftAnswer {
	return domain.DraftAnswer{
		QuestionID: id,
		Answer:     "yes",
		Citations:  []domain.Citation{{SourceFile: "policy.md", LineStart: 1, LineEnd: 3}},
	}
}

func uncitedAnswer(id string) domain.DraftAnswer {
	return domain.DraftAnswer{QuestionID: id, Answer: "yes", Citations: []domain.Citation{}}
}

func TestCitationGatePasses(t *testing.T) {
	res := gates.EvaluateCitationGate([]domain.DraftAnswer{citedAnswer("Q1"), citedAnswer("Q2")})
	if !res.OK {
		t.Fatalf("expected pass, got uncited %v", res.UncitedQuestionIDs)
	}
	if len(res.UncitedQuestionIDs) != 0 {
		t.Fatalf("expected no uncited ids, got %v", res.UncitedQuestionIDs)
	}
}

func TestCitationGateReportsUncitedInInputOrder(t *testing.T) {
	res := gates.EvaluateCitationGate([]domain.DraftAnswer{
		uncitedAnswer("Q3"), citedAnswer("Q1"), uncitedAnswer("Q2"),
	})
	if res.OK {
		t.Fatal("expected failure")
	}
	if got := strings.Join(res.UncitedQuestionIDs, ","); got != "Q3,Q2" {
		t.Fatalf("expected input order Q3,Q2, got %s", got)
	}
}

func TestCitationGateEmptyAnswersPass(t *testing.T) {
	res := gates.EvaluateCitationGate(nil)
	if !res.OK {
		t.Fatal("no answers means nothing uncited")
	}
}

func TestApprovalGateNormalizesDecisions(t *testing.T) {
	res := gates.EvaluateApprovalGate([]domain.ApprovalDecision{
		{QuestionID: "Q1", Decision: "approve"},
		{QuestionID: "Q2", Decision: "  Approved  "},
		{QuestionID: "Q3", Decision: "APPROVE"},
	})
	if !res.OK {
		t.Fatalf("expected pass, got unresolved %v", res.UnresolvedQuestionIDs)
	}
}

func TestApprovalGateRejectsAnythingElse(t *testing.T) {
	res := gates.EvaluateApprovalGate([]domain.ApprovalDecision{
		{QuestionID: "Q1", Decision: "approve"},
		{QuestionID: "Q2", Decision: "aprove"},
		{QuestionID: "Q3", Decision: ""},
		{QuestionID: "Q4", Decision: "reject"},
	})
	if res.OK {
		t.Fatal("expected failure")
	}
	if got := strings.Join(res.UnresolvedQuestionIDs, ","); got != "Q2,Q3,Q4" {
		t.Fatalf("unexpected unresolved ids: %s", got)
	}
}

func TestPricingGateApprovesAtFloors(t *testing.T) {
	res := gates.EvaluatePricingMarginGate(domain.PricingInput{
		OnboardingFee:                 2000,
		MonthlyFee:                    1800,
		IncludedQuestionnaires:        12,
		OverageFee:                    150,
		ExpectedQuestionnaires:        10,
		EstimatedCogsPerQuestionnaire: 40,
	})
	if !res.Approved {
		t.Fatalf("expected approval, issues: %v", res.Issues)
	}
	// revenue 1800, cogs 400, margin (1800-400)/1800
	want := math.Round((1400.0/1800.0)*10000) / 10000
	if res.Projection.GrossMargin != want {
		t.Fatalf("margin = %v, want %v", res.Projection.GrossMargin, want)
	}
}

func TestPricingGateCollectsEveryFloorViolation(t *testing.T) {
	res := gates.EvaluatePricingMarginGate(domain.PricingInput{
		OnboardingFee:                 1500,
		MonthlyFee:                    1000,
		IncludedQuestionnaires:        20,
		OverageFee:                    50,
		ExpectedQuestionnaires:        30,
		EstimatedCogsPerQuestionnaire: 60,
	})
	if res.Approved {
		t.Fatal("expected rejection")
	}
	if len(res.Issues) != 5 {
		t.Fatalf("expected all 5 issues, got %d: %v", len(res.Issues), res.Issues)
	}
	if res.Issues[0] != "Onboarding fee below floor ($2000)." {
		t.Fatalf("unexpected first issue: %s", res.Issues[0])
	}
}

func TestPricingGateOverageRevenue(t *testing.T) {
	res := gates.EvaluatePricingMarginGate(domain.PricingInput{
		OnboardingFee:                 2500,
		MonthlyFee:                    1800,
		IncludedQuestionnaires:        12,
		OverageFee:                    150,
		ExpectedQuestionnaires:        20,
		EstimatedCogsPerQuestionnaire: 40,
	})
	// revenue 1800 + 8*150 = 3000, cogs 800
	if res.Projection.MonthlyRevenue != 3000 {
		t.Fatalf("revenue = %v, want 3000", res.Projection.MonthlyRevenue)
	}
	if res.Projection.MonthlyCogs != 800 {
		t.Fatalf("cogs = %v, want 800", res.Projection.MonthlyCogs)
	}
	if !res.Approved {
		t.Fatalf("expected approval, issues: %v", res.Issues)
	}
}

func TestPricingGateZeroRevenueMeansZeroMargin(t *testing.T) {
	res := gates.EvaluatePricingMarginGate(domain.PricingInput{
		OnboardingFee: 2000,
		MonthlyFee:    0,
		OverageFee:    150,
	})
	if res.Projection.GrossMargin != 0 {
		t.Fatalf("margin = %v, want 0", res.Projection.GrossMargin)
	}
	if res.Approved {
		t.Fatal("zero revenue cannot clear the margin floor")
	}
}

func TestPricingGateFullMarginWhenNoCogs(t *testing.T) {
	res := gates.EvaluatePricingMarginGate(domain.PricingInput{
		OnboardingFee:          2000,
		MonthlyFee:             1800,
		IncludedQuestionnaires: 12,
		OverageFee:             150,
		ExpectedQuestionnaires: 0,
	})
	if res.Projection.GrossMargin != 1.0 {
		t.Fatalf("margin = %v, want 1.0", res.Projection.GrossMargin)
	}
}

func TestAssertExportReadyChecksCitationsFirst(t *testing.T) {
	err := gates.AssertExportReady(
		[]domain.DraftAnswer{uncitedAnswer("Q1")},
		[]domain.ApprovalDecision{{QuestionID: "Q1", Decision: "reject"}},
	)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "uncited answers") {
		t.Fatalf("citation gate should win: %v", err)
	}
}

func TestAssertExportReadyApprovalSecond(t *testing.T) {
	err := gates.AssertExportReady(
		[]domain.DraftAnswer{citedAnswer("Q1")},
		[]domain.ApprovalDecision{{QuestionID: "Q1", Decision: "reject"}},
	)
	if err == nil || !strings.Contains(err.Error(), "unresolved approvals") {
		t.Fatalf("expected approval failure, got %v", err)
	}
	if err := gates.AssertExportReady(
		[]domain.DraftAnswer{citedAnswer("Q1")},
		[]domain.ApprovalDecision{{QuestionID: "Q1", Decision: "approved"}},
	); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
}
