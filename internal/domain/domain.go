package domain

// Run status values. Transitions only move forward along
// ingested -> drafted -> approved -> exported; any status may drop to failed,
// and the only way out of failed is a fresh ingest for the same run id.
const (
	StatusIngested = "ingested"
	StatusDrafted  = "drafted"
	StatusApproved = "approved"
	StatusExported = "exported"
	StatusFailed   = "failed"
)

// Workflow step names as recorded in the event ledger.
const (
	StepIngest            = "ingest"
	StepDraft             = "draft"
	StepApprove           = "approve"
	StepExport            = "export"
	StepValidatePilotDeal = "validate-pilot-deal"
)

// Event statuses.
const (
	EventSuccess = "success"
	EventFailed  = "failed"
)

type Run struct {
	RunID              string         `json:"run_id"`
	Status             string         `json:"status" enum:"ingested,drafted,approved,exported,failed"`
	CitationGatePassed *bool          `json:"citation_gate_passed,omitempty"`
	ApprovalGatePassed *bool          `json:"approval_gate_passed,omitempty"`
	Reviewer           *string        `json:"reviewer,omitempty"`
	ExportBundlePath   *string        `json:"export_bundle_path,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
	UpdatedAt          string         `json:"updated_at" format:"date-time"`
}

// Event is one append-only audit record of a step outcome. Events are never
// mutated or deleted; the ledger is the authoritative trail for a run even
// when the run's current status is later overwritten.
type Event struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Step      string         `json:"step" enum:"ingest,draft,approve,export,validate-pilot-deal"`
	Status    string         `json:"status" enum:"success,failed"`
	Payload   map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type Citation struct {
	SourceFile string `json:"source_file"`
	LineStart  int    `json:"line_start"`
	LineEnd    int    `json:"line_end"`
	Quote      string `json:"quote,omitempty"`
}

type DraftAnswer struct {
	QuestionID string     `json:"question_id"`
	Question   string     `json:"question,omitempty"`
	Answer     string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Status     string     `json:"status,omitempty"`
}

type ApprovalDecision struct {
	QuestionID string `json:"question_id"`
	Decision   string `json:"decision"`
	Notes      string `json:"notes,omitempty"`
}

type PricingInput struct {
	OnboardingFee                 float64 `json:"onboarding_fee"`
	MonthlyFee                    float64 `json:"monthly_fee"`
	IncludedQuestionnaires        float64 `json:"included_questionnaires"`
	OverageFee                    float64 `json:"overage_fee"`
	ExpectedQuestionnaires        float64 `json:"expected_questionnaires"`
	EstimatedCogsPerQuestionnaire float64 `json:"estimated_cogs_per_questionnaire"`
}

// PricingProjection is derived on every gate evaluation, never cached,
// because pricing floors may change between evaluations.
type PricingProjection struct {
	MonthlyRevenue float64 `json:"monthly_revenue"`
	MonthlyCogs    float64 `json:"monthly_cogs"`
	GrossMargin    float64 `json:"gross_margin"`
}

// Fingerprint identifies the persisted-schema version the code expects.
// Loaded once at process start, read-only thereafter.
type Fingerprint struct {
	BundleID        string `json:"bundleId"`
	BundleSHA256    string `json:"bundleSha256"`
	MigrationSHA256 string `json:"migrationSha256"`
	SeedSHA256      string `json:"seedSha256"`
}
