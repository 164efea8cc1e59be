package engine_test

import (
	"encoding/json"
	"strings"
	"testing"

	"qpilot/internal/domain"
	"qpilot/internal/engine"
	"qpilot/internal/schema"
)

func evidenceRun(status string, bundleSHA string) *domain.Run {
	metadata := map[string]any{}
	if bundleSHA != "" {
		metadata["schema_bundle_sha256"] = bundleSHA
	}
	return &domain.Run{RunID: "pilot-001", Status: status, Metadata: metadata}
}

func successEvents(steps ...string) []domain.Event {
	evs := make([]domain.Event, 0, len(steps))
	for i, step := range steps {
		evs = append(evs, domain.Event{ID: int64(i + 1), RunID: "pilot-001", Step: step, Status: domain.EventSuccess})
	}
	return evs
}

func TestEvidenceForRunStoreNeverSaw(t *testing.T) {
	env := newTestEnv(t)
	doc, err := env.Engine.Evidence(env.Ctx, "ghost-run")
	if err != nil {
		t.Fatalf("evidence: %v", err)
	}
	if doc.Run != nil {
		t.Fatal("run should be nil for an unseen run id")
	}
	if doc.Events == nil || len(doc.Events) != 0 {
		t.Fatalf("events = %v", doc.Events)
	}
	if doc.ExpectedSchema != schema.Expected() {
		t.Fatal("expected schema fingerprint missing")
	}
}

func TestEvidenceAfterFullRun(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t)
	env.draft(t)
	env.approve(t)

	doc, err := env.Engine.Evidence(env.Ctx, "pilot-001")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Run == nil || doc.Run.Status != domain.StatusApproved {
		t.Fatalf("run = %+v", doc.Run)
	}
	if len(doc.Events) != 3 {
		t.Fatalf("events = %d", len(doc.Events))
	}

	report, err := engine.ValidateEvidence(doc, schema.Expected(), true)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.EventCount != 3 || report.Status != domain.StatusApproved {
		t.Fatalf("report = %+v", report)
	}
}

func TestEvidenceDocumentMarshalsBothCasings(t *testing.T) {
	doc := engine.EvidenceDocument{
		RunID:          "pilot-001",
		ExpectedSchema: schema.Expected(),
		Run:            evidenceRun(domain.StatusIngested, "abc"),
		Events:         successEvents(domain.StepIngest),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, key := range []string{`"run_id"`, `"runId"`, `"workflow_runs"`, `"workflowRun"`, `"workflow_events"`, `"workflowEvents"`} {
		if !strings.Contains(s, key) {
			t.Fatalf("marshal output missing %s: %s", key, s)
		}
	}
}

func TestEvidenceDocumentAcceptsCamelCase(t *testing.T) {
	raw := `{
	  "runId": "pilot-001",
	  "expectedSchema": {"bundleId": "b", "bundleSha256": "s", "migrationSha256": "m", "seedSha256": "d"},
	  "workflowRun": {"run_id": "pilot-001", "status": "ingested"},
	  "workflowEvents": [{"id": 1, "run_id": "pilot-001", "step": "ingest", "status": "success"}]
	}`
	var doc engine.EvidenceDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.RunID != "pilot-001" {
		t.Fatalf("run id = %s", doc.RunID)
	}
	if doc.ExpectedSchema.BundleID != "b" {
		t.Fatalf("expected schema = %+v", doc.ExpectedSchema)
	}
	if doc.Run == nil || doc.Run.Status != domain.StatusIngested {
		t.Fatalf("run = %+v", doc.Run)
	}
	if len(doc.Events) != 1 || doc.Events[0].Step != domain.StepIngest {
		t.Fatalf("events = %+v", doc.Events)
	}
}

func TestEvidenceDocumentAcceptsSnakeCase(t *testing.T) {
	raw := `{
	  "run_id": "pilot-001",
	  "expected_schema": {"bundleId": "b", "bundleSha256": "s", "migrationSha256": "m", "seedSha256": "d"},
	  "workflow_runs": {"run_id": "pilot-001", "status": "drafted"},
	  "workflow_events": [
	    {"id": 1, "run_id": "pilot-001", "step": "ingest", "status": "success"},
	    {"id": 2, "run_id": "pilot-001", "step": "draft", "status": "success"}
	  ]
	}`
	var doc engine.EvidenceDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Run == nil || doc.Run.Status != domain.StatusDrafted {
		t.Fatalf("run = %+v", doc.Run)
	}
	if len(doc.Events) != 2 {
		t.Fatalf("events = %+v", doc.Events)
	}
}

func TestEvidenceDocumentRoundTrip(t *testing.T) {
	expected := schema.Expected()
	doc := engine.EvidenceDocument{
		RunID:          "pilot-001",
		ExpectedSchema: expected,
		Run:            evidenceRun(domain.StatusApproved, expected.BundleSHA256),
		Events:         successEvents(domain.StepIngest, domain.StepDraft, domain.StepApprove),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	var decoded engine.EvidenceDocument
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Run == nil || decoded.Run.Status != domain.StatusApproved {
		t.Fatalf("run lost in round trip: %+v", decoded.Run)
	}
	if _, err := engine.ValidateEvidence(decoded, expected, true); err != nil {
		t.Fatalf("round-tripped document should validate: %v", err)
	}
}

func TestValidateEvidenceMissingRun(t *testing.T) {
	doc := engine.EvidenceDocument{RunID: "pilot-001"}
	if _, err := engine.ValidateEvidence(doc, schema.Expected(), false); err == nil {
		t.Fatal("missing run must fail validation")
	}
}

func TestValidateEvidenceFailedRun(t *testing.T) {
	expected := schema.Expected()
	doc := engine.EvidenceDocument{
		RunID:  "pilot-001",
		Run:    evidenceRun(domain.StatusFailed, expected.BundleSHA256),
		Events: successEvents(domain.StepIngest),
	}
	if _, err := engine.ValidateEvidence(doc, expected, false); err == nil {
		t.Fatal("failed run must fail validation")
	}
}

func TestValidateEvidenceSchemaShaMismatchAlwaysFatal(t *testing.T) {
	doc := engine.EvidenceDocument{
		RunID:  "pilot-001",
		Run:    evidenceRun(domain.StatusIngested, "not-the-sha"),
		Events: successEvents(domain.StepIngest),
	}
	if _, err := engine.ValidateEvidence(doc, schema.Expected(), false); err == nil {
		t.Fatal("sha mismatch must fail even when match is not required")
	}
}

func TestValidateEvidenceMissingShaIsWarningUnlessRequired(t *testing.T) {
	expected := schema.Expected()
	doc := engine.EvidenceDocument{
		RunID:  "pilot-001",
		Run:    evidenceRun(domain.StatusIngested, ""),
		Events: successEvents(domain.StepIngest),
	}
	report, err := engine.ValidateEvidence(doc, expected, false)
	if err != nil {
		t.Fatalf("missing sha should only warn: %v", err)
	}
	if len(report.Warnings) == 0 {
		t.Fatal("expected a warning")
	}
	if _, err := engine.ValidateEvidence(doc, expected, true); err == nil {
		t.Fatal("missing sha must fail when a match is required")
	}
}

func TestValidateEvidenceCamelCaseShaAlias(t *testing.T) {
	expected := schema.Expected()
	doc := engine.EvidenceDocument{
		RunID: "pilot-001",
		Run: &domain.Run{
			RunID:    "pilot-001",
			Status:   domain.StatusIngested,
			Metadata: map[string]any{"schemaBundleSha256": expected.BundleSHA256},
		},
		Events: successEvents(domain.StepIngest),
	}
	if _, err := engine.ValidateEvidence(doc, expected, true); err != nil {
		t.Fatalf("camelCase sha alias should satisfy the check: %v", err)
	}
}

func TestValidateEvidenceRequiresSuccessEventsPerStatus(t *testing.T) {
	expected := schema.Expected()
	doc := engine.EvidenceDocument{
		RunID:  "pilot-001",
		Run:    evidenceRun(domain.StatusApproved, expected.BundleSHA256),
		Events: successEvents(domain.StepIngest, domain.StepDraft),
	}
	_, err := engine.ValidateEvidence(doc, expected, false)
	if err == nil || !strings.Contains(err.Error(), domain.StepApprove) {
		t.Fatalf("expected missing approve event failure, got %v", err)
	}

	doc.Events = successEvents(domain.StepIngest, domain.StepDraft, domain.StepApprove)
	if _, err := engine.ValidateEvidence(doc, expected, false); err != nil {
		t.Fatalf("complete ledger should pass: %v", err)
	}
}
