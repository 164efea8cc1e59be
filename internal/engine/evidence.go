package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"qpilot/internal/domain"
	"qpilot/internal/repo"
	"qpilot/internal/runid"
	"qpilot/internal/schema"
)

// EvidenceDocument is the portable audit record for one run: the expected
// schema fingerprint, the run row (nil when the store never saw the run) and
// the full event ledger. It round-trips through JSON in both snake_case and
// camelCase: historical tooling emitted camelCase keys and those documents
// must stay loadable.
type EvidenceDocument struct {
	RunID          string             `json:"run_id"`
	ExpectedSchema domain.Fingerprint `json:"expected_schema"`
	Run            *domain.Run        `json:"workflow_runs"`
	Events         []domain.Event     `json:"workflow_events"`
}

func (d EvidenceDocument) MarshalJSON() ([]byte, error) {
	events := d.Events
	if events == nil {
		events = []domain.Event{}
	}
	return json.Marshal(map[string]any{
		"run_id":          d.RunID,
		"runId":           d.RunID,
		"expected_schema": d.ExpectedSchema,
		"expectedSchema":  d.ExpectedSchema,
		"workflow_runs":   d.Run,
		"workflowRun":     d.Run,
		"workflow_events": events,
		"workflowEvents":  events,
	})
}

func (d *EvidenceDocument) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	pick := func(keys ...string) json.RawMessage {
		for _, key := range keys {
			if v, ok := raw[key]; ok && string(v) != "null" {
				return v
			}
		}
		return nil
	}
	if v := pick("run_id", "runId"); v != nil {
		if err := json.Unmarshal(v, &d.RunID); err != nil {
			return fmt.Errorf("parse run id: %w", err)
		}
	}
	if v := pick("expected_schema", "expectedSchema"); v != nil {
		if err := json.Unmarshal(v, &d.ExpectedSchema); err != nil {
			return fmt.Errorf("parse expected schema: %w", err)
		}
	}
	if v := pick("workflow_runs", "workflowRuns", "workflow_run", "workflowRun"); v != nil {
		d.Run = &domain.Run{}
		if err := json.Unmarshal(v, d.Run); err != nil {
			return fmt.Errorf("parse workflow run: %w", err)
		}
	}
	if v := pick("workflow_events", "workflowEvents"); v != nil {
		if err := json.Unmarshal(v, &d.Events); err != nil {
			return fmt.Errorf("parse workflow events: %w", err)
		}
	}
	return nil
}

// Evidence assembles the audit document for a run straight from the store.
// A run the store has never seen still yields a document (nil run, empty
// ledger): absence is itself evidence.
func (e Engine) Evidence(ctx context.Context, rawRunID string) (EvidenceDocument, error) {
	runID, err := runid.Sanitize(rawRunID)
	if err != nil {
		return EvidenceDocument{}, invalidf("%v", err)
	}
	doc := EvidenceDocument{RunID: runID, ExpectedSchema: schema.Expected()}

	run, err := e.Repo.GetRun(ctx, runID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return EvidenceDocument{}, fmt.Errorf("%w: read run %s: %v", ErrBackendUnavailable, runID, err)
	default:
		doc.Run = &run
	}

	evs, err := e.Repo.ListEvents(ctx, runID)
	if err != nil {
		return EvidenceDocument{}, fmt.Errorf("%w: read events for %s: %v", ErrBackendUnavailable, runID, err)
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	doc.Events = evs
	return doc, nil
}

type EvidenceReport struct {
	RunID      string   `json:"run_id"`
	Status     string   `json:"status"`
	EventCount int      `json:"event_count"`
	Warnings   []string `json:"warnings"`
}

// ValidateEvidence checks an evidence document against the expected schema
// fingerprint and the run lifecycle. A schema sha mismatch always fails; a
// missing sha is a warning unless requireSchemaMatch demands it. Each step
// the run's status implies must have a recorded success event.
func ValidateEvidence(doc EvidenceDocument, expected domain.Fingerprint, requireSchemaMatch bool) (EvidenceReport, error) {
	report := EvidenceReport{RunID: doc.RunID, EventCount: len(doc.Events), Warnings: []string{}}

	if doc.Run == nil {
		return report, fmt.Errorf("run %s not present in evidence", doc.RunID)
	}
	report.Status = doc.Run.Status
	if doc.Run.Status == domain.StatusFailed {
		return report, fmt.Errorf("run %s is failed", doc.RunID)
	}

	sha := metadataString(doc.Run.Metadata, "schema_bundle_sha256", "schemaBundleSha256", "bundleSha256")
	switch {
	case sha == "" && requireSchemaMatch:
		return report, fmt.Errorf("run %s metadata has no schema bundle sha and a schema match is required", doc.RunID)
	case sha == "":
		report.Warnings = append(report.Warnings, "run metadata has no schema bundle sha")
	case sha != expected.BundleSHA256:
		return report, fmt.Errorf("run %s was written under schema sha %s, expected %s", doc.RunID, sha, expected.BundleSHA256)
	}

	succeeded := map[string]bool{}
	for _, ev := range doc.Events {
		if ev.Status == domain.EventSuccess {
			succeeded[ev.Step] = true
		}
	}
	for _, step := range requiredSteps(doc.Run.Status) {
		if !succeeded[step] {
			return report, fmt.Errorf("run %s has status %s but no success event for step %s", doc.RunID, doc.Run.Status, step)
		}
	}
	return report, nil
}

// requiredSteps lists the steps a run must have succeeded at to carry the
// given status.
func requiredSteps(status string) []string {
	switch status {
	case domain.StatusIngested:
		return []string{domain.StepIngest}
	case domain.StatusDrafted:
		return []string{domain.StepIngest, domain.StepDraft}
	case domain.StatusApproved:
		return []string{domain.StepIngest, domain.StepDraft, domain.StepApprove}
	case domain.StatusExported:
		return []string{domain.StepIngest, domain.StepDraft, domain.StepApprove, domain.StepExport}
	}
	return nil
}

// metadataString returns the first present non-empty string under any of the
// given keys.
func metadataString(metadata map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := metadata[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
