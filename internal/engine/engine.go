// Package engine advances workflow runs through ordered steps, enforces the
// quality gates before allowing progression, and records the audit trail.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"qpilot/internal/config"
	"qpilot/internal/domain"
	"qpilot/internal/events"
	"qpilot/internal/gates"
	"qpilot/internal/repo"
	"qpilot/internal/runid"
	"qpilot/internal/schema"
	"qpilot/internal/worker"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Worker worker.Runner
	Config *config.Config
	Log    *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, workspace string) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Worker: worker.Runner{
			Command: cfg.Worker.Command,
			Env:     cfg.Worker.Env,
			Dir:     workspace,
			RunsDir: cfg.Paths.RunsDir,
		},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// ensureRunTransition validates a forward move of the run state machine.
// A fresh ingest restarts the sequence from any status (including failed);
// re-running the step a run is already at is allowed; everything else only
// moves forward one edge at a time. Dropping to failed is always allowed.
func ensureRunTransition(current, target string) error {
	if target == domain.StatusFailed || target == domain.StatusIngested || current == target {
		return nil
	}
	switch current {
	case domain.StatusIngested:
		if target == domain.StatusDrafted {
			return nil
		}
	case domain.StatusDrafted:
		if target == domain.StatusApproved {
			return nil
		}
	case domain.StatusApproved:
		if target == domain.StatusExported {
			return nil
		}
	}
	if current == "" {
		current = "unknown"
	}
	return invalidf("invalid run status transition %s -> %s", current, target)
}

// currentStatus reads the run's persisted status; a run the store has never
// seen reports "". Store faults here are fatal: the step preconditions
// depend on this read.
func (e Engine) currentStatus(ctx context.Context, runID string) (string, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: read run %s: %v", ErrBackendUnavailable, runID, err)
	}
	return run.Status, nil
}

// checkSchema guards writes against a store migrated by a different bundle.
// A mismatch is fatal; a missing fingerprint (store stamped by a build that
// predates self-reporting) is logged and tolerated.
func (e Engine) checkSchema(ctx context.Context) error {
	res, err := schema.Check(ctx, e.DB)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	switch res.Verdict {
	case schema.Mismatch:
		return &SchemaError{Result: res}
	case schema.Missing:
		e.log().Warn("store has no schema fingerprint; proceeding", "expected_bundle", res.Expected.BundleID)
	}
	return nil
}

// recordStep upserts the run and appends the matching event. Both writes are
// independent and best-effort: a failed append does not roll back the upsert,
// and failures are logged, never raised. This is an accepted
// eventual-consistency gap, not a transaction.
func (e Engine) recordStep(ctx context.Context, patch repo.RunPatch, step, eventStatus string, payload events.Payload) {
	if err := e.Repo.UpsertRun(ctx, patch, schema.Expected()); err != nil {
		e.log().Error("failed to upsert workflow run", "run_id", patch.RunID, "step", step, "error", err)
	}
	if err := e.Events.Append(ctx, patch.RunID, step, eventStatus, payload); err != nil {
		e.log().Error("failed to append workflow event", "run_id", patch.RunID, "step", step, "error", err)
	}
}

func (e Engine) recordFailure(ctx context.Context, runID, step, message string) {
	e.recordStep(ctx, repo.RunPatch{
		RunID:    runID,
		Status:   domain.StatusFailed,
		Metadata: map[string]any{"failed_step": step, "message": message},
	}, step, domain.EventFailed, events.Payload{"message": message})
}

type SourceInput struct {
	FileName string
	Content  string
}

type IngestOptions struct {
	RunID            string
	QuestionnaireCSV string
	Sources          []SourceInput
}

type IngestResult struct {
	RunID      string `json:"run_id"`
	ChunkCount int    `json:"chunk_count"`
	Message    string `json:"message"`
}

// Ingest stages input files, invokes the worker's ingest step and records
// the source index outcome. A fresh ingest restarts a failed run.
func (e Engine) Ingest(ctx context.Context, opts IngestOptions) (IngestResult, error) {
	runID, err := runid.Sanitize(opts.RunID)
	if err != nil {
		return IngestResult{}, invalidf("%v", err)
	}
	current, err := e.currentStatus(ctx, runID)
	if err != nil {
		return IngestResult{}, err
	}
	if err := ensureRunTransition(current, domain.StatusIngested); err != nil {
		return IngestResult{}, err
	}
	if err := e.checkSchema(ctx); err != nil {
		return IngestResult{}, err
	}

	var invoke worker.Result
	err = worker.WithTempDir(runID, func(tempDir string) error {
		questionnairePath := e.templateFile("questionnaire.template.csv")
		sourcePaths := []string{
			e.templateFile("source-security-policy.md"),
			e.templateFile("source-incident-response.md"),
		}
		if opts.QuestionnaireCSV != "" {
			questionnairePath, err = worker.WriteTempFile(tempDir, "questionnaire.csv", opts.QuestionnaireCSV)
			if err != nil {
				return err
			}
		}
		if len(opts.Sources) > 0 {
			sourcePaths = sourcePaths[:0]
			for _, source := range opts.Sources {
				name := filepath.Base(source.FileName)
				if name == "" || name == "." || name == string(filepath.Separator) {
					name = "source.md"
				}
				path, err := worker.WriteTempFile(tempDir, name, source.Content)
				if err != nil {
					return err
				}
				sourcePaths = append(sourcePaths, path)
			}
		}
		args := []string{"--run-id", runID, "--questionnaire", questionnairePath, "--sources"}
		args = append(args, sourcePaths...)
		invoke, err = e.Worker.Invoke(ctx, domain.StepIngest, args, worker.InvokeOptions{})
		return err
	})
	if err != nil {
		e.recordFailure(ctx, runID, domain.StepIngest, err.Error())
		return IngestResult{}, err
	}

	var index SourceIndexPayload
	if err := e.Worker.ReadRunJSON(runID, worker.SourceIndexFile, &index); err != nil {
		msg := fmt.Sprintf("read source index: %v", err)
		e.recordFailure(ctx, runID, domain.StepIngest, msg)
		return IngestResult{}, &worker.Error{Step: domain.StepIngest, ExitCode: invoke.ExitCode, Stdout: invoke.Stdout, Stderr: msg}
	}

	e.recordStep(ctx, repo.RunPatch{
		RunID:    runID,
		Status:   domain.StatusIngested,
		Metadata: map[string]any{"chunk_count": index.ChunkCount},
	}, domain.StepIngest, domain.EventSuccess, events.Payload{
		"chunk_count": index.ChunkCount,
		"stdout":      strings.TrimSpace(invoke.Stdout),
	})

	return IngestResult{RunID: runID, ChunkCount: index.ChunkCount, Message: strings.TrimSpace(invoke.Stdout)}, nil
}

type DraftResult struct {
	OK                 bool            `json:"ok"`
	RunID              string          `json:"run_id"`
	AnswerCount        int             `json:"answer_count"`
	UncitedQuestionIDs []string        `json:"uncited_question_ids"`
	GateChecks         DraftGateChecks `json:"gate_checks"`
	CLI                worker.Result   `json:"cli"`
}

// Draft invokes the worker's draft step and gates the result on citation
// completeness. A gate failure is an expected outcome: the run drops to
// failed, the event is recorded, and the result reports the offending ids.
func (e Engine) Draft(ctx context.Context, rawRunID string) (DraftResult, error) {
	runID, err := runid.Sanitize(rawRunID)
	if err != nil {
		return DraftResult{}, invalidf("%v", err)
	}
	current, err := e.currentStatus(ctx, runID)
	if err != nil {
		return DraftResult{}, err
	}
	if err := ensureRunTransition(current, domain.StatusDrafted); err != nil {
		return DraftResult{}, err
	}
	if err := e.checkSchema(ctx); err != nil {
		return DraftResult{}, err
	}

	// The draft worker exits non-zero when it leaves uncited answers behind;
	// the citation gate over the artifact decides the outcome, not the code.
	invoke, err := e.Worker.Invoke(ctx, domain.StepDraft, []string{"--run-id", runID}, worker.InvokeOptions{AllowNonZeroExit: true})
	if err != nil {
		e.recordFailure(ctx, runID, domain.StepDraft, err.Error())
		return DraftResult{}, err
	}

	var payload DraftPayload
	if err := e.Worker.ReadRunJSON(runID, worker.DraftAnswersFile, &payload); err != nil {
		msg := fmt.Sprintf("read draft answers: %v", err)
		e.recordFailure(ctx, runID, domain.StepDraft, msg)
		return DraftResult{}, &worker.Error{Step: domain.StepDraft, ExitCode: invoke.ExitCode, Stdout: invoke.Stdout, Stderr: msg}
	}

	answers := normalizeDraftAnswers(payload)
	gate := gates.EvaluateCitationGate(answers)
	status := domain.StatusDrafted
	eventStatus := domain.EventSuccess
	if !gate.OK {
		status = domain.StatusFailed
		eventStatus = domain.EventFailed
	}
	uncited := gate.UncitedQuestionIDs
	if uncited == nil {
		uncited = []string{}
	}

	passed := gate.OK
	e.recordStep(ctx, repo.RunPatch{
		RunID:              runID,
		Status:             status,
		CitationGatePassed: &passed,
		Metadata: map[string]any{
			"uncited_question_ids": uncited,
			"cli_exit_code":        invoke.ExitCode,
		},
	}, domain.StepDraft, eventStatus, events.Payload{
		"uncited_question_ids": uncited,
		"cli_exit_code":        invoke.ExitCode,
	})

	return DraftResult{
		OK:                 gate.OK,
		RunID:              runID,
		AnswerCount:        len(answers),
		UncitedQuestionIDs: uncited,
		GateChecks:         payload.GateChecks,
		CLI:                invoke,
	}, nil
}

type ApproveOptions struct {
	RunID     string
	Reviewer  string
	Decisions []domain.ApprovalDecision
}

type ApproveResult struct {
	OK                    bool     `json:"ok"`
	RunID                 string   `json:"run_id"`
	Reviewer              string   `json:"reviewer"`
	ReviewedAt            string   `json:"reviewed_at"`
	UnresolvedQuestionIDs []string `json:"unresolved_question_ids"`
}

// Approve stages the reviewer's decisions as a CSV for the worker, invokes
// the approve step and gates on approval completeness.
func (e Engine) Approve(ctx context.Context, opts ApproveOptions) (ApproveResult, error) {
	runID, err := runid.Sanitize(opts.RunID)
	if err != nil {
		return ApproveResult{}, invalidf("%v", err)
	}
	reviewer := strings.TrimSpace(opts.Reviewer)
	if reviewer == "" {
		return ApproveResult{}, invalidf("reviewer is required")
	}
	if len(opts.Decisions) == 0 {
		return ApproveResult{}, invalidf("decisions are required")
	}
	current, err := e.currentStatus(ctx, runID)
	if err != nil {
		return ApproveResult{}, err
	}
	if err := ensureRunTransition(current, domain.StatusApproved); err != nil {
		return ApproveResult{}, err
	}
	if err := e.checkSchema(ctx); err != nil {
		return ApproveResult{}, err
	}

	var invoke worker.Result
	err = worker.WithTempDir(runID, func(tempDir string) error {
		decisionsPath, err := worker.WriteTempFile(tempDir, "approval-decisions.csv", toDecisionCSV(opts.Decisions))
		if err != nil {
			return err
		}
		invoke, err = e.Worker.Invoke(ctx, domain.StepApprove,
			[]string{"--run-id", runID, "--reviewer", reviewer, "--decisions", decisionsPath},
			worker.InvokeOptions{AllowNonZeroExit: true})
		return err
	})
	if err != nil {
		e.recordFailure(ctx, runID, domain.StepApprove, err.Error())
		return ApproveResult{}, err
	}
	if invoke.ExitCode != 0 {
		workerErr := &worker.Error{Step: domain.StepApprove, ExitCode: invoke.ExitCode, Stdout: invoke.Stdout, Stderr: invoke.Stderr}
		e.recordStep(ctx, repo.RunPatch{
			RunID:    runID,
			Status:   domain.StatusFailed,
			Metadata: map[string]any{"failed_step": domain.StepApprove, "stderr": strings.TrimSpace(invoke.Stderr)},
		}, domain.StepApprove, domain.EventFailed, events.Payload{
			"stderr": strings.TrimSpace(invoke.Stderr),
			"stdout": strings.TrimSpace(invoke.Stdout),
		})
		return ApproveResult{}, workerErr
	}

	var payload ApprovalPayload
	if err := e.Worker.ReadRunJSON(runID, worker.ApprovalFile, &payload); err != nil {
		msg := fmt.Sprintf("read approval: %v", err)
		e.recordFailure(ctx, runID, domain.StepApprove, msg)
		return ApproveResult{}, &worker.Error{Step: domain.StepApprove, ExitCode: invoke.ExitCode, Stdout: invoke.Stdout, Stderr: msg}
	}

	decisions := normalizeApprovalDecisions(payload)
	gate := gates.EvaluateApprovalGate(decisions)
	status := domain.StatusApproved
	eventStatus := domain.EventSuccess
	if !gate.OK {
		status = domain.StatusFailed
		eventStatus = domain.EventFailed
	}
	unresolved := gate.UnresolvedQuestionIDs
	if unresolved == nil {
		unresolved = []string{}
	}

	passed := gate.OK
	e.recordStep(ctx, repo.RunPatch{
		RunID:              runID,
		Status:             status,
		ApprovalGatePassed: &passed,
		Reviewer:           &payload.Reviewer,
		Metadata: map[string]any{
			"unresolved_question_ids": unresolved,
			"reviewed_at":             payload.ReviewedAt,
		},
	}, domain.StepApprove, eventStatus, events.Payload{
		"unresolved_question_ids": unresolved,
		"reviewed_at":             payload.ReviewedAt,
	})

	return ApproveResult{
		OK:                    gate.OK,
		RunID:                 runID,
		Reviewer:              payload.Reviewer,
		ReviewedAt:            payload.ReviewedAt,
		UnresolvedQuestionIDs: unresolved,
	}, nil
}

type ExportOptions struct {
	RunID      string
	OutputPath string
}

type ExportResult struct {
	OK         bool           `json:"ok"`
	RunID      string         `json:"run_id"`
	BundlePath string         `json:"bundle_path"`
	Manifest   ExportManifest `json:"manifest"`
}

// Export re-validates both prior gates from the persisted artifacts before
// invoking the worker's export step. In-memory state from earlier steps is
// never trusted: export may run in a separate process from draft/approve,
// and re-reading is the guard against stale approvals.
func (e Engine) Export(ctx context.Context, opts ExportOptions) (ExportResult, error) {
	runID, err := runid.Sanitize(opts.RunID)
	if err != nil {
		return ExportResult{}, invalidf("%v", err)
	}
	current, err := e.currentStatus(ctx, runID)
	if err != nil {
		return ExportResult{}, err
	}
	if err := ensureRunTransition(current, domain.StatusExported); err != nil {
		return ExportResult{}, err
	}
	if err := e.checkSchema(ctx); err != nil {
		return ExportResult{}, err
	}

	outputPath := strings.TrimSpace(opts.OutputPath)
	if outputPath == "" {
		outputPath = filepath.Join(os.TempDir(), runID+"-export.zip")
	}

	var draft DraftPayload
	if err := e.Worker.ReadRunJSON(runID, worker.DraftAnswersFile, &draft); err != nil {
		msg := "export blocked: missing draft answers for run"
		e.recordFailure(ctx, runID, domain.StepExport, msg)
		return ExportResult{}, fmt.Errorf("%w: %s", ErrGateFailed, msg)
	}
	var approval ApprovalPayload
	if err := e.Worker.ReadRunJSON(runID, worker.ApprovalFile, &approval); err != nil {
		msg := "export blocked: approval gate not satisfied"
		e.recordFailure(ctx, runID, domain.StepExport, msg)
		return ExportResult{}, fmt.Errorf("%w: %s", ErrGateFailed, msg)
	}
	if err := gates.AssertExportReady(normalizeDraftAnswers(draft), normalizeApprovalDecisions(approval)); err != nil {
		e.recordFailure(ctx, runID, domain.StepExport, err.Error())
		return ExportResult{}, fmt.Errorf("%w: %v", ErrGateFailed, err)
	}

	invoke, err := e.Worker.Invoke(ctx, domain.StepExport,
		[]string{"--run-id", runID, "--output", outputPath}, worker.InvokeOptions{})
	if err != nil {
		e.recordFailure(ctx, runID, domain.StepExport, err.Error())
		return ExportResult{}, err
	}

	var manifest ExportManifest
	if err := e.Worker.ReadRunJSON(runID, worker.ManifestFile, &manifest); err != nil {
		msg := fmt.Sprintf("read export manifest: %v", err)
		e.recordFailure(ctx, runID, domain.StepExport, msg)
		return ExportResult{}, &worker.Error{Step: domain.StepExport, ExitCode: invoke.ExitCode, Stdout: invoke.Stdout, Stderr: msg}
	}

	e.recordStep(ctx, repo.RunPatch{
		RunID:            runID,
		Status:           domain.StatusExported,
		ExportBundlePath: &outputPath,
		Metadata: map[string]any{
			"answer_count": manifest.AnswerCount,
			"reviewer":     manifest.Reviewer,
		},
	}, domain.StepExport, domain.EventSuccess, events.Payload{
		"bundle_path":  outputPath,
		"answer_count": manifest.AnswerCount,
	})

	return ExportResult{OK: true, RunID: runID, BundlePath: outputPath, Manifest: manifest}, nil
}

// ValidatePilotDeal runs the pricing margin gate. The projection is computed
// fresh on every call; runID, when given, links the verdict into the run's
// audit trail.
func (e Engine) ValidatePilotDeal(ctx context.Context, input domain.PricingInput, rawRunID string) (gates.PricingResult, error) {
	result := gates.EvaluatePricingMarginGate(input)
	if rawRunID != "" {
		runID, err := runid.Sanitize(rawRunID)
		if err != nil {
			return gates.PricingResult{}, invalidf("%v", err)
		}
		eventStatus := domain.EventSuccess
		if !result.Approved {
			eventStatus = domain.EventFailed
		}
		if err := e.Events.Append(ctx, runID, domain.StepValidatePilotDeal, eventStatus, events.Payload{
			"projection": result.Projection,
			"issues":     result.Issues,
		}); err != nil {
			e.log().Error("failed to append pilot-deal event", "run_id", runID, "error", err)
		}
	}
	return result, nil
}

// GetRun reads a run's current persisted state.
func (e Engine) GetRun(ctx context.Context, rawRunID string) (domain.Run, error) {
	runID, err := runid.Sanitize(rawRunID)
	if err != nil {
		return domain.Run{}, invalidf("%v", err)
	}
	return e.Repo.GetRun(ctx, runID)
}

// ListEvents reads a run's ledger, creation time ascending.
func (e Engine) ListEvents(ctx context.Context, rawRunID string) ([]domain.Event, error) {
	runID, err := runid.Sanitize(rawRunID)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	return e.Repo.ListEvents(ctx, runID)
}

func (e Engine) templateFile(fileName string) string {
	return filepath.Join(e.Worker.Dir, e.Config.Paths.TemplatesDir, fileName)
}

// toDecisionCSV renders decisions in the worker's approval CSV contract.
// Notes are quoted with doubled inner quotes.
func toDecisionCSV(decisions []domain.ApprovalDecision) string {
	var b strings.Builder
	b.WriteString("question_id,decision,notes\n")
	for _, d := range decisions {
		notes := strings.ReplaceAll(d.Notes, `"`, `""`)
		fmt.Fprintf(&b, "%s,%s,\"%s\"\n", d.QuestionID, d.Decision, notes)
	}
	return b.String()
}
