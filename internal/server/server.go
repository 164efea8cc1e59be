// Package server exposes the workflow engine over HTTP with a uniform
// error envelope and bearer/API-key auth.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"qpilot/internal/domain"
	"qpilot/internal/engine"
	"qpilot/internal/gates"
	"qpilot/internal/repo"
	"qpilot/internal/runid"
	"qpilot/internal/schema"
	"qpilot/internal/worker"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"gate_failed"`
	Message string         `json:"message" example:"export blocked: uncited answers for question IDs Q2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the workflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Questionnaire Pilot API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEnvHealth(group, cfg.Engine)
	registerWorkflowSteps(group, cfg.Engine)
	registerPilotDeal(group, cfg.Engine)
	registerEvidence(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerSchema(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var schemaErr *engine.SchemaError
	if errors.As(err, &schemaErr) {
		return newAPIError(http.StatusInternalServerError, "schema_mismatch", err.Error(), map[string]any{
			"verdict":  schemaErr.Result.Verdict.String(),
			"expected": schemaErr.Result.Expected,
			"observed": schemaErr.Result.Observed,
		})
	}
	var workerErr *worker.Error
	if errors.As(err, &workerErr) {
		return newAPIError(http.StatusUnprocessableEntity, "worker_failed", err.Error(), map[string]any{
			"step":      workerErr.Step,
			"exit_code": workerErr.ExitCode,
			"stderr":    strings.TrimSpace(workerErr.Stderr),
		})
	}
	switch {
	case errors.Is(err, engine.ErrGateFailed):
		return newAPIError(http.StatusUnprocessableEntity, "gate_failed", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, runid.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrBackendUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "backend_unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "backend_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Questionnaire Pilot API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerEnvHealth(api huma.API, e engine.Engine) {
	type envHealthBody struct {
		OK             bool   `json:"ok"`
		WorkerCommand  string `json:"worker_command"`
		WorkerResolved bool   `json:"worker_resolved"`
		RunsDir        string `json:"runs_dir"`
		RunsDirExists  bool   `json:"runs_dir_exists"`
		SchemaVerdict  string `json:"schema_verdict"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "env-health",
		Method:      http.MethodGet,
		Path:        "/workflow/env-health",
		Summary:     "Environment health",
		Description: "Reports whether the worker command resolves, the runs directory exists and the store schema matches the expected fingerprint.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body envHealthBody `json:"body"`
	}, error) {
		body := envHealthBody{
			WorkerCommand: strings.Join(e.Worker.Command, " "),
			RunsDir:       filepath.Join(e.Worker.Dir, e.Worker.RunsDir),
		}
		if len(e.Worker.Command) > 0 {
			_, err := exec.LookPath(e.Worker.Command[0])
			body.WorkerResolved = err == nil
		}
		if info, err := os.Stat(body.RunsDir); err == nil && info.IsDir() {
			body.RunsDirExists = true
		}
		res, err := schema.Check(ctx, e.DB)
		if err != nil {
			return nil, handleError(fmt.Errorf("%w: %v", engine.ErrBackendUnavailable, err))
		}
		body.SchemaVerdict = res.Verdict.String()
		body.OK = body.WorkerResolved && res.Verdict == schema.Match
		return &struct {
			Body envHealthBody `json:"body"`
		}{Body: body}, nil
	})
}

var stepErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusUnprocessableEntity,
	http.StatusServiceUnavailable,
	http.StatusInternalServerError,
}

func registerWorkflowSteps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "workflow-ingest",
		Method:      http.MethodPost,
		Path:        "/workflow/ingest",
		Summary:     "Ingest questionnaire and sources",
		Errors:      stepErrors,
	}, func(ctx context.Context, input *struct {
		Body IngestRequest `json:"body"`
	}) (*struct {
		Body engine.IngestResult `json:"body"`
	}, error) {
		opts := engine.IngestOptions{
			RunID:            input.Body.RunID,
			QuestionnaireCSV: input.Body.QuestionnaireCSV,
		}
		for _, s := range input.Body.Sources {
			opts.Sources = append(opts.Sources, engine.SourceInput{FileName: s.FileName, Content: s.Content})
		}
		res, err := e.Ingest(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IngestResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-draft",
		Method:      http.MethodPost,
		Path:        "/workflow/draft",
		Summary:     "Draft answers with citation gate",
		Errors:      stepErrors,
	}, func(ctx context.Context, input *struct {
		Body DraftRequest `json:"body"`
	}) (*struct {
		Status int
		Body   engine.DraftResult `json:"body"`
	}, error) {
		res, err := e.Draft(ctx, input.Body.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Status int
			Body   engine.DraftResult `json:"body"`
		}{Status: http.StatusOK, Body: res}
		if !res.OK {
			// Gate verdicts are in-band results, not errors; the status code
			// still signals the failure to callers that only check it.
			out.Status = http.StatusUnprocessableEntity
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-approve",
		Method:      http.MethodPost,
		Path:        "/workflow/approve",
		Summary:     "Record reviewer approvals with approval gate",
		Errors:      stepErrors,
	}, func(ctx context.Context, input *struct {
		Body ApproveRequest `json:"body"`
	}) (*struct {
		Status int
		Body   engine.ApproveResult `json:"body"`
	}, error) {
		res, err := e.Approve(ctx, engine.ApproveOptions{
			RunID:     input.Body.RunID,
			Reviewer:  input.Body.Reviewer,
			Decisions: approvalDecisions(input.Body.Decisions),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Status int
			Body   engine.ApproveResult `json:"body"`
		}{Status: http.StatusOK, Body: res}
		if !res.OK {
			out.Status = http.StatusUnprocessableEntity
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-export",
		Method:      http.MethodPost,
		Path:        "/workflow/export",
		Summary:     "Export the approved answer package",
		Errors:      stepErrors,
	}, func(ctx context.Context, input *struct {
		Body ExportRequest `json:"body"`
	}) (*struct {
		Body engine.ExportResult `json:"body"`
	}, error) {
		res, err := e.Export(ctx, engine.ExportOptions{
			RunID:      input.Body.RunID,
			OutputPath: input.Body.OutputPath,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExportResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerPilotDeal(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-pilot-deal",
		Method:      http.MethodPost,
		Path:        "/workflow/validate-pilot-deal",
		Summary:     "Validate pilot deal pricing",
		Errors:      stepErrors,
	}, func(ctx context.Context, input *struct {
		Body ValidatePilotDealRequest `json:"body"`
	}) (*struct {
		Status int
		Body   gates.PricingResult `json:"body"`
	}, error) {
		res, err := e.ValidatePilotDeal(ctx, pricingInput(input.Body), input.Body.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Status int
			Body   gates.PricingResult `json:"body"`
		}{Status: http.StatusOK, Body: res}
		if !res.Approved {
			out.Status = http.StatusUnprocessableEntity
		}
		return out, nil
	})
}

func registerEvidence(api huma.API, e engine.Engine) {
	type evidenceBody struct {
		Document engine.EvidenceDocument `json:"document"`
		Report   *engine.EvidenceReport  `json:"report,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "db-evidence",
		Method:      http.MethodPost,
		Path:        "/workflow/db-evidence",
		Summary:     "Collect run evidence from the store",
		Errors:      stepErrors,
	}, func(ctx context.Context, input *struct {
		Body DBEvidenceRequest `json:"body"`
	}) (*struct {
		Status int
		Body   evidenceBody `json:"body"`
	}, error) {
		doc, err := e.Evidence(ctx, input.Body.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Status int
			Body   evidenceBody `json:"body"`
		}{Status: http.StatusOK, Body: evidenceBody{Document: doc}}
		if input.Body.Validate {
			report, err := engine.ValidateEvidence(doc, schema.Expected(), input.Body.RequireSchemaMatch)
			out.Body.Report = &report
			if err != nil {
				out.Status = http.StatusUnprocessableEntity
				out.Body.Report.Warnings = append(out.Body.Report.Warnings, err.Error())
			}
		}
		return out, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/workflow/runs",
		Summary:     "List workflow runs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		runs, err := e.Repo.ListRuns(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.Run{}
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/workflow/runs/{run_id}",
		Summary:     "Get workflow run",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-events",
		Method:      http.MethodGet,
		Path:        "/workflow/runs/{run_id}/events",
		Summary:     "List run events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		evs, err := e.ListEvents(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		if evs == nil {
			evs = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evs}, nil
	})
}

func registerSchema(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "schema-status",
		Method:      http.MethodGet,
		Path:        "/workflow/schema",
		Summary:     "Schema fingerprint status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body schemaStatusBody `json:"body"`
	}, error) {
		res, err := schema.Check(ctx, e.DB)
		if err != nil {
			return nil, handleError(fmt.Errorf("%w: %v", engine.ErrBackendUnavailable, err))
		}
		return &struct {
			Body schemaStatusBody `json:"body"`
		}{Body: schemaStatusBody{
			Verdict:  res.Verdict.String(),
			Expected: res.Expected,
			Observed: res.Observed,
		}}, nil
	})
}

type schemaStatusBody struct {
	Verdict  string             `json:"verdict" enum:"match,mismatch,missing"`
	Expected domain.Fingerprint `json:"expected"`
	Observed domain.Fingerprint `json:"observed"`
}
