package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"qpilot/internal/config"
	"qpilot/internal/db"
	"qpilot/internal/domain"
	"qpilot/internal/engine"
	"qpilot/internal/migrate"
	"qpilot/internal/server"
)

const stubWorker = `#!/bin/sh
step="$1"; shift
run=""
while [ $# -gt 0 ]; do
  case "$1" in
    --run-id) run="$2"; shift 2 ;;
    *) shift ;;
  esac
done
mkdir -p "runs/$run"
case "$step" in
  ingest)
    printf '{"run_id":"%s","chunk_count":3}\n' "$run" > "runs/$run/source_index.json"
    ;;
  draft)
    printf '{"run_id":"%s","answers":[{"question_id":"Q1","answer":"Yes.","citations":[{"source_file":"policy.md","line_start":1,"line_end":2}],"status":"drafted"}],"gate_checks":{"all_answers_have_citations":true,"pending_human_approval":true,"uncited_question_ids":[]}}\n' "$run" > "runs/$run/draft_answers.json"
    ;;
  approve)
    printf '{"run_id":"%s","reviewer":"alice","reviewed_at":"2026-02-13T13:00:00Z","all_approved":true,"approvals":[{"question_id":"Q1","decision":"approve","notes":""}]}\n' "$run" > "runs/$run/approval.json"
    ;;
  export)
    mkdir -p "runs/$run/export_package"
    printf '{"exported_at":"2026-02-13T14:00:00Z","answer_count":1,"reviewer":"alice","gates":{"all_cited":true,"human_approved":true}}\n' > "runs/$run/export_package/manifest.json"
    ;;
esac
exit 0
`

// errorEnvelope mirrors the API's error body shape.
type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth server.AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	script := filepath.Join(workspace, "stub-worker.sh")
	if err := os.WriteFile(script, []byte(stubWorker), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Worker.Command = []string{script}

	e := engine.New(conn, cfg, workspace)
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, server.AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
}

func TestAuthRequiredWhenNotAnonymous(t *testing.T) {
	srv, cleanup := newTestServer(t, server.AuthConfig{APIToken: "sekret"})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflow/runs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflow/runs", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflow/runs", nil, map[string]string{"X-Api-Key": "sekret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, data)
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, server.AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow/ingest", server.IngestRequest{RunID: "pilot-001"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ingest status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow/draft", server.DraftRequest{RunID: "pilot-001"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("draft status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow/approve", server.ApproveRequest{
		RunID:    "pilot-001",
		Reviewer: "alice",
		Decisions: []server.ApprovalDecisionRequest{
			{QuestionID: "Q1", Decision: "approve"},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow/export", server.ExportRequest{RunID: "pilot-001"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflow/runs/pilot-001", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run status %d: %s", res.StatusCode, data)
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.Status != domain.StatusExported {
		t.Fatalf("run status = %s", run.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflow/runs/pilot-001/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	var evs []domain.Event
	if err := json.Unmarshal(data, &evs); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evs) != 4 {
		t.Fatalf("event count = %d: %s", len(evs), data)
	}
}

func TestIngestBadRunID(t *testing.T) {
	srv, cleanup := newTestServer(t, server.AuthConfig{AllowAnonymous: true})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workflow/ingest", server.IngestRequest{RunID: "../escape"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v: %s", err, data)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, server.AuthConfig{AllowAnonymous: true})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workflow/runs/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestValidatePilotDealStatuses(t *testing.T) {
	srv, cleanup := newTestServer(t, server.AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	good := server.ValidatePilotDealRequest{
		OnboardingFee:                 2500,
		MonthlyFee:                    2000,
		IncludedQuestionnaires:        10,
		OverageFee:                    175,
		ExpectedQuestionnaires:        8,
		EstimatedCogsPerQuestionnaire: 40,
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow/validate-pilot-deal", good, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}

	bad := good
	bad.OnboardingFee = 500
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow/validate-pilot-deal", bad, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var verdict struct {
		Approved bool     `json:"approved"`
		Issues   []string `json:"issues"`
	}
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal verdict: %v: %s", err, data)
	}
	if verdict.Approved || len(verdict.Issues) == 0 {
		t.Fatalf("verdict = %+v", verdict)
	}
}

func TestDBEvidenceDualCasing(t *testing.T) {
	srv, cleanup := newTestServer(t, server.AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow/ingest", server.IngestRequest{RunID: "pilot-001"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ingest status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow/db-evidence", server.DBEvidenceRequest{RunID: "pilot-001"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evidence status %d: %s", res.StatusCode, data)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body["document"], &doc); err != nil {
		t.Fatalf("unmarshal document: %v: %s", err, data)
	}
	for _, key := range []string{"run_id", "runId", "workflow_runs", "workflowRun", "workflow_events", "workflowEvents"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("document missing %s key: %s", key, body["document"])
		}
	}
}
