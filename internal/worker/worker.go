// Package worker is the process boundary to the external drafting CLI. It
// invokes the CLI with a step verb, captures exit status and output streams,
// and reads step results from declared artifact files. It owns no business
// logic and never parses stdout as structured data.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Artifact file names each step writes under runs/<run-id>/.
const (
	SourceIndexFile  = "source_index.json"
	DraftAnswersFile = "draft_answers.json"
	ApprovalFile     = "approval.json"
	ManifestFile     = "export_package/manifest.json"
)

type Runner struct {
	// Command is the worker executable and its leading arguments; the step
	// verb and step flags are appended per invocation.
	Command []string
	Env     map[string]string
	// Dir is the working directory the worker runs in; run artifacts are
	// resolved under Dir/RunsDir.
	Dir     string
	RunsDir string
}

type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

type InvokeOptions struct {
	// AllowNonZeroExit returns the captured result instead of a *Error when
	// the worker exits non-zero. Used by steps whose gate decides the
	// outcome from the artifact, not the exit code.
	AllowNonZeroExit bool
}

// Error is a worker invocation failure carrying the captured streams.
type Error struct {
	Step     string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *Error) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Stdout)
	}
	if detail == "" {
		detail = "unknown error"
	}
	return fmt.Sprintf("worker %s failed (exit %d): %s", e.Step, e.ExitCode, detail)
}

// Invoke runs the worker for one step and blocks until it exits. A non-zero
// exit surfaces as *Error unless opts.AllowNonZeroExit is set; the result is
// returned either way.
func (r Runner) Invoke(ctx context.Context, step string, args []string, opts InvokeOptions) (Result, error) {
	if len(r.Command) == 0 {
		return Result{}, fmt.Errorf("worker command not configured")
	}
	full := append(append([]string{}, r.Command[1:]...), step)
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, r.Command[0], full...)
	cmd.Dir = r.Dir
	cmd.Env = os.Environ()
	for k, v := range r.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	} else {
		// Spawn failure (binary missing, context canceled): no process output.
		result.ExitCode = -1
		result.Stderr = err.Error()
	}
	if opts.AllowNonZeroExit {
		return result, nil
	}
	return result, &Error{Step: step, ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}
}

// RunDir returns the artifact directory for a sanitized run id.
func (r Runner) RunDir(runID string) string {
	return filepath.Join(r.Dir, r.RunsDir, runID)
}

// RunFile returns the path of one artifact for a sanitized run id.
func (r Runner) RunFile(runID, fileName string) string {
	return filepath.Join(r.RunDir(runID), filepath.FromSlash(fileName))
}

// ReadRunJSON decodes a step's declared JSON artifact into v.
func (r Runner) ReadRunJSON(runID, fileName string, v any) error {
	data, err := os.ReadFile(r.RunFile(runID, fileName))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse artifact %s: %w", fileName, err)
	}
	return nil
}

// WithTempDir runs work inside a scoped temporary directory that is removed
// afterward regardless of outcome. Each invocation gets a distinct
// time+uuid suffixed path, so concurrent steps for one run id never share
// input files.
func WithTempDir(prefix string, work func(dir string) error) error {
	dir := filepath.Join(os.TempDir(), "qpilot",
		fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), uuid.NewString()[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	return work(dir)
}

// WriteTempFile writes content under dir and returns the full path.
func WriteTempFile(dir, fileName, content string) (string, error) {
	path := filepath.Join(dir, filepath.FromSlash(fileName))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
