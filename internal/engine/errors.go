package engine

import (
	"errors"
	"fmt"

	"qpilot/internal/schema"
)

// ErrInvalidInput marks malformed caller input: bad run id, missing fields,
// non-numeric pricing values. Never retried, surfaced verbatim.
var ErrInvalidInput = errors.New("invalid input")

// ErrGateFailed marks an expected, user-actionable gate failure. The run is
// set to failed and an event recorded before it is returned.
var ErrGateFailed = errors.New("gate failed")

// ErrBackendUnavailable marks a store fault on a read the workflow's
// correctness depends on. Best-effort audit writes never raise it.
var ErrBackendUnavailable = errors.New("backend unavailable")

// SchemaError reports drift between the expected schema fingerprint and the
// one the store self-reports. Never silently downgraded: evidence collected
// against the wrong schema is worse than no evidence.
type SchemaError struct {
	Result schema.Result
}

func (e *SchemaError) Error() string {
	if e.Result.Verdict == schema.Missing {
		return "schema fingerprint missing from store"
	}
	return fmt.Sprintf("schema mismatch: store reports bundle %s (sha %s), expected %s (sha %s)",
		e.Result.Observed.BundleID, e.Result.Observed.BundleSHA256,
		e.Result.Expected.BundleID, e.Result.Expected.BundleSHA256)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}
