// Package schema detects drift between the schema bundle this binary was
// built with and the bundle the live store reports it was migrated with.
// Evidence collected against the wrong schema is worse than no evidence, so
// a mismatch is never silently downgraded.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"qpilot/internal/domain"
	"qpilot/internal/migrate"
)

// Comparison outcome.
type Verdict int

const (
	Match Verdict = iota
	Mismatch
	Missing
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	default:
		return "missing"
	}
}

type Result struct {
	Verdict  Verdict
	Expected domain.Fingerprint
	Observed domain.Fingerprint
}

// Expected returns the process-wide fingerprint computed from the embedded
// canonical bundle content. Immutable after first call.
func Expected() domain.Fingerprint {
	return migrate.Fingerprint()
}

// Observed queries the live store's self-reported fingerprint from
// workflow_app_meta. Returns a zero fingerprint and found=false when the
// store has never been stamped.
func Observed(ctx context.Context, db *sql.DB) (domain.Fingerprint, bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT meta_key, meta_value FROM workflow_app_meta WHERE meta_key IN (?,?,?,?)`,
		migrate.MetaSchemaBundleID, migrate.MetaSchemaBundleSHA256, migrate.MetaSchemaMigrationSHA256, migrate.MetaSchemaSeedSHA256)
	if err != nil {
		return domain.Fingerprint{}, false, fmt.Errorf("read workflow_app_meta: %w", err)
	}
	defer rows.Close()
	var fp domain.Fingerprint
	found := false
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return domain.Fingerprint{}, false, err
		}
		found = true
		switch key {
		case migrate.MetaSchemaBundleID:
			fp.BundleID = value
		case migrate.MetaSchemaBundleSHA256:
			fp.BundleSHA256 = value
		case migrate.MetaSchemaMigrationSHA256:
			fp.MigrationSHA256 = value
		case migrate.MetaSchemaSeedSHA256:
			fp.SeedSHA256 = value
		}
	}
	return fp, found, rows.Err()
}

// Compare evaluates an observed fingerprint against the expected one.
func Compare(expected, observed domain.Fingerprint) Result {
	if observed.BundleSHA256 == "" && observed.BundleID == "" {
		return Result{Verdict: Missing, Expected: expected, Observed: observed}
	}
	if observed.BundleSHA256 != expected.BundleSHA256 ||
		observed.MigrationSHA256 != expected.MigrationSHA256 ||
		observed.SeedSHA256 != expected.SeedSHA256 {
		return Result{Verdict: Mismatch, Expected: expected, Observed: observed}
	}
	return Result{Verdict: Match, Expected: expected, Observed: observed}
}

// Check reads the store's self-reported fingerprint and compares it to the
// expected one. Usable as a precondition before gate evaluations that write.
func Check(ctx context.Context, db *sql.DB) (Result, error) {
	expected := Expected()
	observed, found, err := Observed(ctx, db)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{Verdict: Missing, Expected: expected}, nil
	}
	return Compare(expected, observed), nil
}
