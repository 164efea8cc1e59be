// Package migrate applies the embedded schema bundle (migrations + seed) and
// owns the canonical content the schema fingerprint is computed from.
package migrate

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"qpilot/internal/domain"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

//go:embed seed/*.sql
var seedFS embed.FS

// BundleID names the migration+seed bundle this binary was built with.
const BundleID = "20260213_workflow_migration_plus_seed"

// Meta keys self-reported into workflow_app_meta when the bundle is applied.
const (
	MetaSchemaBundleID        = "schema_bundle_id"
	MetaSchemaBundleSHA256    = "schema_bundle_sha256"
	MetaSchemaMigrationSHA256 = "schema_migration_sha256"
	MetaSchemaSeedSHA256      = "schema_seed_sha256"
)

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

func loadMigrations() ([]Migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		_, err = fmt.Sscanf(f.Name(), "%d_", &v)
		if err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		migrations = append(migrations, Migration{
			Version: v,
			Name:    f.Name(),
			UpSQL:   string(data),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func loadSeeds() ([]Migration, error) {
	files, err := fs.ReadDir(seedFS, "seed")
	if err != nil {
		return nil, err
	}
	var seeds []Migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := seedFS.ReadFile("seed/" + f.Name())
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, Migration{Name: f.Name(), UpSQL: string(data)})
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].Name < seeds[j].Name })
	return seeds, nil
}

var (
	fingerprintOnce sync.Once
	fingerprint     domain.Fingerprint
)

// Fingerprint computes the schema fingerprint from the embedded canonical
// migration + seed content. Computed once per process; every persisted row
// in one process run is stamped consistently.
func Fingerprint() domain.Fingerprint {
	fingerprintOnce.Do(func() {
		migrationSQL := canonicalSQL(mustConcat(loadMigrations()))
		seedSQL := canonicalSQL(mustConcat(loadSeeds()))
		fingerprint = domain.Fingerprint{
			BundleID:        BundleID,
			BundleSHA256:    sha256Hex(migrationSQL + seedSQL),
			MigrationSHA256: sha256Hex(migrationSQL),
			SeedSHA256:      sha256Hex(seedSQL),
		}
	})
	return fingerprint
}

func mustConcat(items []Migration, err error) string {
	if err != nil {
		// Embedded content cannot fail to load in a correctly built binary.
		panic(fmt.Sprintf("load embedded sql: %v", err))
	}
	var b strings.Builder
	for _, m := range items {
		b.WriteString(canonicalSQL(m.UpSQL))
	}
	return b.String()
}

// canonicalSQL ensures a single trailing newline for stable hashes.
func canonicalSQL(content string) string {
	return strings.TrimRight(content, " \t\r\n") + "\n"
}

func sha256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Migrate applies embedded migrations in order, runs seeds once on first
// install, and self-reports the bundle fingerprint into workflow_app_meta.
func Migrate(db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	seeds, err := loadSeeds()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var currentVersion int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	firstInstall := currentVersion == 0
	applied := false

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if _, err := tx.Exec(m.UpSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		currentVersion = m.Version
		applied = true
	}

	if firstInstall {
		for _, s := range seeds {
			if _, err := tx.Exec(s.UpSQL); err != nil {
				return fmt.Errorf("seed %s: %w", s.Name, err)
			}
		}
	}

	if !firstInstall && !applied {
		// Nothing applied: leave the meta rows as stamped by whichever build
		// migrated this database, so drift stays observable.
		return tx.Commit()
	}

	fp := Fingerprint()
	now := time.Now().UTC().Format(time.RFC3339)
	for key, value := range map[string]string{
		MetaSchemaBundleID:        fp.BundleID,
		MetaSchemaBundleSHA256:    fp.BundleSHA256,
		MetaSchemaMigrationSHA256: fp.MigrationSHA256,
		MetaSchemaSeedSHA256:      fp.SeedSHA256,
	} {
		if _, err := tx.Exec(`INSERT INTO workflow_app_meta(meta_key,meta_value,updated_at) VALUES (?,?,?)
ON CONFLICT(meta_key) DO UPDATE SET meta_value=excluded.meta_value, updated_at=excluded.updated_at`, key, value, now); err != nil {
			return fmt.Errorf("stamp %s: %w", key, err)
		}
	}

	return tx.Commit()
}
