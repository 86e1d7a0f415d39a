package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rendis/gantry/pkg/schema"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// runMigrations applies every embedded migration file, in lexical order,
// whose numeric prefix is greater than the recorded schema version.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return schema.NewError(schema.ErrCodeStore, "creating schema_version table").WithCause(err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return schema.NewError(schema.ErrCodeStore, "reading schema version").WithCause(err)
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "listing migrations").WithCause(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version, err := migrationVersion(name)
		if err != nil {
			return err
		}
		if version <= current {
			continue
		}
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "reading migration "+name).WithCause(err)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "starting migration transaction").WithCause(err)
		}
		for _, stmt := range splitStatements(string(raw)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return schema.NewErrorf(schema.ErrCodeStore, "applying migration %s", name).WithCause(err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
			_ = tx.Rollback()
			return schema.NewErrorf(schema.ErrCodeStore, "recording migration %s", name).WithCause(err)
		}
		if err := tx.Commit(); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "committing migration %s", name).WithCause(err)
		}
	}
	return nil
}

func migrationVersion(name string) (int, error) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "migration file %q lacks a numeric prefix", name)
	}
	var version int
	if _, err := fmt.Sscanf(name[:idx], "%d", &version); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "migration file %q lacks a numeric prefix", name).WithCause(err)
	}
	return version, nil
}

// splitStatements breaks a migration file into individual statements.
// Comments are stripped line-wise; statements are separated by ';'.
func splitStatements(sqlText string) []string {
	var clean strings.Builder
	for _, line := range strings.Split(sqlText, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		clean.WriteString(line)
		clean.WriteString("\n")
	}
	var out []string
	for _, stmt := range strings.Split(clean.String(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
