// manifest/create.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// migrate brings the schema of db up to date.
func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	results, err := p.Up(ctx)
	for _, r := range results {
		log.Debug("manifest schema: %s %s", r.Direction, r.Source.Path)
	}
	return err
}

// Create writes a new Manifest.db at dbPath holding the given entries.
// Content keys are computed from each entry's domain and path; any
// FileID already set must agree.
func Create(ctx context.Context, dbPath string, entries []Entry) error {
	if _, err := os.Stat(dbPath); err == nil {
		return fmt.Errorf("%s: already exists", dbPath)
	}
	// Catch duplicates and mismatches before writing anything.
	for i := range entries {
		if entries[i].FileID == "" {
			entries[i].FileID = ContentKey(entries[i].Domain, entries[i].RelativePath)
		}
	}
	if _, err := New(entries); err != nil {
		return err
	}

	db, err := sql.Open("sqlite", sqliteDSN(dbPath, false))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrate(ctx, db); err != nil {
		os.Remove(dbPath)
		return err
	}
	if err := insert(ctx, db, entries); err != nil {
		db.Close()
		os.Remove(dbPath)
		return err
	}
	log.Verbose("%s: wrote %d entries", dbPath, len(entries))
	return nil
}

func insert(ctx context.Context, db *sql.DB, entries []Entry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO Files (fileID, domain, relativePath, flags, file) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range entries {
		e := &entries[i]
		if e.Mode&modeTypeMask == 0 {
			e.Mode |= e.Flags.typeBits()
		}
		rec, err := encodeRecord(e)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Path(), err)
		}
		if _, err := stmt.ExecContext(ctx, e.FileID, e.Domain, e.RelativePath,
			int(e.Flags), rec); err != nil {
			return fmt.Errorf("%s: %w", e.Path(), err)
		}
	}
	return tx.Commit()
}
