package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Ledger is the per-repository record of release and tag states already acted upon.
type Ledger interface {
	// ReleaseByID returns the entry for a provider release id, or nil.
	ReleaseByID(ctx context.Context, repoID, releaseID int64) (*Release, error)
	// ReleaseByTag returns the tag-only entry for a tag name, or nil.
	ReleaseByTag(ctx context.Context, repoID int64, tagName string) (*Release, error)
	InsertRelease(ctx context.Context, r *Release) error
	UpdateRelease(ctx context.Context, id int64, releaseDate time.Time, preRelease bool) error
}

// LedgerStore exposes the ledger both directly and inside transactions.
type LedgerStore struct {
	ledgerQueries
	db *Database
}

// NewLedgerStore creates a new ledger store.
func NewLedgerStore(db *Database) *LedgerStore {
	return &LedgerStore{ledgerQueries: ledgerQueries{q: db}, db: db}
}

// InTx runs fn against a ledger bound to a single transaction. The transaction
// commits if fn returns nil and rolls back otherwise.
func (s *LedgerStore) InTx(ctx context.Context, fn func(Ledger) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	if err := fn(ledgerQueries{q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}

// LatestTag returns the tag of the most recently recorded full release or tag, or "".
func (s *LedgerStore) LatestTag(ctx context.Context, repoID int64) (string, error) {
	var tag string
	query := `
		SELECT tag_name FROM releases
		WHERE repo_id = ? AND pre_release = 0
		ORDER BY release_date DESC, id DESC
		LIMIT 1
	`
	err := s.db.GetContext(ctx, &tag, query, repoID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return tag, err
}

// HasEntries reports whether anything was ever recorded for the repository.
func (s *LedgerStore) HasEntries(ctx context.Context, repoID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM releases WHERE repo_id = ?)`, repoID)
	return exists, err
}

type ledgerQueries struct {
	q sqlx.ExtContext
}

func (l ledgerQueries) ReleaseByID(ctx context.Context, repoID, releaseID int64) (*Release, error) {
	var r Release
	err := sqlx.GetContext(ctx, l.q, &r,
		`SELECT * FROM releases WHERE repo_id = ? AND release_id = ?`, repoID, releaseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (l ledgerQueries) ReleaseByTag(ctx context.Context, repoID int64, tagName string) (*Release, error) {
	var r Release
	err := sqlx.GetContext(ctx, l.q, &r,
		`SELECT * FROM releases WHERE repo_id = ? AND tag_name = ? AND release_id IS NULL`, repoID, tagName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (l ledgerQueries) InsertRelease(ctx context.Context, r *Release) error {
	query := `
		INSERT INTO releases (repo_id, release_id, tag_name, release_date, link, pre_release)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := l.q.ExecContext(ctx, query,
		r.RepoID, r.ReleaseID, r.TagName, r.ReleaseDate.UTC(), r.Link, r.PreRelease)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry for %q: %w", r.TagName, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

func (l ledgerQueries) UpdateRelease(ctx context.Context, id int64, releaseDate time.Time, preRelease bool) error {
	_, err := l.q.ExecContext(ctx,
		`UPDATE releases SET release_date = ?, pre_release = ? WHERE id = ?`, releaseDate.UTC(), preRelease, id)
	if err != nil {
		return fmt.Errorf("failed to update ledger entry %d: %w", id, err)
	}
	return nil
}
