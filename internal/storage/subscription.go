package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSubscriptionNotFound is returned when removing a subscription that does not exist.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrTooManyRepos is returned when a chat already holds the maximum number of subscriptions.
	ErrTooManyRepos = errors.New("too many repositories")
)

// SubscriptionStore handles chats, repositories and the subscriptions between them.
type SubscriptionStore struct {
	db *Database
}

// NewSubscriptionStore creates a new subscription store.
func NewSubscriptionStore(db *Database) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// EnsureChat creates the chat on first interaction and returns the stored row.
func (s *SubscriptionStore) EnsureChat(ctx context.Context, chatID int64, lang string) (*Chat, error) {
	if lang == "" {
		lang = "en"
	}
	query := `INSERT INTO chats (id, lang) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, chatID, lang); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return s.GetChat(ctx, chatID)
}

// GetChat returns a chat, or nil if it does not exist.
func (s *SubscriptionStore) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	var chat Chat
	err := s.db.GetContext(ctx, &chat, `SELECT * FROM chats WHERE id = ?`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// SetReleaseNoteFormat stores the chat's preferred format. An empty value resets it.
func (s *SubscriptionStore) SetReleaseNoteFormat(ctx context.Context, chatID int64, format string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET release_note_format = ? WHERE id = ?`, nullString(format), chatID)
	return err
}

// SetGitHubUsername stores the followed GitHub account. An empty value clears it.
func (s *SubscriptionStore) SetGitHubUsername(ctx context.Context, chatID int64, username string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET github_username = ? WHERE id = ?`, nullString(username), chatID)
	return err
}

// DeleteChat removes a chat and, by cascade, all of its subscriptions.
func (s *SubscriptionStore) DeleteChat(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
	return err
}

// ChatsWithGitHubUsername returns the chats that follow a GitHub account.
func (s *SubscriptionStore) ChatsWithGitHubUsername(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	err := s.db.SelectContext(ctx, &chats, `SELECT * FROM chats WHERE github_username IS NOT NULL ORDER BY id`)
	return chats, err
}

// UpsertRepo creates the repository or refreshes its name, description and link.
// The archived flag is owned by the poller and left untouched on conflict.
func (s *SubscriptionStore) UpsertRepo(ctx context.Context, repo Repo) error {
	_, err := s.db.ExecContext(ctx, upsertRepoQuery, repo.ID, repo.FullName, repo.Description, repo.Link, repo.Archived)
	return err
}

const upsertRepoQuery = `
	INSERT INTO repos (id, full_name, description, link, archived)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		full_name = excluded.full_name,
		description = excluded.description,
		link = excluded.link
`

// GetRepo returns a repository, or nil if it does not exist.
func (s *SubscriptionStore) GetRepo(ctx context.Context, repoID int64) (*Repo, error) {
	var repo Repo
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM repos WHERE id = ?`, repoID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// GetRepoByName looks a repository up by "owner/name", case-insensitively.
func (s *SubscriptionStore) GetRepoByName(ctx context.Context, fullName string) (*Repo, error) {
	var repo Repo
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM repos WHERE full_name = ? COLLATE NOCASE`, strings.TrimSpace(fullName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// ListRepos returns every watched repository.
func (s *SubscriptionStore) ListRepos(ctx context.Context) ([]Repo, error) {
	var repos []Repo
	err := s.db.SelectContext(ctx, &repos, `SELECT * FROM repos ORDER BY id`)
	return repos, err
}

// SetArchived persists the repository's archived flag.
func (s *SubscriptionStore) SetArchived(ctx context.Context, repoID int64, archived bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE repos SET archived = ? WHERE id = ?`, archived, repoID)
	return err
}

// DeleteRepo removes a repository together with its ledger and subscriptions.
func (s *SubscriptionStore) DeleteRepo(ctx context.Context, repoID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repos WHERE id = ?`, repoID)
	return err
}

// DeleteOrphanRepos removes repositories nobody is subscribed to and returns them.
func (s *SubscriptionStore) DeleteOrphanRepos(ctx context.Context) ([]Repo, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var orphans []Repo
	query := `
		SELECT r.* FROM repos r
		WHERE NOT EXISTS (SELECT 1 FROM chat_repos cr WHERE cr.repo_id = r.id)
		ORDER BY r.id
	`
	if err := tx.SelectContext(ctx, &orphans, query); err != nil {
		return nil, fmt.Errorf("failed to find orphaned repos: %w", err)
	}
	for _, repo := range orphans {
		if _, err := tx.ExecContext(ctx, `DELETE FROM repos WHERE id = ?`, repo.ID); err != nil {
			return nil, fmt.Errorf("failed to delete repo %d: %w", repo.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return orphans, nil
}

// SubscribeRepo stores the repository and links the chat to it in one transaction.
// A limit of zero or less disables the per-chat cap.
func (s *SubscriptionStore) SubscribeRepo(ctx context.Context, chatID int64, repo Repo, limit int) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var exists bool
	err = tx.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM chat_repos WHERE chat_id = ? AND repo_id = ?)`, chatID, repo.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if limit > 0 {
		var count int
		if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM chat_repos WHERE chat_id = ?`, chatID); err != nil {
			return false, err
		}
		if count >= limit {
			return false, ErrTooManyRepos
		}
	}

	if _, err := tx.ExecContext(ctx, upsertRepoQuery, repo.ID, repo.FullName, repo.Description, repo.Link, repo.Archived); err != nil {
		return false, fmt.Errorf("failed to save repo: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_repos (chat_id, repo_id) VALUES (?, ?)`, chatID, repo.ID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Unsubscribe removes a subscription.
func (s *SubscriptionStore) Unsubscribe(ctx context.Context, chatID, repoID int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_repos WHERE chat_id = ? AND repo_id = ?`, chatID, repoID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SetProcessPreReleases toggles pre-release notifications for one subscription.
func (s *SubscriptionStore) SetProcessPreReleases(ctx context.Context, chatID, repoID int64, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE chat_repos SET process_pre_releases = ? WHERE chat_id = ? AND repo_id = ?`, enabled, chatID, repoID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// Subscribers returns every chat subscribed to a repository with its subscription flags.
func (s *SubscriptionStore) Subscribers(ctx context.Context, repoID int64) ([]Subscriber, error) {
	var subs []Subscriber
	query := `
		SELECT c.*, cr.process_pre_releases
		FROM chat_repos cr
		JOIN chats c ON c.id = cr.chat_id
		WHERE cr.repo_id = ?
		ORDER BY c.id
	`
	err := s.db.SelectContext(ctx, &subs, query, repoID)
	return subs, err
}

// ReposByChat returns the repositories a chat is subscribed to.
func (s *SubscriptionStore) ReposByChat(ctx context.Context, chatID int64) ([]Repo, error) {
	var repos []Repo
	query := `
		SELECT r.* FROM repos r
		JOIN chat_repos cr ON cr.repo_id = r.id
		WHERE cr.chat_id = ?
		ORDER BY r.full_name COLLATE NOCASE
	`
	err := s.db.SelectContext(ctx, &repos, query, chatID)
	return repos, err
}

// Stats returns global row counts.
func (s *SubscriptionStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	query := `
		SELECT
			(SELECT COUNT(*) FROM repos) AS repos,
			(SELECT COUNT(*) FROM chat_repos) AS subscriptions,
			(SELECT COUNT(*) FROM chats) AS chats
	`
	err := s.db.GetContext(ctx, &st, query)
	return st, err
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
