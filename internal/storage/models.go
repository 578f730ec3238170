// Package storage provides database operations and data models.
package storage

import (
	"database/sql"
	"time"
)

// Chat is a Telegram chat that receives release notifications.
type Chat struct {
	ID                int64          `db:"id"`
	Lang              string         `db:"lang"`
	GitHubUsername    sql.NullString `db:"github_username"`     // followed account for starred resync
	ReleaseNoteFormat sql.NullString `db:"release_note_format"` // NULL means markdown
	CreatedAt         time.Time      `db:"created_at"`
}

// Repo is a watched GitHub repository. ID is GitHub's repository id,
// which survives renames.
type Repo struct {
	ID          int64     `db:"id"`
	FullName    string    `db:"full_name"`
	Description string    `db:"description"`
	Link        string    `db:"link"`
	Archived    bool      `db:"archived"`
	CreatedAt   time.Time `db:"created_at"`
}

// ChatRepo links a chat to a repository.
type ChatRepo struct {
	ChatID             int64 `db:"chat_id"`
	RepoID             int64 `db:"repo_id"`
	ProcessPreReleases bool  `db:"process_pre_releases"`
}

// Subscriber is a chat together with its subscription settings for one repository.
type Subscriber struct {
	Chat
	ProcessPreReleases bool `db:"process_pre_releases"`
}

// Release is a ledger entry: one release or tag state already acted upon.
// Tag-only entries have no ReleaseID.
type Release struct {
	ID          int64          `db:"id"`
	RepoID      int64          `db:"repo_id"`
	ReleaseID   sql.NullInt64  `db:"release_id"`
	TagName     string         `db:"tag_name"`
	ReleaseDate time.Time      `db:"release_date"`
	Link        sql.NullString `db:"link"`
	PreRelease  bool           `db:"pre_release"`
	CreatedAt   time.Time      `db:"created_at"`
}

// Stats holds row counts reported by /stats.
type Stats struct {
	Repos         int `db:"repos"`
	Subscriptions int `db:"subscriptions"`
	Chats         int `db:"chats"`
}
