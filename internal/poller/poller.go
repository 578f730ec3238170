// Package poller runs the release poll cycle and the maintenance jobs around it.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/releasebot/internal/github"
	"github.com/user/releasebot/internal/metrics"
	"github.com/user/releasebot/internal/notifier"
	"github.com/user/releasebot/internal/release"
	"github.com/user/releasebot/internal/storage"
	"github.com/user/releasebot/internal/telegram"
	"github.com/user/releasebot/pkg/logger"
)

// ErrCycleRunning is returned by RunCycle when the previous cycle has not finished.
var ErrCycleRunning = errors.New("poll cycle already running")

// Provider reads repository state from GitHub.
type Provider interface {
	RepoState(ctx context.Context, repoID int64) (*github.RepoState, error)
	StarredRepos(ctx context.Context, username string) ([]github.RepoInfo, error)
}

// Store is the subscription data the poller maintains.
type Store interface {
	ListRepos(ctx context.Context) ([]storage.Repo, error)
	GetRepo(ctx context.Context, repoID int64) (*storage.Repo, error)
	UpsertRepo(ctx context.Context, repo storage.Repo) error
	SetArchived(ctx context.Context, repoID int64, archived bool) error
	DeleteRepo(ctx context.Context, repoID int64) error
	DeleteOrphanRepos(ctx context.Context) ([]storage.Repo, error)
	ChatsWithGitHubUsername(ctx context.Context) ([]storage.Chat, error)
	SubscribeRepo(ctx context.Context, chatID int64, repo storage.Repo, limit int) (bool, error)
}

// Ledger tells whether a repository was ever seen.
type Ledger interface {
	HasEntries(ctx context.Context, repoID int64) (bool, error)
}

// Detector turns remote state into events.
type Detector interface {
	Detect(ctx context.Context, repoID int64, st *release.State) (primary, pre *release.Event, err error)
}

// Dispatcher delivers messages to a repository's subscribers.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *release.Event, repo storage.Repo) (notifier.Result, error)
	Broadcast(ctx context.Context, repo storage.Repo, msg telegram.Message) (notifier.Result, error)
}

// Options configures a Poller.
type Options struct {
	Concurrency     int
	RepoTimeout     time.Duration
	MaxReposPerChat int
	// PrimeNewRepos records a newly watched repository's current release
	// without announcing it.
	PrimeNewRepos   bool
	Metrics         *metrics.Metrics
}

// Poller periodically checks watched repositories for new releases.
type Poller struct {
	provider Provider
	store    Store
	ledger   Ledger
	detector Detector
	notifier Dispatcher

	concurrency int
	repoTimeout time.Duration
	maxRepos    int
	primeNew    bool
	metrics     *metrics.Metrics

	// mu serialises everything that writes the ledger or the repo set.
	mu sync.Mutex
}

// New creates a new repository poller.
func New(provider Provider, store Store, ledger Ledger, detector Detector, notifier Dispatcher, opts Options) *Poller {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	timeout := opts.RepoTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Poller{
		provider:    provider,
		store:       store,
		ledger:      ledger,
		detector:    detector,
		notifier:    notifier,
		concurrency: concurrency,
		repoTimeout: timeout,
		maxRepos:    opts.MaxReposPerChat,
		primeNew:    opts.PrimeNewRepos,
		metrics:     opts.Metrics,
	}
}

// RunCycle polls every watched repository once. It returns ErrCycleRunning
// without doing anything if a cycle is already in progress. A failure on one
// repository never stops the others.
func (p *Poller) RunCycle(ctx context.Context) error {
	if !p.mu.TryLock() {
		p.metrics.CycleSkipped()
		logger.Warn().Msg("Previous poll cycle still running, skipping")
		return ErrCycleRunning
	}
	defer p.mu.Unlock()

	start := time.Now()
	repos, err := p.store.ListRepos(ctx)
	if err != nil {
		return fmt.Errorf("list repos: %w", err)
	}

	logger.Info().Int("repos", len(repos)).Msg("Poll cycle started")

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, repo := range repos {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			p.pollRepo(ctx, repo)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		p.metrics.CycleCanceled()
		logger.Warn().Err(err).Msg("Poll cycle interrupted")
		return err
	}

	p.metrics.CycleCompleted(time.Since(start))
	logger.Info().
		Int("repos", len(repos)).
		Dur("duration", time.Since(start)).
		Msg("Poll cycle finished")
	return nil
}

// PollRepo polls a single repository right away, waiting for a running cycle to
// finish first. Repositories nobody watches are ignored.
func (p *Poller) PollRepo(ctx context.Context, repoID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	repo, err := p.store.GetRepo(ctx, repoID)
	if err != nil {
		return fmt.Errorf("load repo %d: %w", repoID, err)
	}
	if repo == nil {
		logger.Debug().Int64("repo_id", repoID).Msg("Ignoring poll request for unwatched repository")
		return nil
	}
	return p.pollRepo(ctx, *repo)
}

// Prime records a newly watched repository's current releases without notifying
// anyone, so subscribers only hear about what comes next. Repositories that
// already have ledger entries are left alone.
func (p *Poller) Prime(ctx context.Context, repoID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.prime(ctx, repoID)
}

func (p *Poller) prime(ctx context.Context, repoID int64) error {
	seen, err := p.ledger.HasEntries(ctx, repoID)
	if err != nil || seen {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.repoTimeout)
	defer cancel()

	st, err := p.provider.RepoState(fetchCtx, repoID)
	if err != nil {
		return fmt.Errorf("prime repo %d: %w", repoID, err)
	}
	if _, _, err := p.detector.Detect(ctx, repoID, &st.State); err != nil {
		return fmt.Errorf("prime repo %d: %w", repoID, err)
	}
	return nil
}

// pollRepo runs one repository through detection and dispatch.
func (p *Poller) pollRepo(ctx context.Context, repo storage.Repo) error {
	fetchCtx, cancel := context.WithTimeout(ctx, p.repoTimeout)
	st, err := p.provider.RepoState(fetchCtx, repo.ID)
	cancel()

	switch {
	case errors.Is(err, github.ErrRepoNotFound):
		return p.removeDeleted(ctx, repo)
	case err != nil:
		p.metrics.RepoPolled(metrics.ResultError)
		event := logger.Warn().Err(err).Str("repo", repo.FullName)
		if github.IsRateLimited(err) {
			event.Msg("GitHub rate limit hit, skipping repository")
		} else {
			event.Msg("Failed to fetch repository, skipping")
		}
		return err
	}

	repo = p.refreshMetadata(ctx, repo, st.Info)

	if st.Archived != repo.Archived {
		if err := p.store.SetArchived(ctx, repo.ID, st.Archived); err != nil {
			p.metrics.RepoPolled(metrics.ResultError)
			return fmt.Errorf("persist archived flag of %s: %w", repo.FullName, err)
		}
		if st.Archived {
			logger.Info().Str("repo", repo.FullName).Msg("Repository archived")
			p.metrics.RepoPolled(metrics.ResultArchived)
			if _, err := p.notifier.Broadcast(ctx, repo, telegram.FormatArchived(repo)); err != nil {
				logger.Error().Err(err).Str("repo", repo.FullName).Msg("Failed to send archive notice")
			}
		} else {
			logger.Info().Str("repo", repo.FullName).Msg("Repository unarchived")
		}
		repo.Archived = st.Archived
	}

	primary, pre, err := p.detector.Detect(ctx, repo.ID, &st.State)
	if err != nil {
		p.metrics.RepoPolled(metrics.ResultError)
		logger.Error().Err(err).Str("repo", repo.FullName).Msg("Release detection failed")
		return err
	}

	for _, ev := range []*release.Event{primary, pre} {
		if ev == nil {
			continue
		}
		p.metrics.EventDetected(ev.Kind.String())
		logger.Info().
			Str("repo", repo.FullName).
			Str("kind", ev.Kind.String()).
			Str("tag", eventTag(ev)).
			Bool("updated", ev.Updated).
			Msg("New release detected")

		if _, err := p.notifier.Dispatch(ctx, ev, repo); err != nil {
			logger.Error().Err(err).Str("repo", repo.FullName).Msg("Failed to dispatch release")
		}
	}

	p.metrics.RepoPolled(metrics.ResultOK)
	return nil
}

// removeDeleted tells subscribers a repository vanished, then forgets it.
func (p *Poller) removeDeleted(ctx context.Context, repo storage.Repo) error {
	logger.Info().Str("repo", repo.FullName).Msg("Repository deleted upstream")
	p.metrics.RepoPolled(metrics.ResultDeleted)

	if _, err := p.notifier.Broadcast(ctx, repo, telegram.FormatDeleted(repo)); err != nil {
		logger.Error().Err(err).Str("repo", repo.FullName).Msg("Failed to send deletion notice")
	}
	if err := p.store.DeleteRepo(ctx, repo.ID); err != nil {
		return fmt.Errorf("delete repo %s: %w", repo.FullName, err)
	}
	return nil
}

// refreshMetadata follows renames and description changes.
func (p *Poller) refreshMetadata(ctx context.Context, repo storage.Repo, info github.RepoInfo) storage.Repo {
	if info.FullName == "" {
		return repo
	}
	if info.FullName == repo.FullName && info.URL == repo.Link && info.Description == repo.Description {
		return repo
	}

	updated := repo
	updated.FullName = info.FullName
	updated.Link = info.URL
	updated.Description = info.Description
	if err := p.store.UpsertRepo(ctx, updated); err != nil {
		logger.Warn().Err(err).Str("repo", repo.FullName).Msg("Failed to refresh repository metadata")
		return repo
	}
	if updated.FullName != repo.FullName {
		logger.Info().Str("from", repo.FullName).Str("to", updated.FullName).Msg("Repository renamed")
	}
	return updated
}

// CleanupOrphans deletes repositories nobody is subscribed to anymore.
func (p *Poller) CleanupOrphans(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed, err := p.store.DeleteOrphanRepos(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete orphan repos: %w", err)
	}
	for _, repo := range removed {
		logger.Debug().Str("repo", repo.FullName).Msg("Removed orphan repository")
	}
	p.metrics.OrphansRemoved(len(removed))
	logger.Info().Int("removed", len(removed)).Msg("Orphan cleanup finished")
	return len(removed), nil
}

// SyncFollowed subscribes every chat that follows a GitHub account to the
// repositories that account starred since the last sync.
func (p *Poller) SyncFollowed(ctx context.Context) error {
	chats, err := p.store.ChatsWithGitHubUsername(ctx)
	if err != nil {
		return fmt.Errorf("list followers: %w", err)
	}

	for _, chat := range chats {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		username := chat.GitHubUsername.String
		added, err := p.SyncChat(ctx, chat.ID, username)
		switch {
		case errors.Is(err, github.ErrUserNotFound):
			logger.Warn().Int64("chat_id", chat.ID).Str("user", username).Msg("Followed GitHub user no longer exists")
		case errors.Is(err, storage.ErrTooManyRepos):
			logger.Debug().Int64("chat_id", chat.ID).Msg("Chat reached its repository limit")
		case err != nil:
			logger.Error().Err(err).Int64("chat_id", chat.ID).Str("user", username).Msg("Failed to sync starred repositories")
		}
		if added > 0 {
			logger.Info().Int64("chat_id", chat.ID).Str("user", username).Int("added", added).Msg("Subscribed to starred repositories")
		}
	}
	return nil
}

// SyncChat subscribes one chat to everything username starred. It returns how
// many subscriptions were added, even when it stops early with an error. New
// repositories are primed only when PrimeNewRepos is set.
func (p *Poller) SyncChat(ctx context.Context, chatID int64, username string) (int, error) {
	starred, err := p.provider.StarredRepos(ctx, username)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, info := range starred {
		repo := storage.Repo{
			ID:          info.ID,
			FullName:    info.FullName,
			Description: info.Description,
			Link:        info.URL,
			Archived:    info.Archived,
		}
		ok, err := p.store.SubscribeRepo(ctx, chatID, repo, p.maxRepos)
		if err != nil {
			return added, err
		}
		if !ok {
			continue
		}
		added++
		if !p.primeNew {
			continue
		}
		if err := p.Prime(ctx, repo.ID); err != nil {
			logger.Warn().Err(err).Str("repo", repo.FullName).Msg("Failed to prime repository")
		}
	}
	return added, nil
}

func eventTag(ev *release.Event) string {
	if ev.Tag != nil {
		return ev.Tag.Name
	}
	if ev.Release != nil {
		return ev.Release.TagName
	}
	return ""
}
