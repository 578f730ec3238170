package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	gogithub "github.com/google/go-github/v57/github"

	"github.com/user/releasebot/internal/github"
	"github.com/user/releasebot/internal/registry"
	"github.com/user/releasebot/internal/storage"
	"github.com/user/releasebot/pkg/logger"
)

// Sender delivers a message to one chat.
type Sender interface {
	Send(ctx context.Context, out Outgoing) error
}

// RepoLookup resolves repositories and accounts on GitHub.
type RepoLookup interface {
	RepoByName(ctx context.Context, owner, repo string) (*github.RepoInfo, error)
	UserLogin(ctx context.Context, username string) (string, error)
	GetRateLimit(ctx context.Context) (*gogithub.RateLimits, error)
}

// FollowSyncer subscribes a chat to every repository its followed account starred.
type FollowSyncer interface {
	SyncChat(ctx context.Context, chatID int64, username string) (int, error)
}

// Primer records a newly watched repository's current releases silently.
type Primer interface {
	Prime(ctx context.Context, repoID int64) error
}

// VersionReader returns the last notified version of a repository.
type VersionReader interface {
	LatestTag(ctx context.Context, repoID int64) (string, error)
}

// PackageResolver maps a PyPI or npm package to its GitHub repository.
type PackageResolver interface {
	Resolve(ctx context.Context, eco registry.Ecosystem, name string) (owner, repo string, err error)
}

// FileFetcher downloads files users upload to the chat.
type FileFetcher interface {
	DownloadFile(ctx context.Context, fileID string, limit int64) ([]byte, error)
}

const (
	lookupTimeout = 10 * time.Second

	// MaxUploadSize caps dependency files sent for bulk subscription.
	MaxUploadSize = 10 * 1024
)

var errLookupUnavailable = errors.New("github lookups unavailable")

// Handlers manages command handling for the bot.
type Handlers struct {
	sender    Sender
	store     *storage.SubscriptionStore
	ghClient  RepoLookup
	syncer    FollowSyncer
	primer    Primer
	versions  VersionReader
	packages  PackageResolver
	files     FileFetcher
	maxRepos  int
	startTime time.Time
}

// NewHandlers creates a new handlers instance.
func NewHandlers(sender Sender, store *storage.SubscriptionStore, maxRepos int) *Handlers {
	return &Handlers{
		sender:    sender,
		store:     store,
		maxRepos:  maxRepos,
		startTime: time.Now(),
	}
}

// SetGitHubClient sets the GitHub client for repository validation.
func (h *Handlers) SetGitHubClient(client RepoLookup) {
	h.ghClient = client
}

// SetFollowSyncer sets what /starred uses to subscribe a chat right away.
func (h *Handlers) SetFollowSyncer(s FollowSyncer) {
	h.syncer = s
}

// SetPrimer sets what seeds the ledger for repositories nobody watched before.
func (h *Handlers) SetPrimer(p Primer) {
	h.primer = p
}

// SetVersionReader lets /list show the last notified version of each repository.
func (h *Handlers) SetVersionReader(v VersionReader) {
	h.versions = v
}

// SetPackageResolver enables PyPI and npm links and dependency file uploads.
func (h *Handlers) SetPackageResolver(r PackageResolver) {
	h.packages = r
}

// SetFileFetcher sets what downloads uploaded dependency files.
func (h *Handlers) SetFileFetcher(f FileFetcher) {
	h.files = f
}

// SetStartTime sets the bot start time for uptime calculation.
func (h *Handlers) SetStartTime(t time.Time) {
	h.startTime = t
}

// HandleUpdate routes an incoming update.
func (h *Handlers) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message != nil {
		h.HandleMessage(ctx, update.Message)
	}
}

// HandleMessage handles commands and bare repository references.
func (h *Handlers) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	lang := ""
	if msg.From != nil {
		lang = msg.From.LanguageCode
	}
	if _, err := h.store.EnsureChat(ctx, chatID, lang); err != nil {
		logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to track chat")
		return
	}

	if msg.Document != nil {
		h.handleDocument(ctx, chatID, msg.Document)
		return
	}

	if !msg.IsCommand() {
		// "owner/repo", a GitHub URL or a package page on its own subscribes.
		if _, _, ok := registry.ParsePackageLink(msg.Text); ok {
			h.handleSubscribe(ctx, chatID, msg.Text)
		} else if _, _, err := parseRepoArg(msg.Text); err == nil {
			h.handleSubscribe(ctx, chatID, msg.Text)
		}
		return
	}

	command := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())

	logger.Debug().
		Str("command", command).
		Str("args", args).
		Int64("chat_id", chatID).
		Msg("Received command")

	switch command {
	case "start":
		h.reply(ctx, chatID, startText)
	case "help":
		h.reply(ctx, chatID, helpText)
	case "subscribe", "sub":
		h.handleSubscribe(ctx, chatID, args)
	case "unsubscribe", "unsub":
		h.handleUnsubscribe(ctx, chatID, args)
	case "list":
		h.handleList(ctx, chatID)
	case "format":
		h.handleFormat(ctx, chatID, args)
	case "prereleases":
		h.handlePreReleases(ctx, chatID, args)
	case "starred":
		h.handleStarred(ctx, chatID, args)
	case "stats":
		h.handleStats(ctx, chatID)
	default:
		h.reply(ctx, chatID, "Unknown command. Use /help to see what I can do.")
	}
}

const startText = `<b>Hi! I watch GitHub repositories for new releases.</b>

Send me <code>owner/repo</code>, a GitHub link or a PyPI/npm package link and I will message you whenever it publishes a release, a pre-release or, for repositories without releases, a new tag.

You can also upload a <code>requirements.txt</code> or <code>package.json</code> to watch all of its dependencies.

Use /help to see all commands.`

const helpText = `<b>Commands</b>

/subscribe <code>owner/repo|link</code> - watch a repository, GitHub, PyPI and npm links work too
/unsubscribe <code>owner/repo</code> - stop watching
/list - repositories you watch
/format <code>quote|pre|markdown</code> - release note style
/prereleases <code>owner/repo on|off</code> - pre-release notifications
/starred <code>username|off</code> - follow everything a GitHub account stars
/stats - bot statistics

Upload <code>requirements.txt</code> or <code>package.json</code> to watch every dependency.`

func (h *Handlers) handleSubscribe(ctx context.Context, chatID int64, args string) {
	if args == "" {
		h.reply(ctx, chatID, "Please specify a repository: <code>/subscribe owner/repo</code>")
		return
	}

	if eco, pkg, ok := registry.ParsePackageLink(args); ok {
		h.subscribePackage(ctx, chatID, eco, pkg)
		return
	}

	owner, name, err := parseRepoArg(args)
	if err != nil {
		h.reply(ctx, chatID, "Invalid repository, use <code>owner/repo</code>")
		return
	}
	h.subscribeAndReply(ctx, chatID, owner, name)
}

func (h *Handlers) subscribePackage(ctx context.Context, chatID int64, eco registry.Ecosystem, pkg string) {
	if h.packages == nil {
		h.reply(ctx, chatID, "Package links are not supported right now.")
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	owner, name, err := h.packages.Resolve(lookupCtx, eco, pkg)
	switch {
	case errors.Is(err, registry.ErrPackageNotFound):
		h.reply(ctx, chatID, fmt.Sprintf("Package <code>%s</code> does not exist on %s.", escapeHTML(pkg), eco))
		return
	case errors.Is(err, registry.ErrNoGitHubLink):
		h.reply(ctx, chatID, fmt.Sprintf("Package <code>%s</code> has no link to a GitHub repository.", escapeHTML(pkg)))
		return
	case err != nil:
		logger.Error().Err(err).Str("package", pkg).Str("registry", eco.String()).Msg("Failed to resolve package")
		h.reply(ctx, chatID, fmt.Sprintf("%s did not answer, please try again later.", eco))
		return
	}
	h.subscribeAndReply(ctx, chatID, owner, name)
}

func (h *Handlers) subscribeAndReply(ctx context.Context, chatID int64, owner, name string) {
	repo, added, err := h.subscribe(ctx, chatID, owner, name)
	switch {
	case errors.Is(err, errLookupUnavailable):
		h.reply(ctx, chatID, "GitHub lookups are not available right now.")
	case errors.Is(err, github.ErrRepoNotFound):
		h.reply(ctx, chatID, fmt.Sprintf("Repository <code>%s/%s</code> does not exist or is private.", escapeHTML(owner), escapeHTML(name)))
	case errors.Is(err, storage.ErrTooManyRepos):
		h.reply(ctx, chatID, fmt.Sprintf("You already watch %d repositories, the maximum.", h.maxRepos))
	case err != nil:
		logger.Error().Err(err).Str("repo", owner+"/"+name).Msg("Failed to subscribe")
		h.reply(ctx, chatID, "Subscription failed, please try again later.")
	case !added:
		h.reply(ctx, chatID, fmt.Sprintf("You already watch %s.", repoLink(repo)))
	default:
		h.reply(ctx, chatID, fmt.Sprintf("Now watching %s.", repoLink(repo)))
	}
}

// subscribe looks a repository up on GitHub and links it to the chat. It
// reports false when the chat already watched it.
func (h *Handlers) subscribe(ctx context.Context, chatID int64, owner, name string) (storage.Repo, bool, error) {
	if h.ghClient == nil {
		return storage.Repo{}, false, errLookupUnavailable
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	info, err := h.ghClient.RepoByName(lookupCtx, owner, name)
	if err != nil {
		return storage.Repo{}, false, err
	}

	repo := storage.Repo{
		ID:          info.ID,
		FullName:    info.FullName,
		Description: info.Description,
		Link:        info.URL,
		Archived:    info.Archived,
	}
	added, err := h.store.SubscribeRepo(ctx, chatID, repo, h.maxRepos)
	if err != nil || !added {
		return repo, false, err
	}

	if h.primer != nil {
		if err := h.primer.Prime(ctx, repo.ID); err != nil {
			logger.Warn().Err(err).Str("repo", repo.FullName).Msg("Failed to prime repository")
		}
	}
	return repo, true, nil
}

// handleDocument subscribes the chat to the GitHub repository of every
// dependency listed in an uploaded requirements.txt or package.json.
func (h *Handlers) handleDocument(ctx context.Context, chatID int64, doc *tgbotapi.Document) {
	eco, ok := registry.ManifestEcosystem(doc.FileName)
	if !ok {
		h.reply(ctx, chatID, "I only understand <code>requirements.txt</code> and <code>package.json</code> files.")
		return
	}
	if doc.FileSize > MaxUploadSize {
		h.reply(ctx, chatID, fmt.Sprintf("This file is too big, the limit is %d KB.", MaxUploadSize/1024))
		return
	}
	if h.files == nil || h.packages == nil {
		h.reply(ctx, chatID, "File uploads are not supported right now.")
		return
	}

	data, err := h.files.DownloadFile(ctx, doc.FileID, MaxUploadSize)
	switch {
	case errors.Is(err, ErrFileTooLarge):
		h.reply(ctx, chatID, fmt.Sprintf("This file is too big, the limit is %d KB.", MaxUploadSize/1024))
		return
	case err != nil:
		logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to download dependency file")
		h.reply(ctx, chatID, "Could not download the file, please try again later.")
		return
	}

	names, err := registry.ParseManifest(eco, data)
	if err != nil {
		h.reply(ctx, chatID, fmt.Sprintf("Could not read <code>%s</code>.", escapeHTML(doc.FileName)))
		return
	}

	var added, already, unresolved int
	limitReached := false
	for _, pkg := range names {
		if ctx.Err() != nil {
			return
		}

		lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
		owner, name, err := h.packages.Resolve(lookupCtx, eco, pkg)
		cancel()
		if err != nil {
			logger.Debug().Err(err).Str("package", pkg).Msg("No GitHub repository for dependency")
			unresolved++
			continue
		}

		_, ok, err := h.subscribe(ctx, chatID, owner, name)
		if errors.Is(err, storage.ErrTooManyRepos) {
			limitReached = true
			break
		}
		switch {
		case err != nil:
			logger.Debug().Err(err).Str("repo", owner+"/"+name).Msg("Failed to subscribe to dependency")
			unresolved++
		case ok:
			added++
		default:
			already++
		}
	}

	text := fmt.Sprintf("Checked %d %s packages: %d new repositories, %d already watched, %d without a GitHub repository.",
		len(names), eco, added, already, unresolved)
	if limitReached {
		text += fmt.Sprintf(" Stopped at the limit of %d.", h.maxRepos)
	}
	h.reply(ctx, chatID, text)
}

func (h *Handlers) handleUnsubscribe(ctx context.Context, chatID int64, args string) {
	repo, ok := h.findRepo(ctx, chatID, args, "/unsubscribe owner/repo")
	if !ok {
		return
	}

	err := h.store.Unsubscribe(ctx, chatID, repo.ID)
	switch {
	case errors.Is(err, storage.ErrSubscriptionNotFound):
		h.reply(ctx, chatID, fmt.Sprintf("You do not watch %s.", repoLink(*repo)))
	case err != nil:
		logger.Error().Err(err).Str("repo", repo.FullName).Msg("Failed to unsubscribe")
		h.reply(ctx, chatID, "Unsubscribe failed, please try again later.")
	default:
		h.reply(ctx, chatID, fmt.Sprintf("Stopped watching %s.", repoLink(*repo)))
	}
}

func (h *Handlers) handleList(ctx context.Context, chatID int64) {
	repos, err := h.store.ReposByChat(ctx, chatID)
	if err != nil {
		logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to list subscriptions")
		h.reply(ctx, chatID, "Could not load your subscriptions.")
		return
	}

	if len(repos) == 0 {
		h.reply(ctx, chatID, "You do not watch any repository yet. Send me <code>owner/repo</code> to start.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Watching %d repositories</b>\n\n", len(repos))
	for i, repo := range repos {
		fmt.Fprintf(&b, "%d. %s", i+1, repoLink(repo))
		if h.versions != nil {
			if tag, err := h.versions.LatestTag(ctx, repo.ID); err == nil && tag != "" {
				fmt.Fprintf(&b, " <code>%s</code>", escapeHTML(tag))
			}
		}
		if repo.Archived {
			b.WriteString(" <i>archived</i>")
		}
		b.WriteString("\n")
	}
	h.reply(ctx, chatID, b.String())
}

func (h *Handlers) handleFormat(ctx context.Context, chatID int64, args string) {
	if args == "" {
		chat, err := h.store.GetChat(ctx, chatID)
		if err != nil || chat == nil {
			h.reply(ctx, chatID, "Could not load your settings.")
			return
		}
		current := ParseFormat(chat.ReleaseNoteFormat.String)
		h.reply(ctx, chatID, fmt.Sprintf("Release notes are shown as <b>%s</b>. Use <code>/format quote|pre|markdown</code> to change.", current))
		return
	}

	arg := strings.ToLower(args)
	if arg != "quote" && arg != "pre" && arg != "markdown" {
		h.reply(ctx, chatID, "Unknown format, use <code>quote</code>, <code>pre</code> or <code>markdown</code>.")
		return
	}

	stored := arg
	if ParseFormat(arg) == FormatMarkdown {
		stored = ""
	}
	if err := h.store.SetReleaseNoteFormat(ctx, chatID, stored); err != nil {
		logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to set format")
		h.reply(ctx, chatID, "Could not save your settings.")
		return
	}
	h.reply(ctx, chatID, fmt.Sprintf("Release notes will be shown as <b>%s</b>.", arg))
}

func (h *Handlers) handlePreReleases(ctx context.Context, chatID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
		h.reply(ctx, chatID, "Usage: <code>/prereleases owner/repo on|off</code>")
		return
	}

	repo, ok := h.findRepo(ctx, chatID, fields[0], "/prereleases owner/repo on|off")
	if !ok {
		return
	}

	enabled := fields[1] == "on"
	err := h.store.SetProcessPreReleases(ctx, chatID, repo.ID, enabled)
	switch {
	case errors.Is(err, storage.ErrSubscriptionNotFound):
		h.reply(ctx, chatID, fmt.Sprintf("You do not watch %s.", repoLink(*repo)))
	case err != nil:
		logger.Error().Err(err).Str("repo", repo.FullName).Msg("Failed to toggle pre-releases")
		h.reply(ctx, chatID, "Could not save your settings.")
	case enabled:
		h.reply(ctx, chatID, fmt.Sprintf("Pre-releases of %s will be notified.", repoLink(*repo)))
	default:
		h.reply(ctx, chatID, fmt.Sprintf("Pre-releases of %s will be skipped.", repoLink(*repo)))
	}
}

func (h *Handlers) handleStarred(ctx context.Context, chatID int64, args string) {
	if args == "" {
		h.reply(ctx, chatID, "Usage: <code>/starred username</code> or <code>/starred off</code>")
		return
	}

	if strings.EqualFold(args, "off") {
		if err := h.store.SetGitHubUsername(ctx, chatID, ""); err != nil {
			logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to clear followed account")
			h.reply(ctx, chatID, "Could not save your settings.")
			return
		}
		h.reply(ctx, chatID, "Stopped following starred repositories. Existing subscriptions are kept.")
		return
	}

	if h.ghClient == nil {
		h.reply(ctx, chatID, "GitHub lookups are not available right now.")
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	login, err := h.ghClient.UserLogin(lookupCtx, strings.TrimPrefix(args, "@"))
	if err != nil {
		if errors.Is(err, github.ErrUserNotFound) {
			h.reply(ctx, chatID, fmt.Sprintf("GitHub user <code>%s</code> does not exist.", escapeHTML(args)))
			return
		}
		logger.Error().Err(err).Str("user", args).Msg("Failed to look up user")
		h.reply(ctx, chatID, "GitHub did not answer, please try again later.")
		return
	}

	if err := h.store.SetGitHubUsername(ctx, chatID, login); err != nil {
		logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to set followed account")
		h.reply(ctx, chatID, "Could not save your settings.")
		return
	}

	if h.syncer == nil {
		h.reply(ctx, chatID, fmt.Sprintf("Following stars of <b>%s</b>.", escapeHTML(login)))
		return
	}

	added, err := h.syncer.SyncChat(ctx, chatID, login)
	if err != nil && !errors.Is(err, storage.ErrTooManyRepos) {
		logger.Error().Err(err).Str("user", login).Msg("Failed to sync starred repositories")
		h.reply(ctx, chatID, fmt.Sprintf("Following stars of <b>%s</b>. The first sync failed and will be retried later.", escapeHTML(login)))
		return
	}
	text := fmt.Sprintf("Following stars of <b>%s</b>: %d new repositories.", escapeHTML(login), added)
	if errors.Is(err, storage.ErrTooManyRepos) {
		text += fmt.Sprintf(" Stopped at the limit of %d.", h.maxRepos)
	}
	h.reply(ctx, chatID, text)
}

func (h *Handlers) handleStats(ctx context.Context, chatID int64) {
	st, err := h.store.Stats(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load stats")
		h.reply(ctx, chatID, "Could not load statistics.")
		return
	}

	rateLimitInfo := "unknown"
	if h.ghClient != nil {
		limitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		limits, err := h.ghClient.GetRateLimit(limitCtx)
		if err == nil && limits != nil && limits.Core != nil {
			rateLimitInfo = fmt.Sprintf("%d/%d (resets in %s)",
				limits.Core.Remaining, limits.Core.Limit, formatDuration(time.Until(limits.Core.Reset.Time)))
		}
	}

	text := fmt.Sprintf(`<b>Bot statistics</b>

Uptime: %s
Repositories: %d
Subscriptions: %d
Chats: %d
GitHub API quota: %s`,
		formatDuration(time.Since(h.startTime)), st.Repos, st.Subscriptions, st.Chats, rateLimitInfo)
	h.reply(ctx, chatID, text)
}

// findRepo resolves a stored repository from a user argument, replying on failure.
func (h *Handlers) findRepo(ctx context.Context, chatID int64, arg, usage string) (*storage.Repo, bool) {
	owner, name, err := parseRepoArg(arg)
	if err != nil {
		h.reply(ctx, chatID, fmt.Sprintf("Usage: <code>%s</code>", usage))
		return nil, false
	}

	repo, err := h.store.GetRepoByName(ctx, owner+"/"+name)
	if err != nil {
		logger.Error().Err(err).Str("repo", arg).Msg("Failed to load repository")
		h.reply(ctx, chatID, "Could not load the repository.")
		return nil, false
	}
	if repo == nil {
		h.reply(ctx, chatID, fmt.Sprintf("You do not watch <code>%s/%s</code>.", escapeHTML(owner), escapeHTML(name)))
		return nil, false
	}
	return repo, true
}

func (h *Handlers) reply(ctx context.Context, chatID int64, text string) {
	out := Outgoing{ChatID: chatID, Message: Message{Text: text, ParseMode: tgbotapi.ModeHTML}}
	if err := h.sender.Send(ctx, out); err != nil {
		logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send reply")
	}
}

func repoLink(repo storage.Repo) string {
	return fmt.Sprintf("<a href=\"%s\">%s</a>", repo.Link, escapeHTML(repo.FullName))
}

// formatDuration formats a duration to a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// parseRepoArg parses "owner/repo" or a github.com URL.
func parseRepoArg(arg string) (owner, repo string, err error) {
	arg = strings.TrimSpace(arg)
	if strings.Contains(arg, "github.com") {
		if !strings.Contains(arg, "://") {
			arg = "https://" + arg
		}
		u, err := url.Parse(arg)
		if err != nil || !strings.EqualFold(strings.TrimPrefix(u.Host, "www."), "github.com") {
			return "", "", fmt.Errorf("invalid url")
		}
		arg = strings.Trim(u.Path, "/")
		if parts := strings.SplitN(arg, "/", 3); len(parts) >= 2 {
			arg = parts[0] + "/" + strings.TrimSuffix(parts[1], ".git")
		}
	}

	parts := strings.Split(arg, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid format")
	}

	owner = strings.TrimSpace(parts[0])
	repo = strings.TrimSpace(parts[1])

	if owner == "" || repo == "" || strings.ContainsAny(owner+repo, " \t\n") {
		return "", "", fmt.Errorf("empty owner or repo")
	}

	return owner, repo, nil
}
