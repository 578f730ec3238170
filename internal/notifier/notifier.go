// Package notifier fans detected release events out to subscribed chats.
package notifier

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/user/releasebot/internal/metrics"
	"github.com/user/releasebot/internal/release"
	"github.com/user/releasebot/internal/storage"
	"github.com/user/releasebot/internal/telegram"
	"github.com/user/releasebot/pkg/logger"
)

// Messenger delivers one message to one chat.
type Messenger interface {
	Send(ctx context.Context, out telegram.Outgoing) error
}

// Store is the subscription data the notifier reads and prunes.
type Store interface {
	Subscribers(ctx context.Context, repoID int64) ([]storage.Subscriber, error)
	DeleteChat(ctx context.Context, chatID int64) error
}

// Options configures a Notifier.
type Options struct {
	Workers    int
	RatePerSec int
	Metrics    *metrics.Metrics
}

// Result counts the outcome of one fan-out.
type Result struct {
	Sent    int
	Failed  int
	Removed int
}

// Notifier sends notifications to Telegram chats.
type Notifier struct {
	messenger Messenger
	store     Store
	workers   int
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
}

// NewNotifier creates a new notifier instance.
func NewNotifier(messenger Messenger, store Store, opts Options) *Notifier {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}
	return &Notifier{
		messenger: messenger,
		store:     store,
		workers:   workers,
		limiter:   limiter,
		metrics:   opts.Metrics,
	}
}

// Dispatch sends a detected event to every subscriber of repo, rendered in each
// chat's preferred format. Pre-release events skip subscriptions that opted out.
// It returns once every send has finished.
func (n *Notifier) Dispatch(ctx context.Context, ev *release.Event, repo storage.Repo) (Result, error) {
	return n.fanOut(ctx, repo, func(sub storage.Subscriber) (telegram.Message, bool) {
		if ev.Kind == release.EventPreRelease && !sub.ProcessPreReleases {
			return telegram.Message{}, false
		}
		format := telegram.ParseFormat(sub.ReleaseNoteFormat.String)
		return telegram.FormatEvent(format, repo, ev), true
	})
}

// Broadcast sends the same message to every subscriber of repo.
func (n *Notifier) Broadcast(ctx context.Context, repo storage.Repo, msg telegram.Message) (Result, error) {
	return n.fanOut(ctx, repo, func(storage.Subscriber) (telegram.Message, bool) {
		return msg, true
	})
}

func (n *Notifier) fanOut(ctx context.Context, repo storage.Repo, render func(storage.Subscriber) (telegram.Message, bool)) (Result, error) {
	subs, err := n.store.Subscribers(ctx, repo.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load subscribers of %s: %w", repo.FullName, err)
	}

	var (
		mu          sync.Mutex
		res         Result
		unreachable []int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.workers)

	for _, sub := range subs {
		msg, ok := render(sub)
		if !ok {
			continue
		}
		if gctx.Err() != nil {
			break
		}

		chatID := sub.ID
		g.Go(func() error {
			if err := n.limiter.Wait(gctx); err != nil {
				return err
			}
			err := n.messenger.Send(gctx, telegram.Outgoing{ChatID: chatID, Message: msg})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Sent++
			case telegram.IsUnreachable(err):
				logger.Info().Err(err).Int64("chat_id", chatID).Msg("Chat unreachable, removing it")
				unreachable = append(unreachable, chatID)
			default:
				logger.Error().
					Err(err).
					Int64("chat_id", chatID).
					Str("repo", repo.FullName).
					Msg("Failed to send notification")
				res.Failed++
			}
			return nil
		})
	}
	waitErr := g.Wait()

	// Blocked chats are removed even when the fan-out was interrupted.
	cleanupCtx := context.WithoutCancel(ctx)
	for _, chatID := range unreachable {
		if err := n.store.DeleteChat(cleanupCtx, chatID); err != nil {
			logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to remove unreachable chat")
			res.Failed++
			continue
		}
		res.Removed++
	}

	n.metrics.MessagesSent(res.Sent, res.Failed, res.Removed)
	logger.Debug().
		Str("repo", repo.FullName).
		Int("sent", res.Sent).
		Int("failed", res.Failed).
		Int("removed", res.Removed).
		Msg("Notifications dispatched")

	return res, waitErr
}
