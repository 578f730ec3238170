// Package telegram provides Telegram bot functionality.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/releasebot/pkg/logger"
)

// ErrUnreachable means the chat blocked the bot or no longer exists.
var ErrUnreachable = errors.New("chat unreachable")

// IsUnreachable reports whether a send failed because the chat is gone for good.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// ErrFileTooLarge is returned by DownloadFile for files above the size limit.
var ErrFileTooLarge = errors.New("file too large")

// Bot represents the Telegram bot.
type Bot struct {
	api          *tgbotapi.BotAPI
	// fileEndpoint formats the token and file path into a download URL.
	fileEndpoint string
	handlers     *Handlers
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewBot creates a new Telegram bot instance.
func NewBot(token string, debug bool) (*Bot, error) {
	return NewBotWithEndpoint(token, tgbotapi.APIEndpoint, debug)
}

// NewBotWithEndpoint creates a bot talking to a custom Bot API server.
// The endpoint is a format string taking the token and the method name.
func NewBotWithEndpoint(token, endpoint string, debug bool) (*Bot, error) {
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	api.Debug = debug

	logger.Info().Str("username", api.Self.UserName).Msg("Telegram bot authorized")

	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		api:          api,
		fileEndpoint: tgbotapi.FileEndpoint,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// SetHandlers sets the command handlers used by the update loop.
func (b *Bot) SetHandlers(h *Handlers) {
	b.handlers = h
}

// Start begins listening for updates.
func (b *Bot) Start() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if b.handlers != nil {
					b.handlers.HandleUpdate(b.ctx, update)
				}
			}
		}
	}()

	logger.Info().Msg("Telegram bot started, listening for updates")
}

// Stop gracefully stops the bot.
func (b *Bot) Stop() {
	logger.Info().Msg("Stopping Telegram bot")
	b.cancel()
	b.api.StopReceivingUpdates()
	b.wg.Wait()
}

// Send delivers a message. A 429 is retried once after the delay Telegram asks for.
// Errors for chats that blocked the bot or were deleted satisfy IsUnreachable.
func (b *Bot) Send(ctx context.Context, out Outgoing) error {
	msg := tgbotapi.NewMessage(out.ChatID, out.Text)
	msg.ParseMode = out.ParseMode
	// tgbotapi v5.5 cannot pick the previewed URL, only switch previews off.
	msg.DisableWebPagePreview = out.PreviewURL == ""

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := b.api.Send(msg)
		if err == nil {
			return nil
		}

		var apiErr *tgbotapi.Error
		if attempt == 0 && errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			wait := time.Duration(apiErr.RetryAfter) * time.Second
			logger.Warn().
				Int64("chat_id", out.ChatID).
				Dur("retry_after", wait).
				Msg("Telegram flood limit hit, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		return classifySendError(err)
	}
}

// DownloadFile fetches an uploaded file. Files larger than limit bytes are
// rejected with ErrFileTooLarge.
func (b *Bot) DownloadFile(ctx context.Context, fileID string, limit int64) ([]byte, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}
	if int64(file.FileSize) > limit {
		return nil, ErrFileTooLarge
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(b.fileEndpoint, b.api.Token, file.FilePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.api.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file %s: unexpected status %d", fileID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	if int64(len(data)) > limit {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

func classifySendError(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	desc := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Code == 403,
		apiErr.Code == 400 && (strings.Contains(desc, "chat not found") || strings.Contains(desc, "user is deactivated")):
		return fmt.Errorf("%w: %s", ErrUnreachable, apiErr.Message)
	}
	return fmt.Errorf("telegram: %w", err)
}
