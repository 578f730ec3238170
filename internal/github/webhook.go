package github

import (
	"net/http"

	"github.com/google/go-github/v57/github"

	"github.com/user/releasebot/pkg/logger"
)

// PollRequest asks the poller to check one repository right away.
type PollRequest struct {
	RepoID   int64
	FullName string
	Event    string // release, repository, create
}

// WebhookHandler turns GitHub webhook deliveries into poll requests.
// Payloads are never trusted for release data; they only say which repository to poll.
type WebhookHandler struct {
	secret   []byte
	requests chan<- PollRequest
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(secret string, requests chan<- PollRequest) *WebhookHandler {
	return &WebhookHandler{
		secret:   []byte(secret),
		requests: requests,
	}
}

// ServeHTTP handles incoming webhook requests.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Signature is checked only when a secret is configured.
	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid webhook payload")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := github.WebHookType(r)
	if eventType == "" {
		http.Error(w, "Missing event type", http.StatusBadRequest)
		return
	}

	req, ok, err := parseEvent(eventType, payload)
	if err != nil {
		logger.Error().Err(err).Str("event_type", eventType).Msg("Failed to parse event")
		http.Error(w, "Failed to parse event", http.StatusBadRequest)
		return
	}

	if ok {
		select {
		case h.requests <- req:
			logger.Info().
				Str("type", req.Event).
				Str("repo", req.FullName).
				Msg("Webhook event received")
		default:
			logger.Warn().Str("repo", req.FullName).Msg("Poll queue full, dropping event")
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// parseEvent reports which repository a delivery concerns, if any.
func parseEvent(eventType string, payload []byte) (PollRequest, bool, error) {
	switch eventType {
	case "release", "repository", "create":
	default:
		logger.Debug().Str("event_type", eventType).Msg("Ignoring unsupported event type")
		return PollRequest{}, false, nil
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return PollRequest{}, false, err
	}

	var repo *github.Repository
	switch e := event.(type) {
	case *github.ReleaseEvent:
		if e.GetAction() == "deleted" {
			return PollRequest{}, false, nil
		}
		repo = e.GetRepo()
	case *github.RepositoryEvent:
		switch e.GetAction() {
		case "archived", "unarchived", "deleted", "renamed":
			repo = e.GetRepo()
		default:
			return PollRequest{}, false, nil
		}
	case *github.CreateEvent:
		if e.GetRefType() != "tag" {
			return PollRequest{}, false, nil
		}
		repo = e.GetRepo()
	}

	if repo.GetID() == 0 {
		return PollRequest{}, false, nil
	}
	return PollRequest{RepoID: repo.GetID(), FullName: repo.GetFullName(), Event: eventType}, true, nil
}
