package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pullmend/pullmend/internal/observability"
	vcs "github.com/pullmend/pullmend/internal/vcs/github"
	"github.com/pullmend/pullmend/remediation"
	"github.com/pullmend/pullmend/state"
)

const maxWebhookBody = 1 << 20

// WebhookHandler ingests GitHub webhook deliveries, deduplicates them via
// the trigger table, and kicks an asynchronous triage-and-stop pass for
// failed check suites and submitted reviews.
type WebhookHandler struct {
	secret  string
	store   *state.Store
	service *remediation.Service
	logger  *slog.Logger

	// passTimeout bounds the asynchronous remediation pass.
	passTimeout time.Duration
}

// NewWebhookHandler builds a webhook handler. The secret is required.
func NewWebhookHandler(secret string, store *state.Store, service *remediation.Service, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = observability.NewLogger("api.webhook")
	}
	return &WebhookHandler{
		secret:      secret,
		store:       store,
		service:     service,
		logger:      logger,
		passTimeout: 2 * time.Minute,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = r.Header.Get("X-Hub-Signature")
	}
	valid, err := vcs.VerifySignature(h.secret, body, signature)
	if err != nil || !valid {
		h.logger.Warn("webhook signature rejected", "event", "webhook_signature_rejected", "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	event, actionable, err := vcs.NormalizeEvent(eventType, body)
	if err != nil {
		h.logger.Warn("webhook decode failed", "event", "webhook_decode_failed", "event_type", eventType, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !actionable {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	key, err := vcs.ComputeEventKey(event.RepoID, event.HeadSHA, event.EventType, event.PRNumber)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	created, err := h.store.InsertTrigger(r.Context(), state.Trigger{
		ID:        remediation.NewCorrelationID(),
		EventKey:  key,
		EventType: event.EventType,
		RepoID:    event.RepoID,
		PRNumber:  event.PRNumber,
		HeadSHA:   event.HeadSHA,
	})
	if err != nil {
		h.logger.Error("trigger insert failed", "event", "trigger_insert_failed", "repo_id", event.RepoID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !created {
		// Redelivery of an event we already acted on.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	go h.runPass(event)
	w.WriteHeader(http.StatusAccepted)
}

// runPass executes triage followed by a stop check, detached from the
// delivery request so GitHub gets a fast acknowledgement.
func (h *WebhookHandler) runPass(event vcs.RemediationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), h.passTimeout)
	defer cancel()

	corr := remediation.NewCorrelationID()
	logger := observability.WithCorrelation(h.logger, corr)

	report, err := h.service.Triage(ctx, remediation.TriageInput{
		Owner:         event.RepoOwner,
		Repo:          event.RepoName,
		PRNumber:      event.PRNumber,
		WorkflowRunID: event.WorkflowRunID,
	}, corr)
	if err != nil {
		logger.Error("webhook triage failed",
			"event", "webhook_triage_failed",
			"repo_id", event.RepoID,
			"pr_number", event.PRNumber,
			"error", err,
		)
		return
	}

	decision, err := h.service.StopCheck(ctx, event.RepoOwner, event.RepoName, event.PRNumber, report.FailureClassFor(), corr)
	if err != nil {
		logger.Error("webhook stop check failed",
			"event", "webhook_stop_check_failed",
			"repo_id", event.RepoID,
			"pr_number", event.PRNumber,
			"error", err,
		)
		return
	}

	logger.Info("webhook pass complete",
		"event", "webhook_pass_complete",
		"repo_id", event.RepoID,
		"pr_number", event.PRNumber,
		"overall", report.Summary.Overall,
		"decision", decision.Decision,
	)
}
