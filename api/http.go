package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pullmend/pullmend/evidence"
	"github.com/pullmend/pullmend/internal/observability"
	"github.com/pullmend/pullmend/remediation"
)

// NewHTTPHandler wires the control-loop endpoints plus health and metrics.
// The webhook handler is optional; pass nil to disable event intake.
func NewHTTPHandler(service *remediation.Service, webhook *WebhookHandler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("api.http")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if webhook != nil {
		mux.Handle("/webhooks/github", webhook)
	}

	mux.HandleFunc("/api/v1/remediation/triage", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req TriageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := validateTarget(req.Owner, req.Repo, req.PRNumber); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		corr := correlation(req.CorrelationID)
		report, err := service.Triage(r.Context(), remediation.TriageInput{
			Owner:         req.Owner,
			Repo:          req.Repo,
			PRNumber:      req.PRNumber,
			WorkflowRunID: req.WorkflowRunID,
			MaxLogBytes:   req.MaxLogBytes,
			MaxSteps:      req.MaxSteps,
		}, corr)
		if err != nil {
			writeServiceError(w, logger, "triage_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, TriageResponse{Envelope: envelope(service, corr), Report: report})
	})

	mux.HandleFunc("/api/v1/remediation/stop-check", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req StopCheckRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := validateTarget(req.Owner, req.Repo, req.PRNumber); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		corr := correlation(req.CorrelationID)
		decision, err := service.StopCheck(r.Context(), req.Owner, req.Repo, req.PRNumber, req.FailureClass, corr)
		if err != nil {
			writeServiceError(w, logger, "stop_check_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, StopCheckResponse{Envelope: envelope(service, corr), Decision: decision})
	})

	mux.HandleFunc("/api/v1/remediation/rerun", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req RerunRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := validateTarget(req.Owner, req.Repo, req.PRNumber); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		corr := correlation(req.CorrelationID)
		result, decision, err := service.Rerun(r.Context(), remediation.RerunInput{
			Owner:       req.Owner,
			Repo:        req.Repo,
			PRNumber:    req.PRNumber,
			RunID:       req.RunID,
			Mode:        req.Mode,
			MaxAttempts: req.MaxAttempts,
		}, req.FailureClass, req.Actor, corr)
		if err != nil {
			writeServiceError(w, logger, "rerun_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, RerunResponse{Envelope: envelope(service, corr), Result: result, StopDecision: decision})
	})

	mux.HandleFunc("/api/v1/remediation/wait", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req WaitRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := validateTarget(req.Owner, req.Repo, req.PRNumber); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		corr := correlation(req.CorrelationID)
		rollup, err := service.Wait(r.Context(), remediation.WaitInput{
			Owner:          req.Owner,
			Repo:           req.Repo,
			PRNumber:       req.PRNumber,
			Reviewers:      req.Reviewers,
			MaxWaitSeconds: req.MaxWaitSeconds,
			PollSeconds:    req.PollSeconds,
		}, corr)
		if err != nil {
			writeServiceError(w, logger, "wait_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, WaitResponse{Envelope: envelope(service, corr), Rollup: rollup})
	})

	mux.HandleFunc("/api/v1/remediation/merge", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req MergeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := validateTarget(req.Owner, req.Repo, req.PRNumber); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		corr := correlation(req.CorrelationID)
		outcome, err := service.Merge(r.Context(), remediation.MergeInput{
			Owner:         req.Owner,
			Repo:          req.Repo,
			PRNumber:      req.PRNumber,
			ApprovalToken: req.ApprovalToken,
			Actor:         req.Actor,
			CorrelationID: corr,
		})
		if err != nil {
			writeServiceError(w, logger, "merge_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, MergeResponse{Envelope: envelope(service, corr), Outcome: outcome})
	})

	return mux
}

func validateTarget(owner, repo string, prNumber int) error {
	if owner == "" || repo == "" || prNumber <= 0 {
		return errors.New("owner, repo, and pr_number required")
	}
	return nil
}

func envelope(service *remediation.Service, correlationID string) Envelope {
	return Envelope{
		LawbookHash:   service.LawbookHash(),
		Environment:   service.Environment(),
		CorrelationID: correlationID,
	}
}

func correlation(supplied string) string {
	if supplied != "" {
		return supplied
	}
	return remediation.NewCorrelationID()
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeServiceError maps evidence errors onto HTTP statuses: not-found and
// access-denied are distinct caller-facing outcomes, everything else is a 500.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, event string, err error) {
	switch {
	case evidence.IsNotFound(err):
		writeError(w, http.StatusNotFound, err)
	case evidence.IsAccessDenied(err):
		writeError(w, http.StatusForbidden, err)
	default:
		logger.Error("request failed", "event", event, "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}
