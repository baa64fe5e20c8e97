package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fulcrumlabs/stagegate/internal/domain"
	"github.com/fulcrumlabs/stagegate/internal/engine"
	"github.com/fulcrumlabs/stagegate/internal/storage"
)

// Handler exposes the pipeline trigger surface.
type Handler struct {
	engine *engine.Engine
	store  storage.Store
	logger *slog.Logger
}

func NewHandler(eng *engine.Engine, store storage.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: eng, store: store, logger: logger}
}

// Mount attaches the API routes under the given router.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/runs", h.handleStartRun)
	r.Get("/artifacts/{id}", h.handleGetArtifact)
	r.Get("/artifacts/{id}/approvals", h.handleListApprovals)
	r.Get("/artifacts/{id}/events", h.handleListEvents)
	r.Post("/artifacts/{id}/decisions", h.handleRecordDecision)
	r.Post("/artifacts/{id}/reject", h.handleReject)
	r.Post("/artifacts/{id}/retry", h.handleRetry)
	r.Get("/completions/{parentID}", h.handleGetCompletion)
}

type startRunRequest struct {
	Name      string          `json:"name"`
	Content   json.RawMessage `json:"content"`
	CreatedBy string          `json:"created_by"`
}

func (h *Handler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid request body").Wrap(err))
		return
	}

	art, err := h.engine.StartRun(r.Context(), req.Name, req.Content, req.CreatedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	AddLogField(r.Context(), "artifact_id", art.ID)
	writeJSON(w, http.StatusCreated, art)
}

func (h *Handler) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := h.store.GetArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (h *Handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// 404 for unknown artifacts rather than an empty list.
	if _, err := h.store.GetArtifact(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	approvals, err := h.store.ListApprovalsByArtifact(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.store.GetArtifact(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	evs, err := h.store.ListEventsByArtifact(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

type decisionRequest struct {
	StakeholderID string `json:"stakeholder_id"`
	Decision      string `json:"decision"`
	Comment       string `json:"comment"`
}

func (h *Handler) handleRecordDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid request body").Wrap(err))
		return
	}
	if req.StakeholderID == "" {
		h.writeError(w, r, domain.ErrValidation("stakeholder_id is required"))
		return
	}

	decision := domain.ApprovalStatus(req.Decision)
	if !decision.IsDecision() {
		h.writeError(w, r, domain.ErrValidation("decision must be APPROVED or REJECTED"))
		return
	}

	art, err := h.engine.RecordDecision(r.Context(), chi.URLParam(r, "id"), req.StakeholderID, decision, req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

type rejectRequest struct {
	StakeholderID string `json:"stakeholder_id"`
	Comment       string `json:"comment"`
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid request body").Wrap(err))
		return
	}

	art, err := h.engine.RejectArtifact(r.Context(), chi.URLParam(r, "id"), req.StakeholderID, req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	art, err := h.engine.RetryTransform(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

// handleGetCompletion returns the join record for a branch parent. An
// optional wait query parameter (a duration like "30s") blocks until the
// join fires or the wait expires.
func (h *Handler) handleGetCompletion(w http.ResponseWriter, r *http.Request) {
	parentID := chi.URLParam(r, "parentID")
	ctx := r.Context()

	if waitStr := r.URL.Query().Get("wait"); waitStr != "" {
		wait, err := time.ParseDuration(waitStr)
		if err != nil || wait < 0 {
			h.writeError(w, r, domain.ErrValidation("wait must be a duration like 30s"))
			return
		}
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()

		completion, err := h.engine.WaitForCompletion(waitCtx, parentID)
		if err != nil {
			if errors.Is(err, waitCtx.Err()) {
				h.writeError(w, r, domain.ErrNotFound("pipeline has not completed yet"))
				return
			}
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, completion)
		return
	}

	completion, err := h.store.GetCompletionByParent(ctx, parentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completion)
}

type errorResponse struct {
	Error *domain.Error `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var pe *domain.Error
	if !errors.As(err, &pe) {
		pe = domain.NewError("internal", err.Error())
	}
	writeJSON(w, pe.HTTPStatusCode(), errorResponse{Error: pe})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
