package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/qaintel/issuesync/internal/api/middleware"
	"github.com/qaintel/issuesync/internal/queue"
	"github.com/qaintel/issuesync/internal/store"
)

const maxEnqueueBodyBytes = 1 << 20 // 1 MiB

// handleEnqueue handles POST /api/v1/operations: the producer-facing
// entry point into the Operation Queue.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusUnsupportedMediaType,
			"Unsupported Media Type", "Content-Type must be application/json"))

		return
	}

	var req EnqueueRequest

	body := http.MaxBytesReader(w, r.Body, maxEnqueueBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid JSON body: "+err.Error()))

		return
	}

	if req.Kind == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("kind is required"))

		return
	}

	opts := queue.EnqueueOptions{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}

	if req.AffinityKey != "" {
		opts.AffinityKey = &req.AffinityKey
	}

	if req.MappingRef != "" {
		opts.MappingRef = &req.MappingRef
	}

	id, err := s.queue.Enqueue(r.Context(), store.OperationKind(req.Kind), req.Payload, opts)
	if err != nil {
		correlationID := middleware.GetCorrelationID(r.Context())
		s.logger.Error("enqueue failed",
			slog.String("correlation_id", correlationID),
			slog.String("kind", req.Kind),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to enqueue operation"))

		return
	}

	writeJSON(w, r, s.logger, http.StatusAccepted, EnqueueResponse{OperationID: id})
}

// handleGetOperation handles GET /api/v1/operations/{id}.
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	op, err := s.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("operation not found"))

			return
		}

		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to load operation"))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, operationToResponse(op))
}

// handleCancelOperation handles POST /api/v1/operations/{id}/cancel.
func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ok, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to cancel operation"))

		return
	}

	if !ok {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusConflict, "Conflict",
			"operation is no longer pending or in flight"))

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleOperationStats handles GET /api/v1/operations/stats.
func (s *Server) handleOperationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to load operation stats"))

		return
	}

	counts := make(map[string]int, len(stats))
	for status, n := range stats {
		counts[string(status)] = n
	}

	writeJSON(w, r, s.logger, http.StatusOK, StatsResponse{Counts: counts})
}

func operationToResponse(op *store.Operation) OperationResponse {
	resp := OperationResponse{
		ID:          op.ID,
		Kind:        string(op.Kind),
		Status:      string(op.Status),
		Priority:    op.Priority,
		Attempt:     op.Attempt,
		MaxAttempts: op.MaxAttempts,
		LastError:   op.LastError,
		ScheduledAt: op.ScheduledAt.Format(timeLayout),
		CreatedAt:   op.CreatedAt.Format(timeLayout),
		UpdatedAt:   op.UpdatedAt.Format(timeLayout),
	}

	if op.RateLimitUntil != nil {
		resp.RateLimitUntil = op.RateLimitUntil.Format(timeLayout)
	}

	return resp
}
