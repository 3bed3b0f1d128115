package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/qaintel/issuesync/internal/mapping"
	"github.com/qaintel/issuesync/internal/store"
)

// handleFindMapping handles
// GET /api/v1/mappings?test_run_id=&test_name=&fingerprint= — the
// producer-facing find_or_create_mapping read path. A nil Mapping in the
// response is the caller's cue to enqueue a create_issue operation.
func (s *Server) handleFindMapping(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	testRunID := q.Get("test_run_id")
	testName := q.Get("test_name")
	fingerprint := q.Get("fingerprint")

	if testRunID == "" || testName == "" || fingerprint == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("test_run_id, test_name, and fingerprint are all required"))

		return
	}

	m, err := s.mapper.Find(r.Context(), testRunID, testName, fingerprint)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to look up mapping"))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, FindMappingResponse{Mapping: mappingToResponse(m)})
}

// handleReconcileMapping handles
// POST /api/v1/mappings/{external_issue_key}/reconcile. It applies an
// external changed-fields set the way the inbound Event Processor does,
// available for callers that already hold the change outside a webhook
// delivery.
func (s *Server) handleReconcileMapping(w http.ResponseWriter, r *http.Request) {
	externalIssueKey := r.PathValue("external_issue_key")
	if externalIssueKey == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("external_issue_key is required"))

		return
	}

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusUnsupportedMediaType,
			"Unsupported Media Type", "Content-Type must be application/json"))

		return
	}

	var req UpdateMappingFromExternalRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid JSON body: "+err.Error()))

		return
	}

	changed := mapping.ChangedFields{
		Status:     req.Status,
		Priority:   req.Priority,
		Type:       req.Type,
		Assignee:   req.Assignee,
		Resolution: req.Resolution,
	}

	updated, err := s.mapper.ReconcileFromEvent(r.Context(), externalIssueKey, changed, time.Now().UTC())
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to reconcile mapping"))

		return
	}

	if !updated {
		WriteErrorResponse(w, r, s.logger, NotFound("no mapping owns this external issue"))

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func mappingToResponse(m *store.Mapping) *MappingResponse {
	if m == nil {
		return nil
	}

	return &MappingResponse{
		ID:                 m.ID,
		Fingerprint:        m.Fingerprint,
		TestRunID:          m.TestRunID,
		TestName:           m.TestName,
		ExternalIssueID:    m.ExternalIssueID,
		ExternalIssueKey:   m.ExternalIssueKey,
		ExternalProjectKey: m.ExternalProjectKey,
		Status:             m.Status,
		ResolutionStatus:   string(m.ResolutionStatus),
		SyncStatus:         string(m.SyncStatus),
	}
}
