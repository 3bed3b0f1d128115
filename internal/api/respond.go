package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/qaintel/issuesync/internal/api/middleware"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// writeJSON encodes v as the JSON response body, logging (but not
// retrying) a write failure that occurs after headers are already sent.
func writeJSON(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		WriteErrorResponse(w, r, logger, InternalServerError("failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		correlationID := middleware.GetCorrelationID(r.Context())
		logger.Error("failed to write response body",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}
