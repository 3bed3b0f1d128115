package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/qaintel/issuesync/internal/api/middleware"
	"github.com/qaintel/issuesync/internal/events"
)

const maxWebhookBodyBytes = 1 << 20 // 1 MiB

// signatureHeaders are the inbound signature headers the Event Processor
// checks, in the order it checks them.
var signatureHeaders = []string{"X-Hub-Signature", "X-Atlassian-Webhook-Signature"}

// handleWebhook handles POST /api/v1/events: the inbound event endpoint.
// 2xx when accepted; 4xx when rejected for a condition the sender can
// correct (bad signature, malformed payload). The reason string carries
// the detail either way.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("failed to read request body"))

		return
	}

	headers := make(map[string]string, len(signatureHeaders))

	for _, name := range signatureHeaders {
		if v := r.Header.Get(name); v != "" {
			headers[name] = v
		}
	}

	result := s.processor.Accept(r.Context(), body, headers)

	status := http.StatusOK

	if !result.Accepted {
		s.logger.Info("webhook rejected",
			slog.String("correlation_id", correlationID),
			slog.String("reason", result.Reason),
		)

		switch result.Reason {
		case events.ReasonInvalidSignature, events.ReasonMissingSignature:
			status = http.StatusUnauthorized
		default:
			status = http.StatusBadRequest
		}
	}

	writeJSON(w, r, s.logger, status, WebhookResponse{
		Accepted: result.Accepted,
		Reason:   result.Reason,
	})
}
