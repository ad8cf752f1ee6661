package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ashita-ai/shirushi/internal/ingest"
	"github.com/ashita-ai/shirushi/internal/model"
)

// HandleWebhook handles POST /webhook. Any syntactically valid payload is
// answered with 200 and per-record outcomes; per-record failures are logged
// by the pipeline, never surfaced as a non-200.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodePayloadTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read request body")
		return
	}

	records, err := ingest.DecodePayload(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	result := h.pipeline.Process(r.Context(), records)
	h.logger.Info("webhook processed",
		"total", result.Total,
		"indexed", result.Indexed,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeJSON(w, r, http.StatusOK, result)
}
