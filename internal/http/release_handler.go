package httpx

import (
	"errors"
	"io"
	"net/http"

	"github.com/muratgozel/deployment-server/internal/service/webhook"
)

var releaseErrorCodes = []struct {
	err  error
	code string
}{
	{webhook.ErrInvalidHeaders, "invalid_headers"},
	{webhook.ErrInvalidBody, codeInvalidRequestBody},
	{webhook.ErrInvalidSignature, "invalid_signature"},
	{webhook.ErrInvalidRefType, "invalid_ref_type"},
	{webhook.ErrInvalidRepoURL, "invalid_repo_url"},
	{webhook.ErrInvalidRef, "invalid_ref"},
}

func (r *Router) handleRelease(w http.ResponseWriter, req *http.Request) {
	headers := w.Header()
	headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	headers.Set("Strict-Transport-Security", "max-age=31536000")
	headers.Set("Vary", "Origin,Accept-Language")

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody)
		return
	}
	event := req.Header.Get("X-Github-Event")
	signature := req.Header.Get("X-Hub-Signature-256")
	if _, err := r.webhook.Receive(req.Context(), event, signature, body); err != nil {
		for _, mapping := range releaseErrorCodes {
			if errors.Is(err, mapping.err) {
				writeError(w, http.StatusBadRequest, mapping.code)
				return
			}
		}
		r.logger.Error("release enqueue failed", "error", err)
		if errors.Is(err, webhook.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "release_queue_full")
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}
	writeText(w, http.StatusAccepted, "Accepted")
}
