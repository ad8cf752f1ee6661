package server

import (
	"net/http"
	"strconv"

	"github.com/ashita-ai/shirushi/internal/service/locator"
)

// HandleGetManifest handles GET /v1/manifests/{manifestId}. Redirect
// resolutions answer 302; manifest-store resolutions stream the raw bytes.
func (h *Handlers) HandleGetManifest(w http.ResponseWriter, r *http.Request) {
	returnActive, err := queryBool(r, "returnActiveManifest")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	res, err := h.locator.Locate(r.Context(), r.PathValue("manifestId"), returnActive)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("X-Resolution-Method", string(res.Method))
	if res.ManifestTx != "" {
		w.Header().Set("X-Manifest-Tx-Id", res.ManifestTx)
	}
	if res.Method != locator.MethodManifestStore {
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}
