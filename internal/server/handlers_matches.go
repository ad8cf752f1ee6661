package server

import (
	"net/http"
	"strings"

	"github.com/ashita-ai/shirushi/internal/model"
	"github.com/ashita-ai/shirushi/internal/service/resolve"
)

// HandleByBindingQuery handles GET /v1/matches/byBinding.
func (h *Handlers) HandleByBindingQuery(w http.ResponseWriter, r *http.Request) {
	maxResults, err := queryIntPtr(r, "maxResults")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	h.byBinding(w, r, model.ByBindingRequest{
		Alg:        q.Get("alg"),
		Value:      q.Get("value"),
		MaxResults: maxResults,
	})
}

// HandleByBinding handles POST /v1/matches/byBinding.
func (h *Handlers) HandleByBinding(w http.ResponseWriter, r *http.Request) {
	var req model.ByBindingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	h.byBinding(w, r, req)
}

func (h *Handlers) byBinding(w http.ResponseWriter, r *http.Request, req model.ByBindingRequest) {
	resp, err := h.resolver.ByBinding(r.Context(), req.Alg, req.Value, req.MaxResults)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeProtocolJSON(w, http.StatusOK, resp)
}

// HandleByContent handles POST /v1/matches/byContent. The request body is
// the raw asset; its media type comes from the Content-Type header.
func (h *Handlers) HandleByContent(w http.ResponseWriter, r *http.Request) {
	maxResults, err := queryIntPtr(r, "maxResults")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	threshold, err := queryIntPtr(r, "threshold")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	resp, err := h.resolver.ByContent(r.Context(), resolve.ContentQuery{
		ContentType:    r.Header.Get("Content-Type"),
		DeclaredLength: declaredLength(r),
		Body:           r.Body,
		Alg:            q.Get("alg"),
		Hint:           resolve.Hint{Alg: q.Get("hintAlg"), Value: q.Get("hintValue")},
		MaxResults:     maxResults,
		Threshold:      threshold,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeProtocolJSON(w, http.StatusOK, resp)
}

// HandleByReference handles POST /v1/matches/byReference.
func (h *Handlers) HandleByReference(w http.ResponseWriter, r *http.Request) {
	var req model.ByReferenceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	resp, err := h.resolver.ByReference(r.Context(), resolve.ReferenceQuery{
		ReferenceURL: req.ReferenceURL,
		AssetLength:  req.AssetLength,
		AssetType:    req.AssetType,
		Alg:          req.Alg,
		Hint:         resolve.Hint{Alg: req.HintAlg, Value: req.HintValue},
		MaxResults:   req.MaxResults,
		Threshold:    req.Threshold,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeProtocolJSON(w, http.StatusOK, resp)
}

// HandleSupportedAlgorithms handles GET /v1/services/supportedAlgorithms.
func (h *Handlers) HandleSupportedAlgorithms(w http.ResponseWriter, r *http.Request) {
	writeProtocolJSON(w, http.StatusOK, h.resolver.SupportedAlgorithms())
}

// HandleSearchSimilar handles GET /v1/search-similar.
func (h *Handlers) HandleSearchSimilar(w http.ResponseWriter, r *http.Request) {
	threshold, err := queryIntPtr(r, "threshold")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	limit, err := queryIntPtr(r, "limit")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	resp, err := h.resolver.SearchSimilar(r.Context(), resolve.SimilarQuery{
		PHash:     strings.TrimSpace(q.Get("phash")),
		TxID:      strings.TrimSpace(q.Get("txId")),
		Threshold: threshold,
		Limit:     limit,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}
