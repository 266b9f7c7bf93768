package adminhttp

import (
	"net/http"

	"github.com/keithlinneman/paf-admin/internal/validate"
)

// inputRequest carries one untyped field value. Non-string values are
// accepted and simply fail validation.
type inputRequest struct {
	Input any `json:"input"`
}

type valueRequest struct {
	Value any `json:"value"`
}

type validResponse struct {
	Valid bool `json:"valid"`
}

// HandleSanitize returns the sanitized form of input.
func (api *API) HandleSanitize(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if !api.decodeOrReject(w, r, &req) {
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, struct {
		Sanitized string `json:"sanitized"`
	}{validate.Sanitize(req.Input)})
}

// HandleAddressPlausible reports whether input looks like a full address.
func (api *API) HandleAddressPlausible(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if !api.decodeOrReject(w, r, &req) {
		return
	}
	ok := validate.IsPlausibleAddress(req.Input)
	api.metrics.IncValidation("address", ok)
	api.writeJSON(r.Context(), w, http.StatusOK, struct {
		Plausible bool `json:"plausible"`
	}{ok})
}

func (api *API) HandleCIDR(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if !api.decodeOrReject(w, r, &req) {
		return
	}
	ok := validate.IsValidCIDR(req.Input)
	api.metrics.IncValidation("cidr", ok)
	api.writeJSON(r.Context(), w, http.StatusOK, validResponse{ok})
}

func (api *API) HandleSessionTimeout(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !api.decodeOrReject(w, r, &req) {
		return
	}
	ok := validate.IsValidSessionTimeout(req.Value)
	api.metrics.IncValidation("session_timeout", ok)
	api.writeJSON(r.Context(), w, http.StatusOK, validResponse{ok})
}

func (api *API) HandleEndpoint(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if !api.decodeOrReject(w, r, &req) {
		return
	}
	ok := validate.IsValidEndpointURL(req.Input)
	api.metrics.IncValidation("endpoint", ok)
	api.writeJSON(r.Context(), w, http.StatusOK, validResponse{ok})
}
