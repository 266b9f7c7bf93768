package adminhttp

import (
	"errors"
	"net/http"

	"github.com/keithlinneman/paf-admin/internal/address"
	"github.com/keithlinneman/paf-admin/internal/validate"
)

type checkRequest struct {
	Address any `json:"address"`
}

type batchRequest struct {
	Addresses string `json:"addresses"`
}

type batchS3Request struct {
	Key string `json:"key"`
}

type batchResponse struct {
	Results []address.Result `json:"results"`
	Summary address.Summary  `json:"summary"`
}

type batchTooLargeResponse struct {
	Error string `json:"error"`
	Max   int    `json:"max"`
}

// HandleAddressCheck parses and checks one address.
func (api *API) HandleAddressCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !api.decodeOrReject(w, r, &req) {
		return
	}
	res := address.Check(req.Address)
	api.metrics.IncValidation("address_check", res.Complete)
	api.writeJSON(r.Context(), w, http.StatusOK, res)
}

// HandleAddressBatch checks newline separated addresses.
func (api *API) HandleAddressBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !api.decodeOrReject(w, r, &req) {
		return
	}
	results, err := address.CheckBatch(req.Addresses)
	if err != nil {
		api.writeBatchError(w, r, err)
		return
	}
	api.writeBatch(w, r, results)
}

// HandleAddressBatchS3 checks a batch uploaded to the configured bucket.
func (api *API) HandleAddressBatchS3(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if api.batches == nil {
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "s3 batch source not configured"})
		return
	}

	var req batchS3Request
	if !api.decodeOrReject(w, r, &req) {
		return
	}
	results, err := api.batches.CheckObject(ctx, req.Key)
	if err != nil {
		api.writeBatchError(w, r, err)
		return
	}
	api.logger.Info(ctx, "checked s3 address batch", "key", req.Key, "count", len(results))
	api.writeBatch(w, r, results)
}

func (api *API) writeBatch(w http.ResponseWriter, r *http.Request, results []address.Result) {
	if results == nil {
		results = []address.Result{}
	}
	sum := address.Summarize(results)
	for _, res := range results {
		api.metrics.IncValidation("address_batch", res.Complete)
	}
	api.writeJSON(r.Context(), w, http.StatusOK, batchResponse{Results: results, Summary: sum})
}

func (api *API) writeBatchError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, address.ErrBatchTooLarge):
		api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, batchTooLargeResponse{
			Error: "batch too large",
			Max:   validate.MaxBatchSize,
		})
	case errors.Is(err, address.ErrObjectTooLarge):
		api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, errorResponse{Error: "batch object too large"})
	case errors.Is(err, address.ErrInvalidKey):
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid object key"})
	default:
		api.logger.Error(ctx, err, "address batch fetch failed")
		api.writeJSON(ctx, w, http.StatusBadGateway, errorResponse{Error: "failed to read batch"})
	}
}
