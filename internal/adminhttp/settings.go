package adminhttp

import (
	"net/http"

	"github.com/keithlinneman/paf-admin/internal/httpmw"
	"github.com/keithlinneman/paf-admin/internal/settings"
)

type invalidSettingsResponse struct {
	Error   string                `json:"error"`
	Details []settings.FieldError `json:"details"`
}

// HandleGetSettings returns the active settings.
func (api *API) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, api.settings.Get())
}

// HandlePutSettings merges the submitted fields into the active settings.
// Omitted fields keep their value. An update whose allowlist would exclude
// the caller is refused with 409, so an admin cannot lock themselves out.
func (api *API) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var u settings.Update
	if !api.decodeOrReject(w, r, &u) {
		return
	}

	next, err := u.Apply(api.settings.Get())
	if err != nil {
		api.rejectSettings(w, r, err)
		return
	}

	if ip := httpmw.ClientIPFromContext(ctx); ip != "" {
		prefixes, err := next.Prefixes()
		if err == nil && !httpmw.Allowed(prefixes, ip) {
			api.metrics.IncSettingsUpdate("lockout")
			api.logger.Warn(ctx, "refused settings update excluding caller", "client_ip", ip)
			api.writeJSON(ctx, w, http.StatusConflict, errorResponse{Error: "ip allowlist would exclude your address"})
			return
		}
	}

	saved, err := api.settings.Update(ctx, u)
	if err != nil {
		// another writer may have changed the settings since Apply above
		if len(settings.FieldErrors(err)) > 0 {
			api.rejectSettings(w, r, err)
			return
		}
		api.metrics.IncSettingsUpdate("error")
		api.logger.Error(ctx, err, "settings update failed")
		api.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "failed to save settings"})
		return
	}

	api.metrics.IncSettingsUpdate("ok")
	api.logger.Info(ctx, "settings updated",
		"session_timeout_minutes", saved.SessionTimeoutMinutes,
		"allowlist_entries", len(saved.IPAllowlist),
	)
	api.writeJSON(ctx, w, http.StatusOK, saved)
}

func (api *API) rejectSettings(w http.ResponseWriter, r *http.Request, err error) {
	details := settings.FieldErrors(err)
	if details == nil {
		details = []settings.FieldError{}
	}
	api.metrics.IncSettingsUpdate("invalid")
	api.writeJSON(r.Context(), w, http.StatusUnprocessableEntity, invalidSettingsResponse{
		Error:   "invalid settings",
		Details: details,
	})
}
