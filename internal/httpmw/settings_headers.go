package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SettingsInfo reports the revision of the active settings
type SettingsInfo interface {
	SettingsRevision() string
}

// SettingsHeaders adds X-Settings-Revision to every response so the console
// can notice settings changed by another admin or instance
func SettingsHeaders(info SettingsInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				if rev := info.SettingsRevision(); rev != "" {
					w.Header().Set("X-Settings-Revision", rev)
					if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
						span.SetAttributes(attribute.String("settings.revision", rev))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
