package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubSettingsInfo struct{ rev string }

func (s *stubSettingsInfo) SettingsRevision() string { return s.rev }

func TestSettingsHeaders_Set(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	SettingsHeaders(&stubSettingsInfo{rev: "2024-06-01T12:00:00Z"})(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if got := rec.Header().Get("X-Settings-Revision"); got != "2024-06-01T12:00:00Z" {
		t.Fatalf("X-Settings-Revision = %q", got)
	}
}

func TestSettingsHeaders_EmptyRevision(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	SettingsHeaders(&stubSettingsInfo{})(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if _, ok := rec.Header()["X-Settings-Revision"]; ok {
		t.Fatal("header should not be set for empty revision")
	}
}

func TestSettingsHeaders_NilInfo(t *testing.T) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	SettingsHeaders(nil)(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if !called {
		t.Fatal("handler not called")
	}
	if rec.Header().Get("X-Settings-Revision") != "" {
		t.Fatal("header set without info")
	}
}
