package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRoutes(t *testing.T) {
	mark := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(name))
		}
	}
	handler, err := NewHandler(Handlers{
		WebSocket: mark("ws"),
		API:       mark("api"),
		XCallback: mark("xcb"),
	})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/ws", http.StatusOK, "ws"},
		{"/api/tabs", http.StatusOK, "api"},
		{"/x-callback?url=x", http.StatusOK, "xcb"},
		{"/healthz", http.StatusOK, "ok"},
		{"/", http.StatusOK, "<title>flowterm</title>"},
		{"/app.js", http.StatusOK, "new WebSocket"},
		{"/some/client/route", http.StatusOK, "<title>flowterm</title>"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
			body, _ := io.ReadAll(rr.Body)
			if rr.Code != tt.wantStatus || !strings.Contains(string(body), tt.wantBody) {
				t.Fatalf("GET %s = %d %q, want %d containing %q", tt.path, rr.Code, body, tt.wantStatus, tt.wantBody)
			}
		})
	}
}

func TestUnmountedRoutesAreNotFound(t *testing.T) {
	handler, err := NewHandler(Handlers{})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	for _, p := range []string{"/ws", "/api/tabs", "/x-callback"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, p, nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("GET %s = %d, want 404", p, rr.Code)
		}
	}
}
