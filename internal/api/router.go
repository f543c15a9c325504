// Package api is the REST surface over tabs, profiles and the session log.
package api

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/user/flowterm/internal/db"
	"github.com/user/flowterm/internal/profile"
	"github.com/user/flowterm/internal/tab"
)

type handler struct {
	tabs        *tab.Manager
	profiles    *profile.Registry
	sessionRepo *db.SessionRepo
	commandRepo *db.CommandRepo
	historyRepo *db.HistoryRepo
}

// NewRouter serves /api/. conn may be nil, in which case the session log
// endpoints answer 503.
func NewRouter(conn *sql.DB, tabs *tab.Manager, profiles *profile.Registry, token string) http.Handler {
	h := &handler{tabs: tabs, profiles: profiles}
	if conn != nil {
		h.sessionRepo = db.NewSessionRepo(conn)
		h.commandRepo = db.NewCommandRepo(conn)
		h.historyRepo = db.NewHistoryRepo(conn)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tabs", h.listTabs)
	mux.HandleFunc("POST /api/tabs", h.openTab)
	mux.HandleFunc("GET /api/tabs/{id}", h.getTab)
	mux.HandleFunc("DELETE /api/tabs/{id}", h.closeTab)
	mux.HandleFunc("POST /api/tabs/{id}/restart", h.restartTab)
	mux.HandleFunc("POST /api/tabs/{id}/send", h.sendToTab)
	mux.HandleFunc("POST /api/tabs/{id}/control", h.controlTab)
	mux.HandleFunc("POST /api/tabs/{id}/keys", h.sendKeys)
	mux.HandleFunc("GET /api/tabs/{id}/output", h.getTabOutput)

	mux.HandleFunc("POST /api/commands", h.dispatchCommand)

	mux.HandleFunc("GET /api/profiles", h.listProfiles)
	mux.HandleFunc("GET /api/profiles/{id}", h.getProfile)
	mux.HandleFunc("PUT /api/profiles/{id}", h.putProfile)
	mux.HandleFunc("DELETE /api/profiles/{id}", h.deleteProfile)

	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("GET /api/sessions/{id}/commands", h.listSessionCommands)
	mux.HandleFunc("GET /api/history", h.listHistory)

	return authMiddleware(token)(jsonMiddleware(corsMiddleware(mux)))
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if TokenMatches(r, token) {
				next.ServeHTTP(w, r)
				return
			}
			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

// TokenMatches accepts a bearer token or a token query parameter.
func TokenMatches(r *http.Request, token string) bool {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		if equal(strings.TrimSpace(authHeader[7:]), token) {
			return true
		}
	}
	return equal(r.URL.Query().Get("token"), token)
}

func equal(a, b string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
