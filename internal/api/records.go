package api

import (
	"net/http"
	"strconv"

	"github.com/user/flowterm/internal/db"
	"github.com/user/flowterm/internal/profile"
)

func (h *handler) listProfiles(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, h.profiles.List())
}

func (h *handler) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.Lookup(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, p)
}

func (h *handler) putProfile(w http.ResponseWriter, r *http.Request) {
	var p profile.Profile
	if err := decodeJSON(r, &p); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	p.ID = r.PathValue("id")
	if err := h.profiles.Save(&p); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, h.profiles.Get(p.ID))
}

func (h *handler) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.profiles.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessionRepo == nil {
		jsonError(w, http.StatusServiceUnavailable, "session log disabled")
		return
	}
	filter := db.SessionFilter{
		TabID:  r.URL.Query().Get("tab_id"),
		Status: r.URL.Query().Get("status"),
	}
	records, err := h.sessionRepo.List(r.Context(), filter)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, records)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	if h.sessionRepo == nil {
		jsonError(w, http.StatusServiceUnavailable, "session log disabled")
		return
	}
	rec, err := h.sessionRepo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		jsonError(w, http.StatusNotFound, "session not found")
		return
	}
	jsonResponse(w, http.StatusOK, rec)
}

func (h *handler) listSessionCommands(w http.ResponseWriter, r *http.Request) {
	if h.commandRepo == nil {
		jsonError(w, http.StatusServiceUnavailable, "session log disabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	records, err := h.commandRepo.ListBySession(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, records)
}

func (h *handler) listHistory(w http.ResponseWriter, r *http.Request) {
	if h.historyRepo == nil {
		jsonError(w, http.StatusServiceUnavailable, "session log disabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := h.historyRepo.List(r.Context(), limit)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, entries)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		jsonError(w, http.StatusBadRequest, "invalid limit query parameter")
		return 0, false
	}
	return n, true
}
