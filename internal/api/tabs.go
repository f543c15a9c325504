package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/flowterm/internal/ansi"
	"github.com/user/flowterm/internal/device"
)

type openTabRequest struct {
	Profile string `json:"profile"`
	Title   string `json:"title"`
}

type sendRequest struct {
	Text string `json:"text"`
}

type controlRequest struct {
	Code string `json:"code"`
}

type keysRequest struct {
	Keys []string `json:"keys"`
}

type dispatchRequest struct {
	Text        string `json:"text"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type dispatchResponse struct {
	TabID string `json:"tab_id"`
}

// textOutput is the tab output joined and stripped of escape sequences.
type textOutput struct {
	Text string `json:"text"`
}

type outputChunk struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *handler) listTabs(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, h.tabs.List())
}

func (h *handler) openTab(w http.ResponseWriter, r *http.Request) {
	var req openTabRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}
	t, err := h.tabs.Open(r.Context(), strings.TrimSpace(req.Profile), strings.TrimSpace(req.Title))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, t.Info())
}

func (h *handler) getTab(w http.ResponseWriter, r *http.Request) {
	t, err := h.tabs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, t.Info())
}

func (h *handler) closeTab(w http.ResponseWriter, r *http.Request) {
	if err := h.tabs.Close(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) restartTab(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.tabs.Restart(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	t, err := h.tabs.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, t.Info())
}

// sendToTab queues text on command tabs and types it as a line into
// program tabs.
func (h *handler) sendToTab(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		jsonError(w, http.StatusBadRequest, "text is required")
		return
	}
	t, err := h.tabs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if t.Commands() != nil {
		if err := t.Enqueue(req.Text, nil); err != nil {
			writeError(w, err)
			return
		}
	} else {
		t.Line(req.Text)
	}
	jsonResponse(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (h *handler) controlTab(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		jsonError(w, http.StatusBadRequest, "code is required")
		return
	}
	t, err := h.tabs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	t.Control(req.Code)
	jsonResponse(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// sendKeys types named keys ("enter", "c-c", "up") and literal text into a
// tab as if they came from its keyboard.
func (h *handler) sendKeys(w http.ResponseWriter, r *http.Request) {
	var req keysRequest
	if err := decodeJSON(r, &req); err != nil || len(req.Keys) == 0 {
		jsonError(w, http.StatusBadRequest, "keys are required")
		return
	}
	t, err := h.tabs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var input strings.Builder
	for _, key := range req.Keys {
		input.WriteString(device.KeySequence(key))
	}
	t.Input([]byte(input.String()))
	jsonResponse(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (h *handler) getTabOutput(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid since query parameter")
		return
	}
	t, err := h.tabs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	chunks := t.OutputSince(since)
	if r.URL.Query().Get("format") == "text" {
		var raw strings.Builder
		for _, c := range chunks {
			raw.Write(c.Data)
		}
		jsonResponse(w, http.StatusOK, textOutput{Text: ansi.Strip(raw.String())})
		return
	}
	result := make([]outputChunk, 0, len(chunks))
	for _, c := range chunks {
		result = append(result, outputChunk{Text: string(c.Data), Timestamp: c.At})
	}
	jsonResponse(w, http.StatusOK, result)
}

func (h *handler) dispatchCommand(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		jsonError(w, http.StatusBadRequest, "text is required")
		return
	}
	var callback *url.URL
	if req.CallbackURL != "" {
		u, err := url.Parse(req.CallbackURL)
		if err != nil || u.Scheme == "" {
			jsonError(w, http.StatusBadRequest, "invalid callback_url")
			return
		}
		callback = u
	}
	t, err := h.tabs.Dispatch(r.Context(), req.Text, callback)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, dispatchResponse{TabID: t.ID()})
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
