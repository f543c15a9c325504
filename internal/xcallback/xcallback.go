// Package xcallback accepts commands from other apps through
// x-callback-url links of the form
//
//	flowterm://run?key=KEY&cmd=CMD&x-success=URL&x-error=URL&x-cancel=URL
//
// and ssh:// links, and routes them into a command tab.
package xcallback

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const DefaultScheme = "flowterm"

var (
	ErrDisabled       = errors.New("xcallback: x-callback-url is disabled")
	ErrMissingKey     = errors.New("xcallback: key is missing")
	ErrBadKey         = errors.New("xcallback: key does not match")
	ErrUnknownAction  = errors.New("xcallback: unknown action")
	ErrMissingCommand = errors.New("xcallback: cmd is missing")
	ErrUnsupported    = errors.New("xcallback: unsupported url")
)

// Link is a parsed x-callback-url.
type Link struct {
	Action  string
	Key     string
	Command string
	Success *url.URL
	Error   *url.URL
	Cancel  *url.URL
}

// Parse reads an x-callback-url with the given scheme. Callback URLs that
// do not parse are dropped.
func Parse(raw, scheme string) (*Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if !strings.EqualFold(u.Scheme, scheme) {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupported, u.Scheme)
	}
	q := u.Query()
	link := &Link{
		Action:  u.Host,
		Key:     q.Get("key"),
		Command: q.Get("cmd"),
		Success: optionalURL(q.Get("x-success")),
		Error:   optionalURL(q.Get("x-error")),
		Cancel:  optionalURL(q.Get("x-cancel")),
	}
	return link, nil
}

func optionalURL(raw string) *url.URL {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}

// SSHCommand turns ssh://user@host:port into the equivalent ssh command
// line.
func SSHCommand(u *url.URL) (string, error) {
	if u.Scheme != "ssh" || u.Hostname() == "" {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, u.Redacted())
	}
	var b strings.Builder
	b.WriteString("ssh")
	if port := u.Port(); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return "", fmt.Errorf("%w: port %q", ErrUnsupported, port)
		}
		b.WriteString(" -p " + port)
	}
	b.WriteString(" ")
	if user := u.User.Username(); user != "" {
		b.WriteString(user + "@")
	}
	b.WriteString(u.Hostname())
	return b.String(), nil
}

// DispatchFunc runs text on a tab that can take it and returns the tab id.
type DispatchFunc func(ctx context.Context, text string, callback *url.URL) (tabID string, err error)

type Config struct {
	Enabled bool
	Key     string
	// Scheme defaults to "flowterm".
	Scheme string
	Policy Policy
	Opener *Opener
	Logger *slog.Logger
}

// Handler validates links and dispatches their commands.
type Handler struct {
	cfg      Config
	dispatch DispatchFunc
	logger   *slog.Logger
}

func NewHandler(dispatch DispatchFunc, cfg Config) *Handler {
	if cfg.Scheme == "" {
		cfg.Scheme = DefaultScheme
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, dispatch: dispatch, logger: logger}
}

// Result says where a command went.
type Result struct {
	TabID   string `json:"tab_id"`
	Command string `json:"command"`
}

// Handle processes one link. On refusal the link's x-cancel or x-error URL
// is opened and the reason returned.
func (h *Handler) Handle(ctx context.Context, raw string) (Result, error) {
	if u, err := url.Parse(raw); err == nil && u.Scheme == "ssh" {
		cmd, err := SSHCommand(u)
		if err != nil {
			return Result{}, err
		}
		return h.run(ctx, cmd, nil, nil)
	}

	link, err := Parse(raw, h.cfg.Scheme)
	if err != nil {
		return Result{}, err
	}
	switch {
	case link.Action != "run":
		return h.refuse(ctx, link.Error, fmt.Errorf("%w: %q", ErrUnknownAction, link.Action))
	case !h.cfg.Enabled:
		return h.refuse(ctx, link.Cancel, ErrDisabled)
	case link.Key == "":
		return h.refuse(ctx, link.Cancel, ErrMissingKey)
	case h.cfg.Key == "" || subtle.ConstantTimeCompare([]byte(link.Key), []byte(h.cfg.Key)) != 1:
		return h.refuse(ctx, link.Error, ErrBadKey)
	case strings.TrimSpace(link.Command) == "":
		return h.refuse(ctx, link.Error, ErrMissingCommand)
	}
	if err := h.cfg.Policy.Check(link.Command); err != nil {
		h.logger.Warn("blocked x-callback command", "error", err)
		return h.refuse(ctx, link.Error, err)
	}
	return h.run(ctx, link.Command, link.Success, link.Error)
}

func (h *Handler) run(ctx context.Context, cmd string, success, failure *url.URL) (Result, error) {
	tabID, err := h.dispatch(ctx, cmd, success)
	if err != nil {
		return h.refuse(ctx, failure, fmt.Errorf("dispatch: %w", err))
	}
	h.logger.Info("x-callback command dispatched", "tab_id", tabID)
	return Result{TabID: tabID, Command: cmd}, nil
}

func (h *Handler) refuse(ctx context.Context, target *url.URL, reason error) (Result, error) {
	if target != nil && h.cfg.Opener != nil {
		if err := h.cfg.Opener.Open(ctx, target); err != nil {
			h.logger.Warn("x-callback refusal url failed", "error", err)
		}
	}
	return Result{}, reason
}

// ServeHTTP accepts GET /x-callback?url=<encoded link>.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	res, err := h.Handle(r.Context(), raw)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func statusFor(err error) int {
	var policyErr *PolicyError
	switch {
	case errors.Is(err, ErrBadKey), errors.Is(err, ErrMissingKey):
		return http.StatusForbidden
	case errors.Is(err, ErrDisabled):
		return http.StatusServiceUnavailable
	case errors.As(err, &policyErr):
		return http.StatusForbidden
	case errors.Is(err, ErrUnknownAction), errors.Is(err, ErrMissingCommand), errors.Is(err, ErrUnsupported):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
