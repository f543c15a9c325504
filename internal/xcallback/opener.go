package xcallback

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/user/flowterm/internal/session"
)

// Opener follows callback URLs. Only http and https URLs can be opened
// from a server; anything else is logged and skipped.
type Opener struct {
	client *retryablehttp.Client
	logger *slog.Logger
}

func NewOpener(retries int, timeout time.Duration, logger *slog.Logger) *Opener {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = logger
	return &Opener{client: client, logger: logger}
}

// Open issues a GET for u. It is best effort: callers only log the error.
func (o *Opener) Open(ctx context.Context, u *url.URL) error {
	if u == nil {
		return nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		o.logger.Info("skipping callback url with unsupported scheme", "scheme", u.Scheme)
		return nil
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("open callback %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("open callback %s: status %d", u.Redacted(), resp.StatusCode)
	}
	return nil
}

// Hook is a session.CompletionHook that opens the command's success URL
// with its exit status appended.
func (o *Opener) Hook(ctx context.Context, cmd session.Command) {
	if cmd.Callback == nil {
		return
	}
	u := *cmd.Callback
	q := u.Query()
	q.Set("exit_code", strconv.Itoa(cmd.Status))
	u.RawQuery = q.Encode()
	if err := o.Open(ctx, &u); err != nil {
		o.logger.Warn("x-success callback failed", "command_id", cmd.ID, "error", err)
	}
}
