package bridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
)

// buildID is set at link time: -ldflags "-X github.com/user/flowterm/internal/bridge.buildID=..."
var buildID = "dev"

// BuildID identifies this build in outbound requests.
func BuildID() string { return buildID }

// TokenSource supplies the bearer token for requests that require auth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("bridge: no token configured")
	}
	return string(t), nil
}

// HTTPWorker performs bridge requests over HTTP.
type HTTPWorker struct {
	client *resty.Client
	tokens TokenSource
}

type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	// RetryCount is how many times a failed request (connection error or
	// 5xx) is retried.
	RetryCount int
	// RetryWait is the first backoff between retries. Defaults to 500ms.
	RetryWait time.Duration
	Tokens    TokenSource
}

// NewHTTPWorker builds a resty client on top of a retryablehttp transport.
// Retries and backoff are retryablehttp's; once they are used up the last
// response is passed through so its status code reaches the caller.
func NewHTTPWorker(cfg HTTPConfig) *HTTPWorker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryCount
	retryClient.RetryWaitMin = cfg.RetryWait
	retryClient.RetryWaitMax = 10 * cfg.RetryWait
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = nil

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "flowterm/"+BuildID())
	if cfg.BaseURL != "" {
		client.SetBaseURL(cfg.BaseURL)
	}
	return &HTTPWorker{client: client, tokens: cfg.Tokens}
}

func (w *HTTPWorker) Do(ctx context.Context, req Request) (Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	r := w.client.R().SetContext(ctx)
	if req.RequiresAuth {
		if w.tokens == nil {
			return Response{}, fmt.Errorf("auth required but no token source")
		}
		token, err := w.tokens.Token(ctx)
		if err != nil {
			return Response{}, fmt.Errorf("get token: %w", err)
		}
		r.SetAuthToken(token)
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(method, req.Target)
	if err != nil {
		return Response{}, err
	}
	out := Response{Code: int32(resp.StatusCode()), Body: resp.Body()}
	if resp.IsError() {
		return out, fmt.Errorf("%s %s: %s", method, req.Target, resp.Status())
	}
	return out, nil
}
