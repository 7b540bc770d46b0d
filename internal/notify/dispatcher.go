// Package notify sends the HTTP reload signal after files change.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/aonescu/configsync/internal/metrics"
)

// Retry and timeout defaults.
const (
	DefaultRetryMax     = 5
	DefaultRetryWaitMin = 200 * time.Millisecond
	DefaultRetryWaitMax = 30 * time.Second
	DefaultTimeout      = 10 * time.Second
)

var ErrUnsupportedMethod = errors.New("unsupported request method")

// StatusError is returned for a final response that is not 2xx.
type StatusError struct {
	Status string
	Code   int
}

func (e *StatusError) Error() string {
	return "unexpected response " + e.Status
}

type Options struct {
	URL     string
	Method  string
	Payload string

	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// Dispatcher issues one request per notification. It is best effort: Notify
// never fails the caller.
type Dispatcher struct {
	opts    Options
	client  *retryablehttp.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(opts Options, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.RetryMax == 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.RetryWaitMin == 0 {
		opts.RetryWaitMin = DefaultRetryWaitMin
	}
	if opts.RetryWaitMax == 0 {
		opts.RetryWaitMax = DefaultRetryWaitMax
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = opts.RetryWaitMin
	client.RetryWaitMax = opts.RetryWaitMax
	client.HTTPClient.Timeout = opts.Timeout
	client.CheckRetry = checkRetry
	client.Backoff = retryablehttp.DefaultBackoff
	client.Logger = logger.With("component", "retryablehttp")

	return &Dispatcher{
		opts:    opts,
		client:  client,
		logger:  logger,
		metrics: m,
	}
}

// Notify sends the configured request and logs the outcome.
func (d *Dispatcher) Notify(ctx context.Context) {
	if d.opts.URL == "" {
		d.logger.Info("No url provided. Doing nothing.")
		return
	}
	err := d.Send(ctx, d.opts.URL, d.opts.Method, d.opts.Payload)
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues("http", metrics.Result(err)).Inc()
	}
	if err != nil {
		d.logger.Error("Reload request failed", "url", d.opts.URL, "method", methodOrDefault(d.opts.Method), "error", err)
	}
}

// Send issues a single request to url, retrying transient failures. An empty
// url is a no-op.
func (d *Dispatcher) Send(ctx context.Context, url, method, payload string) error {
	if url == "" {
		d.logger.Info("No url provided. Doing nothing.")
		return nil
	}

	method = methodOrDefault(method)
	var body []byte
	switch method {
	case http.MethodGet:
	case http.MethodPost:
		body = jsonBody(payload)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}

	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	d.logger.Info(fmt.Sprintf("%s request sent to %s. Response: %s", method, url, resp.Status))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.Status, Code: resp.StatusCode}
	}
	return nil
}

// checkRetry retries connection failures and the gateway style 5xx codes.
// Everything else, including 501 and 4xx, is final.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

func methodOrDefault(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return http.MethodGet
	}
	return method
}

// jsonBody sends a JSON payload as is and wraps anything else as a JSON
// string. An empty payload means no body.
func jsonBody(payload string) []byte {
	if payload == "" {
		return nil
	}
	if json.Valid([]byte(payload)) {
		return []byte(payload)
	}
	b, _ := json.Marshal(payload)
	return b
}
