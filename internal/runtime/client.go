package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/internal/config"
	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/model"
)

// Operation names used in metrics, spans and logs.
const (
	OpDeploy           = "deploy"
	OpStartInstance    = "start_instance"
	OpCompleteUserTask = "complete_user_task"
	OpHealth           = "health"
)

// Client talks to the process runtime over HTTP/JSON. Every call is bounded
// by a timeout and guarded by a circuit breaker. Deploy and StartInstance are
// retried with exponential backoff; CompleteUserTask is not.
type Client struct {
	baseURL         string
	timeout         time.Duration
	completeTimeout time.Duration
	retry           config.RetryConfig
	http            *http.Client
	breaker         *Breaker
	logger          *zap.Logger
	metrics         *observability.Metrics
	sleep           func(ctx context.Context, d time.Duration) error
}

var _ Runtime = (*Client)(nil)

// NewClient creates a runtime Client from configuration. metrics may be nil.
func NewClient(cfg config.RuntimeConfig, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	completeTimeout := cfg.CompleteTimeout
	if completeTimeout <= 0 {
		completeTimeout = timeout
	}
	cb := cfg.CircuitBreaker
	c := &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		timeout:         timeout,
		completeTimeout: completeTimeout,
		retry:           cfg.Retry,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger:  logger,
		metrics: metrics,
		sleep:   sleepCtx,
	}
	c.breaker = NewBreaker(BreakerSettings{
		FailureThreshold:   cb.FailureThreshold,
		SuccessThreshold:   cb.SuccessThreshold,
		Timeout:            cb.Timeout,
		ErrorRateThreshold: cb.ErrorRateThreshold,
		ErrorRateWindow:    cb.ErrorRateWindow,
		OnStateChange: func(s BreakerState) {
			metrics.SetRuntimeCircuitBreakerState(float64(s))
			if s == BreakerOpen {
				logger.Warn("runtime circuit breaker opened")
			} else {
				logger.Info("runtime circuit breaker state changed", zap.String("state", s.String()))
			}
		},
	})
	return c
}

// Breaker exposes the client's circuit breaker for diagnostics.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

type deployResponse struct {
	Key string `json:"key"`
}

type startResponse struct {
	ProcessInstanceKey string `json:"process_instance_key"`
}

type completeRequest struct {
	Variables map[string]any `json:"variables"`
}

type rejection struct {
	Message string `json:"message"`
}

// Deploy uploads a process definition.
func (c *Client) Deploy(ctx context.Context, req DeployRequest) (string, error) {
	var resp deployResponse
	err := c.withRetry(ctx, OpDeploy, func(ctx context.Context) error {
		return c.do(ctx, OpDeploy, http.MethodPost, "/v1/deployments", nil, req, &resp)
	})
	if err != nil {
		return "", err
	}
	if resp.Key == "" {
		return "", fmt.Errorf("runtime: deploy response missing key")
	}
	return resp.Key, nil
}

// StartInstance starts a process instance.
func (c *Client) StartInstance(ctx context.Context, req StartInstanceRequest) (string, error) {
	headers := http.Header{}
	if req.IdempotencyKey != "" {
		headers.Set("Idempotency-Key", sanitizeHeader(req.IdempotencyKey))
	}
	var resp startResponse
	err := c.withRetry(ctx, OpStartInstance, func(ctx context.Context) error {
		return c.do(ctx, OpStartInstance, http.MethodPost, "/v1/process-instances", headers, req, &resp)
	})
	if err != nil {
		return "", err
	}
	if resp.ProcessInstanceKey == "" {
		return "", fmt.Errorf("runtime: start response missing process_instance_key")
	}
	return resp.ProcessInstanceKey, nil
}

// CompleteUserTask completes a user task. It is attempted exactly once.
func (c *Client) CompleteUserTask(ctx context.Context, taskKey string, formData map[string]any) error {
	path := "/v1/user-tasks/" + url.PathEscape(taskKey) + "/completion"
	return c.do(ctx, OpCompleteUserTask, http.MethodPost, path, nil, completeRequest{Variables: formData}, nil)
}

// HealthCheck probes the runtime's health endpoint. It fails fast while the
// breaker is open.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return errCircuitOpen
	}
	return c.do(ctx, OpHealth, http.MethodGet, "/health", nil, nil, nil)
}

// withRetry runs call up to the configured number of attempts while the
// error is retryable.
func (c *Client) withRetry(ctx context.Context, op string, call func(context.Context) error) error {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordRuntimeRetry(op)
			c.logger.Debug("retrying runtime call",
				zap.String("operation", op),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Error(err),
			)
			if serr := c.sleep(ctx, calculateBackoff(c.retry, attempt)); serr != nil {
				return err
			}
		}
		err = call(ctx)
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return err
}

// do performs a single HTTP call with timeout and breaker protection and
// maps the outcome onto the error taxonomy.
func (c *Client) do(ctx context.Context, op, method, path string, headers http.Header, body, out any) (err error) {
	timeout := c.timeout
	if op == OpCompleteUserTask {
		timeout = c.completeTimeout
	}

	ctx, span := observability.StartSpan(ctx, "runtime."+op, observability.AttrRuntimeOperation.String(op))
	start := time.Now()
	defer func() {
		c.metrics.RecordRuntimeRequest(op, outcome(err), time.Since(start))
		observability.EndSpanWithError(span, err)
	}()

	if berr := c.breaker.Allow(); berr != nil {
		return fmt.Errorf("%w: %w", berr, model.NewBackendUnavailableError())
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, merr := json.Marshal(body)
		if merr != nil {
			return fmt.Errorf("runtime: marshal %s request: %w", op, merr)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("runtime: build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	observability.InjectTraceHeaders(callCtx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		switch {
		case ctx.Err() != nil:
			// The caller gave up; report its own cancellation.
			return ctx.Err()
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return model.NewBackendTimeoutError()
		case isConnectionError(err):
			return model.NewBackendUnavailableError()
		}
		return fmt.Errorf("runtime: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.breaker.RecordFailure()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return model.NewBackendTimeoutError()
		}
		return fmt.Errorf("runtime: read %s response: %w", op, err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		c.logger.Warn("runtime server error",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
		)
		return model.NewBackendUnavailableError()
	case resp.StatusCode >= 400:
		// 4xx is a business rejection, not an infrastructure failure.
		c.breaker.RecordSuccess()
		return model.NewRuntimeRejectedError(rejectionReason(resp.StatusCode, respBody))
	}
	c.breaker.RecordSuccess()

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("runtime: decode %s response: %w", op, err)
		}
	}
	return nil
}

func rejectionReason(status int, body []byte) string {
	var r rejection
	if err := json.Unmarshal(body, &r); err == nil && r.Message != "" {
		return r.Message
	}
	return fmt.Sprintf("status %d", status)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if ee, ok := model.AsEnvelope(err); ok {
		return ee.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "error"
}

// isRetryable reports whether a failed idempotent call may be attempted
// again. An open breaker is not retried.
func isRetryable(err error) bool {
	if errors.Is(err, errCircuitOpen) {
		return false
	}
	return model.IsRetryable(err)
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
