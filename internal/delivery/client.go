// Package delivery posts telemetry payloads to the collector with bounded
// retry and exponential backoff.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/NilsIgris/sylon/internal/agent"
	"github.com/NilsIgris/sylon/internal/config"
	"github.com/NilsIgris/sylon/internal/events"
	"github.com/NilsIgris/sylon/internal/faults"
	"github.com/NilsIgris/sylon/internal/otel"

	"go.opentelemetry.io/otel/trace"
)

const (
	// MaxBackoff caps a single wait between attempts.
	MaxBackoff = 60 * time.Second

	maxResponseBodyBytes = 64 * 1024

	opSend = "delivery.send"
)

// Outcome is the terminal state of one Send call.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDisabled  Outcome = "disabled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeCancelled means the context ended during a backoff wait.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeFailed means the payload could not be encoded; nothing was sent.
	OutcomeFailed Outcome = "failed"
)

// Result describes one Send call.
type Result struct {
	Outcome    Outcome
	Attempts   int
	StatusCode int
	Err        error
}

// OK reports whether the payload was accepted or delivery is disabled.
func (r Result) OK() bool {
	return r.Outcome == OutcomeDelivered || r.Outcome == OutcomeDisabled
}

// Completed reports whether the call ran to a terminal verdict, as opposed to
// being cancelled or failing before any request.
func (r Result) Completed() bool {
	switch r.Outcome {
	case OutcomeDelivered, OutcomeDisabled, OutcomeRejected, OutcomeExhausted:
		return true
	}
	return false
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Client sends payloads to a single endpoint.
type Client struct {
	endpoint    string
	apiKey      string
	enabled     bool
	timeout     time.Duration
	maxRetries  int
	backoffBase float64
	jitter      float64

	httpClient *http.Client
	sleep      SleepFunc
	randFloat  func() float64
	logger     *events.EventLogger
	tracer     *otel.Tracer
	metrics    *otel.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is used as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleep replaces the backoff wait.
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(c *Client) { c.randFloat = fn }
}

func WithLogger(l *events.EventLogger) Option {
	return func(c *Client) { c.logger = l }
}

func WithTracer(t *otel.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

func WithMetrics(m *otel.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a Client from the delivery fields of cfg.
func NewClient(cfg config.Config, opts ...Option) *Client {
	c := &Client{
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		enabled:     cfg.EndpointEnabled(),
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		jitter:      cfg.Jitter,
		sleep:       Sleep,
		randFloat:   rand.Float64,
		logger:      events.GetGlobalEventLogger(),
		tracer:      otel.GetGlobalTracer(),
		metrics:     otel.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: otel.Transport(nil, c.tracer)}
	}
	return c
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Backoff returns the wait after the given 1-based failed attempt:
// min(base^attempt + U(0, jitter), MaxBackoff).
func (c *Client) Backoff(attempt int) time.Duration {
	secs := math.Pow(c.backoffBase, float64(attempt)) + c.randFloat()*c.jitter
	if math.IsNaN(secs) || secs >= MaxBackoff.Seconds() {
		return MaxBackoff
	}
	return time.Duration(secs * float64(time.Second))
}

// Send delivers payload. 200, 201 and 202 are success. A 4xx is final after one
// attempt. Any other status and every transport error are retried up to the
// configured number of attempts, sleeping Backoff(n) between attempts. Requests
// are not aborted by ctx; only the waits between them are.
func (c *Client) Send(ctx context.Context, payload *agent.TelemetryPayload) Result {
	if !c.enabled {
		c.logger.LogDeliveryDisabled()
		c.metrics.RecordSend(ctx, string(OutcomeDisabled))
		return Result{Outcome: OutcomeDisabled}
	}

	if payload == nil {
		return Result{Outcome: OutcomeFailed, Err: faults.New(faults.KindUnexpected, opSend, "nil payload")}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: faults.Wrap(faults.KindUnexpected, opSend, err)}
	}

	ctx, span := c.tracer.StartTaskSpan(ctx, opSend, c.endpoint)
	defer span.End()

	res := c.attemptAll(ctx, span, body)
	if res.Err != nil {
		otel.RecordError(span, res.Err, string(faults.KindOf(res.Err)), false)
	}
	c.metrics.RecordSend(ctx, string(res.Outcome))
	return res
}

func (c *Client) attemptAll(ctx context.Context, span trace.Span, body []byte) Result {
	res := Result{}
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		res.Attempts = attempt

		status, respBody, err := c.post(ctx, body)
		res.StatusCode = status
		switch {
		case err != nil:
			lastErr = faults.MapTransport(opSend, err)
		case accepted(status):
			c.logger.LogPayloadAccepted(status, attempt)
			res.Outcome = OutcomeDelivered
			return res
		case status >= 400 && status < 500:
			c.logger.LogPayloadRejected(status, string(respBody))
			res.Outcome = OutcomeRejected
			res.Err = faults.HTTPStatus(opSend, status, string(respBody))
			return res
		default:
			lastErr = faults.HTTPStatus(opSend, status, string(respBody))
		}

		if attempt == c.maxRetries {
			break
		}

		backoff := c.Backoff(attempt)
		c.logger.LogDeliveryRetry(attempt, c.maxRetries, string(faults.KindOf(lastErr)), lastErr.Error(), backoff)
		otel.RecordRetry(span, attempt, string(faults.KindOf(lastErr)))
		if err := c.sleep(ctx, backoff); err != nil {
			res.Outcome = OutcomeCancelled
			res.Err = faults.MapTransport(opSend, err)
			return res
		}
	}

	if lastErr == nil {
		lastErr = faults.New(faults.KindTransport, opSend, "no delivery attempts configured")
	}
	c.logger.LogDeliveryExhausted(res.Attempts, lastErr)
	res.Outcome = OutcomeExhausted
	res.Err = lastErr
	return res
}

// post performs one attempt. It returns the status and a bounded copy of the
// response body, or a transport error.
func (c *Client) post(ctx context.Context, body []byte) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordDeliveryAttempt(ctx, string(faults.KindTransport), time.Since(start))
		return 0, nil, err
	}

	// A body that fails mid-read only loses the collector's explanation.
	respBody, _, _ := ReadResponseBody(resp, maxResponseBodyBytes)
	c.metrics.RecordDeliveryAttempt(ctx, attemptOutcome(resp.StatusCode), time.Since(start))
	return resp.StatusCode, respBody, nil
}

func accepted(status int) bool {
	return status == http.StatusOK || status == http.StatusCreated || status == http.StatusAccepted
}

func attemptOutcome(status int) string {
	switch {
	case accepted(status):
		return "accepted"
	case status >= 400 && status < 500:
		return string(faults.KindClientRejection)
	default:
		return string(faults.KindServer)
	}
}

// ReadResponseBody reads at most limit bytes of resp's body and closes it. The
// boolean reports whether the body was longer than limit.
func ReadResponseBody(resp *http.Response, limit int64) ([]byte, bool, error) {
	if resp == nil || resp.Body == nil {
		return nil, false, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return body[:limit], true, nil
	}
	return body, false, nil
}
