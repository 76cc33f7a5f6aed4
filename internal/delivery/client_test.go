package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NilsIgris/sylon/internal/agent"
	"github.com/NilsIgris/sylon/internal/config"
	"github.com/NilsIgris/sylon/internal/events"
	"github.com/NilsIgris/sylon/internal/faults"
)

type sleepRecorder struct {
	calls []time.Duration
	err   error
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return s.err
}

func approx(got, want time.Duration) bool {
	d := got - want
	return d > -time.Microsecond && d < time.Microsecond
}

func testConfig(endpoint string) config.Config {
	cfg := config.Defaults()
	cfg.Endpoint = endpoint
	cfg.APIKey = "secret-token"
	cfg.Timeout = 2 * time.Second
	cfg.MaxRetries = 3
	cfg.BackoffBase = 2
	cfg.Jitter = 0.3
	return cfg
}

func testPayload() *agent.TelemetryPayload {
	return &agent.TelemetryPayload{
		Timestamp: "2026-01-01T00:00:00.000000Z",
		Hostname:  "web-01",
		MachineID: "abc123",
		LoadAvg:   map[string]float64{},
	}
}

func newTestClient(cfg config.Config, rec *sleepRecorder, buf *bytes.Buffer) *Client {
	return NewClient(cfg,
		WithSleep(rec.sleep),
		WithRand(func() float64 { return 0.5 }),
		WithLogger(events.NewEventLoggerWithWriter(buf, events.Options{Level: "debug"})),
	)
}

func statusServer(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		status := statuses[len(statuses)-1]
		if int(n) <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, "reason for "+http.StatusText(status))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestSendDisabledEndpointMakesNoRequests(t *testing.T) {
	_, calls := statusServer(t, http.StatusOK)
	rec := &sleepRecorder{}
	var buf bytes.Buffer

	for _, endpoint := range []string{config.Unset, ""} {
		cfg := testConfig(endpoint)
		c := newTestClient(cfg, rec, &buf)
		res := c.Send(context.Background(), testPayload())

		if !res.OK() || res.Outcome != OutcomeDisabled {
			t.Errorf("endpoint %q: expected disabled success, got %+v", endpoint, res)
		}
	}

	if n := atomic.LoadInt32(calls); n != 0 {
		t.Errorf("expected zero requests, got %d", n)
	}
	if len(rec.calls) != 0 {
		t.Errorf("expected zero sleeps, got %v", rec.calls)
	}
	if !strings.Contains(buf.String(), "delivery_disabled") {
		t.Errorf("expected delivery_disabled warning, got %s", buf.String())
	}
}

func TestSendCreatedOnFirstAttempt(t *testing.T) {
	var gotAuth, gotType string
	var gotBody agent.TelemetryPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	var buf bytes.Buffer
	c := newTestClient(testConfig(srv.URL), rec, &buf)

	res := c.Send(context.Background(), testPayload())

	if !res.OK() || res.Outcome != OutcomeDelivered {
		t.Fatalf("expected delivered, got %+v", res)
	}
	if res.Attempts != 1 || res.StatusCode != http.StatusCreated {
		t.Errorf("expected 1 attempt with 201, got %d/%d", res.Attempts, res.StatusCode)
	}
	if len(rec.calls) != 0 {
		t.Errorf("expected zero sleeps, got %v", rec.calls)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("unexpected Authorization %q", gotAuth)
	}
	if gotType != "application/json" {
		t.Errorf("unexpected Content-Type %q", gotType)
	}
	if gotBody.MachineID != "abc123" || gotBody.Hostname != "web-01" {
		t.Errorf("unexpected body %+v", gotBody)
	}
	if !strings.Contains(buf.String(), "payload_accepted") {
		t.Error("expected payload_accepted log")
	}
}

func TestSendAcceptsOKAndAccepted(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusAccepted} {
		srv, calls := statusServer(t, status)
		rec := &sleepRecorder{}
		c := newTestClient(testConfig(srv.URL), rec, &bytes.Buffer{})

		if res := c.Send(context.Background(), testPayload()); !res.OK() {
			t.Errorf("status %d: expected success, got %+v", status, res)
		}
		if n := atomic.LoadInt32(calls); n != 1 {
			t.Errorf("status %d: expected one request, got %d", status, n)
		}
	}
}

func TestSendClientRejectionIsFinal(t *testing.T) {
	srv, calls := statusServer(t, http.StatusUnauthorized)
	rec := &sleepRecorder{}
	var buf bytes.Buffer
	c := newTestClient(testConfig(srv.URL), rec, &buf)

	res := c.Send(context.Background(), testPayload())

	if res.OK() || res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %+v", res)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("expected exactly one request, got %d", n)
	}
	if len(rec.calls) != 0 {
		t.Errorf("expected zero sleeps, got %v", rec.calls)
	}
	if !faults.IsKind(res.Err, faults.KindClientRejection) {
		t.Errorf("expected client_rejection, got %v", res.Err)
	}
	if !res.Completed() {
		t.Error("a rejection is a completed attempt")
	}

	line := buf.String()
	if !strings.Contains(line, "payload_rejected") || !strings.Contains(line, "reason for Unauthorized") {
		t.Errorf("expected rejection body in log, got %s", line)
	}
}

func TestSendServerErrorsExhaustRetries(t *testing.T) {
	srv, calls := statusServer(t, http.StatusInternalServerError)
	rec := &sleepRecorder{}
	var buf bytes.Buffer
	c := newTestClient(testConfig(srv.URL), rec, &buf)

	res := c.Send(context.Background(), testPayload())

	if res.OK() || res.Outcome != OutcomeExhausted {
		t.Fatalf("expected exhausted, got %+v", res)
	}
	if n := atomic.LoadInt32(calls); n != 3 {
		t.Errorf("expected 3 requests, got %d", n)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
	if !faults.IsKind(res.Err, faults.KindServer) {
		t.Errorf("expected server_error, got %v", res.Err)
	}

	// Sleeps fall between attempts only: base^1+0.15 and base^2+0.15.
	want := []time.Duration{2150 * time.Millisecond, 4150 * time.Millisecond}
	if len(rec.calls) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, rec.calls)
	}
	for i := range want {
		if !approx(rec.calls[i], want[i]) {
			t.Errorf("sleep %d: expected %v, got %v", i, want[i], rec.calls[i])
		}
	}
	if !strings.Contains(buf.String(), "delivery_exhausted") {
		t.Error("expected delivery_exhausted log")
	}
}

func TestSendRecoversAfterServerError(t *testing.T) {
	srv, calls := statusServer(t, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusOK)
	rec := &sleepRecorder{}
	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 5
	c := newTestClient(cfg, rec, &bytes.Buffer{})

	res := c.Send(context.Background(), testPayload())

	if !res.OK() || res.Attempts != 3 {
		t.Fatalf("expected success on third attempt, got %+v", res)
	}
	if n := atomic.LoadInt32(calls); n != 3 {
		t.Errorf("expected 3 requests, got %d", n)
	}
	if len(rec.calls) != 2 {
		t.Errorf("expected 2 sleeps, got %v", rec.calls)
	}
}

func TestSendNoContentIsRetried(t *testing.T) {
	srv, calls := statusServer(t, http.StatusNoContent)
	rec := &sleepRecorder{}
	c := newTestClient(testConfig(srv.URL), rec, &bytes.Buffer{})

	res := c.Send(context.Background(), testPayload())

	if res.OK() {
		t.Fatalf("expected 204 to be treated as retryable, got %+v", res)
	}
	if n := atomic.LoadInt32(calls); n != 3 {
		t.Errorf("expected 3 requests, got %d", n)
	}
}

func TestSendTransportErrorsExhaustRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	rec := &sleepRecorder{}
	c := newTestClient(testConfig("http://"+addr+"/ingest"), rec, &bytes.Buffer{})

	res := c.Send(context.Background(), testPayload())

	if res.Outcome != OutcomeExhausted || res.Attempts != 3 {
		t.Fatalf("expected exhausted after 3 attempts, got %+v", res)
	}
	if !faults.IsKind(res.Err, faults.KindTransport) {
		t.Errorf("expected transport_error, got %v", res.Err)
	}
	if len(rec.calls) != 2 {
		t.Errorf("expected 2 sleeps, got %v", rec.calls)
	}
}

func TestSendZeroRetriesFailsWithoutRequests(t *testing.T) {
	srv, calls := statusServer(t, http.StatusOK)
	rec := &sleepRecorder{}
	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 0
	c := newTestClient(cfg, rec, &bytes.Buffer{})

	res := c.Send(context.Background(), testPayload())

	if res.OK() || res.Outcome != OutcomeExhausted || res.Attempts != 0 {
		t.Fatalf("expected exhausted with zero attempts, got %+v", res)
	}
	if n := atomic.LoadInt32(calls); n != 0 {
		t.Errorf("expected zero requests, got %d", n)
	}
}

func TestSendCancelledDuringBackoff(t *testing.T) {
	srv, calls := statusServer(t, http.StatusInternalServerError)
	rec := &sleepRecorder{err: context.Canceled}
	c := newTestClient(testConfig(srv.URL), rec, &bytes.Buffer{})

	res := c.Send(context.Background(), testPayload())

	if res.Outcome != OutcomeCancelled || res.Completed() {
		t.Fatalf("expected cancelled, got %+v", res)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", res.Err)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("expected one request before cancellation, got %d", n)
	}
}

func TestSendRequestSurvivesCancelledContext(t *testing.T) {
	srv, calls := statusServer(t, http.StatusOK)
	rec := &sleepRecorder{}
	c := newTestClient(testConfig(srv.URL), rec, &bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if res := c.Send(ctx, testPayload()); !res.OK() {
		t.Fatalf("expected in-flight request to ignore cancellation, got %+v", res)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("expected one request, got %d", n)
	}
}

func TestSendUnencodablePayload(t *testing.T) {
	srv, calls := statusServer(t, http.StatusOK)
	c := newTestClient(testConfig(srv.URL), &sleepRecorder{}, &bytes.Buffer{})

	p := testPayload()
	p.CPUPercent = math.NaN()

	res := c.Send(context.Background(), p)
	if res.Outcome != OutcomeFailed || !faults.IsKind(res.Err, faults.KindUnexpected) {
		t.Fatalf("expected unexpected failure, got %+v", res)
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Error("expected no request for an unencodable payload")
	}

	if res := c.Send(context.Background(), nil); res.Outcome != OutcomeFailed {
		t.Errorf("expected failure for nil payload, got %+v", res)
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := testConfig("http://collector.invalid")
	cfg.BackoffBase = 10
	c := NewClient(cfg, WithRand(func() float64 { return 0.99 }))

	if got := c.Backoff(1); !approx(got, 10*time.Second+297*time.Millisecond) {
		t.Errorf("Backoff(1) = %v", got)
	}
	if got := c.Backoff(2); got != MaxBackoff {
		t.Errorf("Backoff(2) = %v, want %v", got, MaxBackoff)
	}
	if got := c.Backoff(400); got != MaxBackoff {
		t.Errorf("Backoff(400) = %v, want %v", got, MaxBackoff)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := testConfig("http://collector.invalid")
	c := NewClient(cfg)

	for i := 0; i < 100; i++ {
		got := c.Backoff(1)
		if got < 2*time.Second || got >= 2*time.Second+300*time.Millisecond {
			t.Fatalf("Backoff(1) = %v outside [2s, 2.3s)", got)
		}
	}
}

func TestReadResponseBodyTruncates(t *testing.T) {
	resp := &http.Response{Body: io.NopCloser(strings.NewReader("abcdefgh"))}

	body, truncated, err := ReadResponseBody(resp, 4)
	if err != nil {
		t.Fatalf("ReadResponseBody failed: %v", err)
	}
	if string(body) != "abcd" || !truncated {
		t.Errorf("expected truncated 'abcd', got %q truncated=%v", body, truncated)
	}

	body, truncated, _ = ReadResponseBody(nil, 4)
	if body != nil || truncated {
		t.Error("expected nil body for nil response")
	}
}
