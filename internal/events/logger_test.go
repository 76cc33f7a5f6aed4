package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestGetGlobalEventLoggerReturnsSingletonNoopWhenUnset(t *testing.T) {
	SetGlobalEventLogger(nil)

	a := GetGlobalEventLogger()
	b := GetGlobalEventLogger()

	if a == nil || b == nil {
		t.Fatal("expected non-nil noop logger")
	}
	if a != b {
		t.Fatal("expected singleton noop logger instance")
	}
}

func TestSetGlobalEventLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLoggerWithWriter(&buf, Options{})
	SetGlobalEventLogger(l)
	defer SetGlobalEventLogger(nil)

	if GetGlobalEventLogger() != l {
		t.Fatal("expected the configured logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPayloadRejectedRecord(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLoggerWithWriter(&buf, Options{Level: "info"})

	l.LogPayloadRejected(401, "bad token")

	recs := decodeLines(t, &buf)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec["msg"] != "payload_rejected" {
		t.Errorf("expected msg payload_rejected, got %v", rec["msg"])
	}
	if rec["level"] != "ERROR" {
		t.Errorf("expected ERROR level, got %v", rec["level"])
	}
	if rec["status"] != float64(401) {
		t.Errorf("expected status 401, got %v", rec["status"])
	}
	if rec["body"] != "bad token" {
		t.Errorf("expected body, got %v", rec["body"])
	}
	if rec["component"] != "sylon-agent" {
		t.Errorf("expected component attribute, got %v", rec["component"])
	}
}

func TestDeliveryRetryRecord(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLoggerWithWriter(&buf, Options{})

	l.LogDeliveryRetry(2, 5, "server_error", "status 503", 4200*time.Millisecond)

	recs := decodeLines(t, &buf)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0]["backoff_ms"] != float64(4200) {
		t.Errorf("expected backoff_ms 4200, got %v", recs[0]["backoff_ms"])
	}
	if recs[0]["kind"] != "server_error" {
		t.Errorf("expected kind server_error, got %v", recs[0]["kind"])
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLoggerWithWriter(&buf, Options{Level: "info"})

	l.LogSleep(time.Second)
	l.LogUpdateSkipped("remote_code_url_unset")

	if buf.Len() != 0 {
		t.Errorf("expected debug events filtered, got %q", buf.String())
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLoggerWithWriter(&buf, Options{Format: "text"})

	l.LogUnexpected("metrics", errors.New("boom"))

	out := buf.String()
	if !strings.Contains(out, "msg=unexpected_error") {
		t.Errorf("expected text record, got %q", out)
	}
	if !strings.Contains(out, "error=boom") {
		t.Errorf("expected error attribute, got %q", out)
	}
}

func TestWithAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLoggerWithWriter(&buf, Options{}).With("machine_id", "abc123")

	l.LogShuttingDown("interrupt")

	recs := decodeLines(t, &buf)
	if len(recs) != 1 || recs[0]["machine_id"] != "abc123" {
		t.Errorf("expected machine_id attribute, got %v", recs)
	}
}
