// Package mockserver is a local stand-in for the telemetry collector and the
// update artifact host. It records what the agent sends and replays scripted
// status codes so retry and rejection paths can be exercised end to end.
package mockserver

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/NilsIgris/sylon/internal/agent"
	"github.com/NilsIgris/sylon/internal/otel"
)

const maxIngestBytes = 1 << 20

// Config configures the mock server.
type Config struct {
	Addr string

	// APIKey is the expected bearer credential. Empty accepts any request.
	APIKey string

	// Artifact is served at /artifact. Nil serves 404.
	Artifact []byte

	// Tracer extracts the caller's trace context from ingest requests. Nil
	// uses the global tracer.
	Tracer *otel.Tracer
}

// TraceContext is the trace context an ingest request arrived with.
type TraceContext struct {
	Traceparent string
	TraceID     string
	SpanID      string
}

func DefaultConfig() *Config {
	return &Config{Addr: "127.0.0.1:0"}
}

// Server is the mock server interface.
type Server interface {
	Start() error
	Stop(ctx context.Context)
	Addr() string
	IngestURL() string
	ArtifactURL() string

	// ScriptStatuses queues status codes for the next ingest requests. Once the
	// queue is empty every request gets 201.
	ScriptStatuses(codes ...int)
	SetArtifact(data []byte)

	// Payloads returns the accepted payloads in arrival order.
	Payloads() []agent.TelemetryPayload
	IngestRequests() int
	ArtifactRequests() int

	// Traces returns the trace context of every ingest request that carried a
	// traceparent header, in arrival order.
	Traces() []TraceContext
}

// New creates a new mock server.
func New(config *Config) Server {
	if config == nil {
		config = DefaultConfig()
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.GetGlobalTracer()
	}
	return &mockServer{cfg: config, tracer: tracer, artifact: config.Artifact}
}

// StartTestServer starts a server with defaults and returns cleanup.
func StartTestServer() (server Server, cleanup func()) {
	srv := New(DefaultConfig())
	if err := srv.Start(); err != nil {
		return srv, func() {}
	}
	cleanup = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}
	return srv, cleanup
}

type mockServer struct {
	cfg        *Config
	tracer     *otel.Tracer
	httpServer *http.Server
	addr       string

	mu               sync.Mutex
	statuses         []int
	artifact         []byte
	payloads         []agent.TelemetryPayload
	ingestRequests   int
	artifactRequests int
	traces           []TraceContext
}

func (s *mockServer) Start() error {
	ln, err := net.Listen("tcp", normalizeAddr(s.cfg.Addr))
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/artifact", s.handleArtifact)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = s.httpServer.Serve(ln)
	}()

	return nil
}

func (s *mockServer) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	_ = s.httpServer.Shutdown(ctx)
}

func (s *mockServer) Addr() string {
	return s.addr
}

func (s *mockServer) IngestURL() string {
	if s.addr == "" {
		return ""
	}
	return "http://" + s.addr + "/ingest"
}

func (s *mockServer) ArtifactURL() string {
	if s.addr == "" {
		return ""
	}
	return "http://" + s.addr + "/artifact"
}

func (s *mockServer) ScriptStatuses(codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, codes...)
}

func (s *mockServer) SetArtifact(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact = data
}

func (s *mockServer) Payloads() []agent.TelemetryPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agent.TelemetryPayload, len(s.payloads))
	copy(out, s.payloads)
	return out
}

func (s *mockServer) IngestRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingestRequests
}

func (s *mockServer) ArtifactRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifactRequests
}

func (s *mockServer) Traces() []TraceContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TraceContext, len(s.traces))
	copy(out, s.traces)
	return out
}

func (s *mockServer) nextStatus() int {
	if len(s.statuses) == 0 {
		return http.StatusCreated
	}
	code := s.statuses[0]
	s.statuses = s.statuses[1:]
	return code
}

func (s *mockServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestRequests++
	s.recordTrace(r)

	if s.cfg.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
		writeError(w, http.StatusUnauthorized, "invalid bearer credential")
		return
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "expected application/json")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var p agent.TelemetryPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	status := s.nextStatus()
	if status >= 200 && status < 300 {
		s.payloads = append(s.payloads, p)
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]any{"status": status})
}

func (s *mockServer) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	s.artifactRequests++
	data := s.artifact
	s.mu.Unlock()

	if data == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *mockServer) recordTrace(r *http.Request) {
	traceparent := r.Header.Get("traceparent")
	if traceparent == "" {
		return
	}
	ctx := otel.ExtractContext(r.Context(), r.Header, s.tracer)
	traceID, spanID := otel.GetTraceInfo(ctx)
	s.traces = append(s.traces, TraceContext{
		Traceparent: traceparent,
		TraceID:     traceID,
		SpanID:      spanID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func normalizeAddr(addr string) string {
	if addr == "" {
		return "127.0.0.1:0"
	}
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		return "127.0.0.1:" + port
	}
	return addr
}
