// Package updater fetches a replacement program file and swaps it in place of
// the running one. It never restarts the process; the caller exits and the
// service manager starts the new file.
package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/NilsIgris/sylon/internal/config"
	"github.com/NilsIgris/sylon/internal/delivery"
	"github.com/NilsIgris/sylon/internal/events"
	"github.com/NilsIgris/sylon/internal/faults"
	"github.com/NilsIgris/sylon/internal/otel"
)

const (
	// MarkerWindow is how many leading bytes are searched for the marker.
	MarkerWindow = 50

	// DefaultMaxSize bounds the artifact held in memory.
	DefaultMaxSize = 128 << 20

	opCheck = "updater.check"
)

// Outcome is the result category of one check.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeDisabled Outcome = "disabled"
	OutcomeFetch    Outcome = "fetch_failed"
	OutcomeInvalid  Outcome = "invalid"
	OutcomeWrite    Outcome = "write_failed"
)

// Result describes one CheckAndApply call. Applied is true only when the
// program file was replaced.
type Result struct {
	Applied bool
	Outcome Outcome
	Size    int
	Err     error
}

// Updater checks one remote artifact URL.
type Updater struct {
	url     string
	enabled bool
	marker  []byte
	timeout time.Duration
	maxSize int64

	httpClient *http.Client
	logger     *events.EventLogger
	tracer     *otel.Tracer
	metrics    *otel.Metrics
}

// Option configures an Updater.
type Option func(*Updater)

func WithHTTPClient(hc *http.Client) Option {
	return func(u *Updater) { u.httpClient = hc }
}

func WithLogger(l *events.EventLogger) Option {
	return func(u *Updater) { u.logger = l }
}

func WithTracer(t *otel.Tracer) Option {
	return func(u *Updater) { u.tracer = t }
}

func WithMetrics(m *otel.Metrics) Option {
	return func(u *Updater) { u.metrics = m }
}

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n int64) Option {
	return func(u *Updater) { u.maxSize = n }
}

// New builds an Updater from the update fields of cfg.
func New(cfg config.Config, opts ...Option) *Updater {
	u := &Updater{
		url:     cfg.RemoteCodeURL,
		enabled: cfg.UpdatesEnabled(),
		marker:  []byte(cfg.UpdateMarker),
		timeout: cfg.Timeout,
		maxSize: DefaultMaxSize,
		logger:  events.GetGlobalEventLogger(),
		tracer:  otel.GetGlobalTracer(),
		metrics: otel.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.httpClient == nil {
		u.httpClient = &http.Client{Transport: otel.Transport(nil, u.tracer)}
	}
	return u
}

// Enabled reports whether a remote artifact URL is configured.
func (u *Updater) Enabled() bool {
	return u.enabled
}

// CheckAndApply fetches the artifact and, if it passes Validate, replaces the
// file at selfPath. Any failure leaves selfPath untouched.
func (u *Updater) CheckAndApply(ctx context.Context, selfPath string) Result {
	if !u.enabled {
		u.logger.LogUpdateSkipped("remote_code_url_unset")
		u.metrics.RecordUpdateCheck(ctx, string(OutcomeDisabled))
		return Result{Outcome: OutcomeDisabled}
	}

	ctx, span := u.tracer.StartTaskSpan(ctx, opCheck, u.url)
	defer span.End()

	res := u.checkAndApply(ctx, selfPath)
	if res.Err != nil {
		kind := faults.KindOf(res.Err)
		u.logger.LogUpdateFailed(string(kind), res.Err)
		otel.RecordError(span, res.Err, string(kind), false)
	}
	u.metrics.RecordUpdateCheck(ctx, string(res.Outcome))
	return res
}

func (u *Updater) checkAndApply(ctx context.Context, selfPath string) Result {
	u.logger.LogUpdateAttempt(u.url)

	body, err := u.fetch(ctx)
	if err != nil {
		return Result{Outcome: OutcomeFetch, Err: err}
	}

	if err := Validate(body, u.marker); err != nil {
		return Result{Outcome: OutcomeInvalid, Size: len(body), Err: err}
	}

	if err := replaceFile(selfPath, body); err != nil {
		return Result{Outcome: OutcomeWrite, Size: len(body), Err: faults.Wrap(faults.KindUnexpected, opCheck, err)}
	}

	u.logger.LogUpdateApplied(selfPath, len(body))
	return Result{Applied: true, Outcome: OutcomeApplied, Size: len(body)}
}

// fetch downloads the artifact. The request ignores ctx cancellation and is
// bounded by the configured timeout.
func (u *Updater) fetch(ctx context.Context) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.url, nil)
	if err != nil {
		return nil, faults.MapTransport(opCheck, err)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, faults.MapTransport(opCheck, err)
	}

	body, truncated, err := delivery.ReadResponseBody(resp, u.maxSize)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &faults.Error{
			Kind:    faults.KindTransport,
			Code:    faults.CodeHTTPStatus,
			Op:      opCheck,
			Message: fmt.Sprintf("status %d", resp.StatusCode),
		}
	}
	if err != nil {
		return nil, faults.MapTransport(opCheck, err)
	}
	if truncated {
		return nil, faults.New(faults.KindValidation, opCheck,
			fmt.Sprintf("artifact exceeds %d bytes", u.maxSize))
	}
	return body, nil
}

// Validate applies the content heuristic: the artifact is non-empty and its
// first MarkerWindow bytes contain marker. It is not an integrity check.
func Validate(body, marker []byte) error {
	if len(body) == 0 {
		return faults.New(faults.KindValidation, opCheck, "empty artifact")
	}
	head := body
	if len(head) > MarkerWindow {
		head = head[:MarkerWindow]
	}
	if !bytes.Contains(head, marker) {
		return faults.New(faults.KindValidation, opCheck,
			fmt.Sprintf("marker %q not found in first %d bytes", marker, MarkerWindow))
	}
	return nil
}

// replaceFile writes data next to path and renames it over path, keeping the
// existing permission bits. Renaming swaps the directory entry, so the running
// executable's inode is never written to. A symlinked path is resolved first so
// the link keeps pointing at the updated program.
func replaceFile(path string, data []byte) (err error) {
	if path == "" {
		return errors.New("program path is empty")
	}
	if resolved, evalErr := filepath.EvalSymlinks(path); evalErr == nil {
		path = resolved
	}

	mode := fs.FileMode(0o755)
	if info, statErr := os.Stat(path); statErr == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".update-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
