// Package scheduler runs the agent's single control loop, interleaving the
// update check and the metrics delivery on independent intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NilsIgris/sylon/internal/agent"
	"github.com/NilsIgris/sylon/internal/config"
	"github.com/NilsIgris/sylon/internal/delivery"
	"github.com/NilsIgris/sylon/internal/events"
	"github.com/NilsIgris/sylon/internal/faults"
	"github.com/NilsIgris/sylon/internal/otel"
	"github.com/NilsIgris/sylon/internal/updater"
)

// MinSleep is the shortest wait between iterations.
const MinSleep = time.Second

// ErrRestartRequired is returned by Run after the program file was replaced.
var ErrRestartRequired = errors.New("update applied, restart required")

// Updater checks for and applies a new program file.
type Updater interface {
	CheckAndApply(ctx context.Context, selfPath string) updater.Result
}

// Sender delivers one payload.
type Sender interface {
	Send(ctx context.Context, payload *agent.TelemetryPayload) delivery.Result
}

// Identity supplies the machine id stamped on every payload.
type Identity interface {
	Resolve() string
}

// Clock abstracts time so tests can drive the loop.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	return delivery.Sleep(ctx, d)
}

// TaskSchedule tracks one periodic task.
type TaskSchedule struct {
	Name     string
	Interval time.Duration
	LastRun  time.Time
}

// Due reports whether a full interval has elapsed since LastRun.
func (t TaskSchedule) Due(now time.Time) bool {
	return now.Sub(t.LastRun) >= t.Interval
}

// Remaining returns the time until the task is next due, never negative.
func (t TaskSchedule) Remaining(now time.Time) time.Duration {
	r := t.Interval - now.Sub(t.LastRun)
	if r < 0 {
		return 0
	}
	return r
}

// Scheduler owns both task schedules. It is not safe for concurrent use.
type Scheduler struct {
	selfPath string

	source   agent.Source
	sender   Sender
	updater  Updater
	identity Identity

	clock   Clock
	logger  *events.EventLogger
	metrics *otel.Metrics
	status  func(string)

	metricsTask TaskSchedule
	updateTask  TaskSchedule
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l *events.EventLogger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithMetrics(m *otel.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithStatus registers a callback receiving a one-line status after each task.
func WithStatus(fn func(string)) Option {
	return func(s *Scheduler) { s.status = fn }
}

// New builds a Scheduler. Both schedules are set relative to the clock's
// current time: metrics become due one interval from now, the update check is
// due immediately.
func New(cfg config.Config, source agent.Source, sender Sender, upd Updater, id Identity, opts ...Option) *Scheduler {
	s := &Scheduler{
		selfPath: cfg.SelfPath,
		source:   source,
		sender:   sender,
		updater:  upd,
		identity: id,
		clock:    realClock{},
		logger:   events.GetGlobalEventLogger(),
		metrics:  otel.GetGlobalMetrics(),
		status:   func(string) {},
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.clock.Now()
	s.metricsTask = TaskSchedule{Name: "metrics", Interval: cfg.Interval, LastRun: now}
	s.updateTask = TaskSchedule{Name: "update", Interval: cfg.UpdateInterval, LastRun: now.Add(-cfg.UpdateInterval)}
	return s
}

// Schedules returns copies of the metrics and update schedules.
func (s *Scheduler) Schedules() (metrics, update TaskSchedule) {
	return s.metricsTask, s.updateTask
}

// Run loops until ctx is cancelled, returning ctx.Err(), or until an update is
// applied, returning ErrRestartRequired.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.Tick(ctx, s.clock.Now()) {
			return ErrRestartRequired
		}

		d := s.NextSleep(s.clock.Now())
		s.logger.LogSleep(d)
		if err := s.clock.Sleep(ctx, d); err != nil {
			return err
		}
	}
}

// Tick runs whichever tasks are due at now, update check first. It reports
// whether an update was applied, in which case metrics are not sent.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) bool {
	if s.updateTask.Due(now) {
		res := s.updater.CheckAndApply(ctx, s.selfPath)
		if res.Applied {
			s.status("update applied, restarting")
			return true
		}
		s.updateTask.LastRun = now
	}

	if s.metricsTask.Due(now) {
		advance, err := s.deliver(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.LogUnexpected(s.metricsTask.Name, err)
			s.metrics.RecordCollectError(ctx)
			s.status("metrics failed: " + string(faults.KindOf(err)))
		case advance:
			s.metricsTask.LastRun = now
		}
	}
	return false
}

// NextSleep returns the wait until the nearer task, floored at MinSleep.
func (s *Scheduler) NextSleep(now time.Time) time.Duration {
	d := min(s.metricsTask.Remaining(now), s.updateTask.Remaining(now))
	return max(d, MinSleep)
}

// deliver collects, stamps and sends one payload. advance is true when the
// send reached a terminal verdict. Any panic is converted to an
// unexpected_error.
func (s *Scheduler) deliver(ctx context.Context) (advance bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			advance = false
			err = faults.New(faults.KindUnexpected, "scheduler.deliver", fmt.Sprintf("panic: %v", r))
		}
	}()

	payload, err := s.source.Collect(ctx)
	if err != nil {
		return false, faults.Wrap(faults.KindUnexpected, "scheduler.collect", err)
	}
	if payload == nil {
		return false, faults.New(faults.KindUnexpected, "scheduler.collect", "collector returned no payload")
	}
	payload.MachineID = s.identity.Resolve()

	res := s.sender.Send(ctx, payload)
	switch {
	case res.Completed():
		s.status("last delivery " + string(res.Outcome))
		return true, nil
	case res.Outcome == delivery.OutcomeCancelled:
		return false, nil
	case res.Err != nil:
		return false, res.Err
	default:
		return false, faults.New(faults.KindUnexpected, "scheduler.deliver", "send outcome "+string(res.Outcome))
	}
}
