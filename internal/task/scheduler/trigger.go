package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"bilisub/internal/eventbus"
	logx "bilisub/pkg/logx"
)

type Config struct {
	Schedule string
	Timezone string // IANA name, empty means local
	Timeout  time.Duration
}

// Job is the unit fired by a Trigger.
type Job func(ctx context.Context) error

// ErrBusy is returned by RunNow when the job is already running.
var ErrBusy = errors.New("job already running")

type Stats struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Running  bool          `json:"running"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	Failures uint64        `json:"failures"`
	LastRun  time.Time     `json:"last_run"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_err,omitempty"`
	Next     time.Time     `json:"next"`
}

// Trigger fires one job on its schedule.
type Trigger struct {
	name string
	job  Job
	log  logx.Logger
	bus  eventbus.Bus

	mu    sync.Mutex
	cfg   Config
	spec  ParsedSpec
	c     *cron.Cron
	entry cron.EntryID
	ctx   context.Context

	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64

	lastMu   sync.Mutex
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

func New(name string, cfg Config, job Job, log logx.Logger, bus eventbus.Bus) (*Trigger, error) {
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Trigger{
		name: name,
		job:  job,
		log:  log.With(logx.String("trigger", name)),
		bus:  bus,
		cfg:  cfg,
		spec: spec,
	}, nil
}

// Start begins firing. Runs inherit ctx; cancelling it aborts an active run
// but Stop is still required to release the cron goroutine.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return nil
	}
	t.ctx = ctx
	loc := t.location()
	t.c = cron.New(cron.WithLocation(loc))
	if err := t.scheduleLocked(loc); err != nil {
		t.c = nil
		return err
	}
	t.c.Start()
	t.log.Info("trigger started", logx.String("schedule", t.spec.String()), logx.String("tz", loc.String()))
	return nil
}

func (t *Trigger) scheduleLocked(loc *time.Location) error {
	sched, jitter, err := t.spec.schedule(loc, time.Now())
	if err != nil {
		return err
	}
	t.entry = t.c.Schedule(sched, cron.FuncJob(t.fire))
	if jitter > 0 {
		t.log.Debug("startup spread", logx.Duration("delay", jitter))
	}
	return nil
}

// Stop halts firing and waits for an active run to return or ctx to expire.
func (t *Trigger) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	t.log.Info("trigger stopped")
}

// Apply swaps the schedule. A running trigger is rescheduled in place.
func (t *Trigger) Apply(cfg Config) error {
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := spec != t.spec || strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(t.cfg.Timezone)
	t.cfg = cfg
	t.spec = spec
	if t.c == nil || !changed {
		return nil
	}
	t.c.Remove(t.entry)
	if err := t.scheduleLocked(t.location()); err != nil {
		return err
	}
	t.log.Info("trigger rescheduled", logx.String("schedule", spec.String()))
	return nil
}

func (t *Trigger) fire() {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := t.run(ctx); errors.Is(err, ErrBusy) {
		n := t.skipped.Add(1)
		t.log.Debug("run skipped, previous still active", logx.Uint64("skipped", n))
		t.bus.Publish(eventbus.Event{Type: eventbus.TriggerSkipped, Data: map[string]any{"trigger": t.name}})
	}
}

// RunNow runs the job immediately unless it is already running.
func (t *Trigger) RunNow(ctx context.Context) error {
	return t.run(ctx)
}

// RunWith runs job in place of the scheduled one. It shares the overlap
// guard, timeout and counters, so a scheduled tick and job never overlap.
func (t *Trigger) RunWith(ctx context.Context, job Job) error {
	return t.runJob(ctx, job)
}

func (t *Trigger) run(ctx context.Context) error {
	return t.runJob(ctx, t.job)
}

func (t *Trigger) runJob(ctx context.Context, job Job) (err error) {
	if !t.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer t.running.Store(false)

	t.mu.Lock()
	timeout := t.cfg.Timeout
	t.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("job panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = errors.New("job panicked")
		}
		took := time.Since(start)
		t.runs.Add(1)
		t.lastMu.Lock()
		t.lastRun, t.lastTook, t.lastErr = start, took, ""
		if err != nil {
			t.lastErr = err.Error()
		}
		t.lastMu.Unlock()
		if err != nil {
			t.failures.Add(1)
			t.log.Warn("run failed", logx.Duration("took", took), logx.Err(err))
			return
		}
		t.log.Debug("run finished", logx.Duration("took", took))
	}()
	return job(ctx)
}

func (t *Trigger) Stats() Stats {
	t.mu.Lock()
	st := Stats{Name: t.name, Schedule: t.spec.String()}
	if t.c != nil {
		st.Next = t.c.Entry(t.entry).Next
	}
	t.mu.Unlock()
	st.Running = t.running.Load()
	st.Runs = t.runs.Load()
	st.Skipped = t.skipped.Load()
	st.Failures = t.failures.Load()
	t.lastMu.Lock()
	st.LastRun, st.LastTook, st.LastErr = t.lastRun, t.lastTook, t.lastErr
	t.lastMu.Unlock()
	return st
}

func (t *Trigger) location() *time.Location {
	tz := strings.TrimSpace(t.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		t.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
