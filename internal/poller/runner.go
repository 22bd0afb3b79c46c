package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"bilisub/internal/bilibili"
	"bilisub/internal/detect"
	"bilisub/internal/eventbus"
	"bilisub/internal/storage"
	"bilisub/internal/subscription"
	"bilisub/internal/transport"
	logx "bilisub/pkg/logx"
)

// Checker evaluates one subscription.
type Checker interface {
	Check(ctx context.Context, rec subscription.Record) (detect.Outcome, error)
}

// Merger persists check results.
type Merger interface {
	Merge(ctx context.Context, cat subscription.Category, id int64, p subscription.Patch) error
}

// Notifier delivers announcements and admin alerts.
type Notifier interface {
	Send(ctx context.Context, owners []string, p transport.Payload) error
	Alert(ctx context.Context, text string) error
}

type RunnerConfig struct {
	// BatchSize is how many subscriptions one tick checks.
	BatchSize int
	// Concurrency bounds parallel checks within a tick.
	Concurrency int
	// CheckTimeout bounds one subscription check, fetches included.
	CheckTimeout time.Duration
}

func (c RunnerConfig) normalized() RunnerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

// Failure is a recorded check failure.
type Failure struct {
	Time    time.Time `json:"time"`
	Key     string    `json:"key"`
	Name    string    `json:"name"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// RunnerStats are cumulative counters since start.
type RunnerStats struct {
	Ticks    uint64    `json:"ticks"`
	Checked  uint64    `json:"checked"`
	Notified uint64    `json:"notified"`
	Failed   uint64    `json:"failed"`
	LastTick time.Time `json:"last_tick"`
	Failures []Failure `json:"recent_failures,omitempty"`
}

const maxFailures = 20

// Runner pulls subscriptions from a Pool, checks them, persists the result
// and hands announcements to the Notifier. Failures of one subscription
// never stop the others.
type Runner struct {
	pool     *Pool
	checker  Checker
	store    Merger
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger

	cfgMu sync.RWMutex
	cfg   RunnerConfig

	ticks    atomic.Uint64
	checked  atomic.Uint64
	notified atomic.Uint64
	failed   atomic.Uint64
	lastTick atomic.Int64

	fmu      sync.Mutex
	failures []Failure
}

func NewRunner(pool *Pool, checker Checker, store Merger, notifier Notifier, bus eventbus.Bus, cfg RunnerConfig, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Runner{
		pool:     pool,
		checker:  checker,
		store:    store,
		notifier: notifier,
		bus:      bus,
		log:      log,
		cfg:      cfg.normalized(),
	}
}

func (r *Runner) SetConfig(cfg RunnerConfig) {
	r.cfgMu.Lock()
	r.cfg = cfg.normalized()
	r.cfgMu.Unlock()
}

func (r *Runner) config() RunnerConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

func (r *Runner) Pool() *Pool { return r.pool }

func (r *Runner) PoolStats() PoolStats { return r.pool.Stats() }

// Tick draws up to BatchSize subscriptions and checks them. It returns an
// error only when the pool cannot be reloaded.
func (r *Runner) Tick(ctx context.Context) error {
	cfg := r.config()
	r.ticks.Add(1)
	r.lastTick.Store(time.Now().UnixNano())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	seen := make(map[subscription.Key]struct{}, cfg.BatchSize)
	var poolErr error
	for range cfg.BatchSize {
		before := r.pool.Cycles()
		rec, ok, err := r.pool.Next(ctx)
		if err != nil {
			poolErr = err
			r.log.Error("subscription pool reload failed", logx.Err(err))
			r.bus.Publish(eventbus.Event{Type: eventbus.PollFailed, Data: map[string]any{"stage": "reload", "error": err.Error()}})
			break
		}
		if !ok {
			r.log.Trace("no subscriptions, idle")
			break
		}
		if after := r.pool.Cycles(); after != before {
			r.log.Debug("poll cycle started", logx.Uint64("cycle", after))
			r.bus.Publish(eventbus.Event{Type: eventbus.PollCycle, Data: r.pool.Stats()})
		}
		// A small store can wrap around within one batch.
		if _, dup := seen[rec.Key()]; dup {
			break
		}
		seen[rec.Key()] = struct{}{}
		g.Go(func() error {
			r.process(gctx, rec)
			return nil
		})
	}
	_ = g.Wait()
	return poolErr
}

// RunCycle checks every subscription still waiting in the current cycle,
// starting a new cycle first when the previous one is complete.
func (r *Runner) RunCycle(ctx context.Context) (int, error) {
	if err := r.pool.Reload(ctx); err != nil {
		return 0, err
	}
	cfg := r.config()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	n := 0
	for total(r.pool.Remaining()) > 0 {
		rec, ok, err := r.pool.Next(ctx)
		if err != nil {
			_ = g.Wait()
			return n, err
		}
		if !ok {
			break
		}
		n++
		g.Go(func() error {
			r.process(gctx, rec)
			return nil
		})
	}
	_ = g.Wait()
	return n, nil
}

func total(m map[subscription.Category]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func (r *Runner) process(ctx context.Context, rec subscription.Record) {
	log := r.log.With(logx.String("sub", rec.Key().String()), logx.String("name", rec.Label()))
	defer func() {
		if v := recover(); v != nil {
			r.failed.Add(1)
			log.Error("subscription check panicked", logx.Any("panic", v), logx.Stack(string(debug.Stack())))
			r.recordFailure(rec, "panic", fmt.Sprint(v))
		}
	}()

	cctx := ctx
	if timeout := r.config().CheckTimeout; timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := r.checker.Check(cctx, rec)
	r.checked.Add(1)
	if err != nil {
		r.upstreamFailure(ctx, log, rec, err)
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.PollChecked, Data: map[string]any{"key": rec.Key().String(), "dur_ms": time.Since(start).Milliseconds()}})

	if !out.Patch.Empty() {
		if err := r.store.Merge(ctx, rec.Category, rec.ID, out.Patch); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				log.Debug("subscription removed during check")
				return
			}
			r.failed.Add(1)
			log.Error("persist check result failed", logx.Strs("fields", out.Patch.Fields()), logx.Err(err))
			r.recordFailure(rec, "store", err.Error())
			r.bus.Publish(eventbus.Event{Type: eventbus.PollFailed, Data: map[string]any{"key": rec.Key().String(), "stage": "store", "error": err.Error()}})
			return
		}
		log.Debug("check result persisted", logx.Strs("fields", out.Patch.Fields()))
	}

	if !out.Notify() {
		return
	}
	if err := r.notifier.Send(ctx, rec.Owners, out.Payload); err != nil {
		log.Warn("announcement not queued", logx.Err(err))
		return
	}
	r.notified.Add(1)
	log.Info("announcement queued", logx.Int("owners", len(rec.Owners)))
	r.bus.Publish(eventbus.Event{Type: eventbus.PollNotified, Data: map[string]any{"key": rec.Key().String(), "owners": len(rec.Owners)}})
}

func (r *Runner) upstreamFailure(ctx context.Context, log logx.Logger, rec subscription.Record, err error) {
	if ctx.Err() != nil {
		// Shutting down.
		return
	}
	r.failed.Add(1)
	kind := bilibili.Classify(err)
	log.Warn("subscription check failed", logx.String("kind", kind.String()), logx.Err(err))
	r.recordFailure(rec, kind.String(), err.Error())
	r.bus.Publish(eventbus.Event{Type: eventbus.PollFailed, Data: map[string]any{"key": rec.Key().String(), "kind": kind.String(), "error": err.Error()}})

	// Not-found here means the source vanished after it was subscribed.
	text := fmt.Sprintf("Subscription check failed for %s (%s).\n%s", rec.Label(), rec.Key(), bilibili.Describe(err))
	if aerr := r.notifier.Alert(ctx, text); aerr != nil {
		log.Warn("admin alert not queued", logx.Err(aerr))
	}
}

func (r *Runner) recordFailure(rec subscription.Record, kind, msg string) {
	r.fmu.Lock()
	defer r.fmu.Unlock()
	r.failures = append(r.failures, Failure{Time: time.Now(), Key: rec.Key().String(), Name: rec.Label(), Kind: kind, Message: msg})
	if len(r.failures) > maxFailures {
		r.failures = r.failures[len(r.failures)-maxFailures:]
	}
}

func (r *Runner) Stats() RunnerStats {
	st := RunnerStats{
		Ticks:    r.ticks.Load(),
		Checked:  r.checked.Load(),
		Notified: r.notified.Load(),
		Failed:   r.failed.Load(),
	}
	if ns := r.lastTick.Load(); ns > 0 {
		st.LastTick = time.Unix(0, ns)
	}
	r.fmu.Lock()
	st.Failures = append([]Failure(nil), r.failures...)
	r.fmu.Unlock()
	return st
}
