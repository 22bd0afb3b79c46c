// Package app wires configuration, storage, the Bilibili client, the poller
// and the Telegram front end into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bilisub/internal/bilibili"
	"bilisub/internal/commands"
	"bilisub/internal/config"
	"bilisub/internal/detect"
	"bilisub/internal/eventbus"
	"bilisub/internal/notifier"
	"bilisub/internal/poller"
	rtsup "bilisub/internal/runtime/supervisor"
	"bilisub/internal/status"
	"bilisub/internal/storage"
	"bilisub/internal/task/scheduler"
	"bilisub/internal/transport"
	"bilisub/internal/transport/telegram"
	logx "bilisub/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log      logx.Logger
	logs     *logx.Service
	bus      eventbus.Bus
	recorder *eventbus.Recorder
	store    storage.Store

	client  *bilibili.Client
	checker *swapChecker
	runner  *poller.Runner
	trigger *scheduler.Trigger
	notif   *notifier.Service

	adapter *telegram.Adapter
	router  *commands.Router
	status  *status.Server

	pollEnabled bool
	updates     chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg, logTarget(cfg)), ad)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a, err := build(cfg, log, bus, store, ad)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

// build assembles everything downstream of storage and the adapter.
func build(cfg *config.Config, log logx.Logger, bus eventbus.Bus, store storage.Store, ad *telegram.Adapter) (*App, error) {
	bc, err := mapBilibiliConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := bilibili.New(bc, log.With(logx.String("comp", "bilibili")))

	dopts, err := mapDetectOptions(cfg, log.With(logx.String("comp", "detect")))
	if err != nil {
		return nil, err
	}
	checker := newSwapChecker(detect.New(client, dopts))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)

	rcfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	runner := poller.NewRunner(poller.NewPool(store), checker, store, notif, bus, rcfg, log.With(logx.String("comp", "poller")))

	trigger, err := scheduler.New("poll", mapTriggerConfig(cfg), runner.Tick, log.With(logx.String("comp", "scheduler")), bus)
	if err != nil {
		return nil, err
	}

	recorder := eventbus.NewRecorder(cfg.Status.EventBuffer)

	router := commands.NewRouter(ad, cfg.Telegram.AdminUserIDs, log.With(logx.String("comp", "commands")))
	h := &commands.Handlers{Upstream: client, Store: store, Poller: runner, Trigger: trigger}
	if err := h.Register(router); err != nil {
		return nil, err
	}

	a := &App{
		log:         log,
		bus:         bus,
		recorder:    recorder,
		store:       store,
		client:      client,
		checker:     checker,
		runner:      runner,
		trigger:     trigger,
		notif:       notif,
		adapter:     ad,
		router:      router,
		pollEnabled: cfg.Poller.Enabled,
		updates:     make(chan transport.Update, 256),
	}
	if cfg.Status.Enabled {
		a.status = status.New(status.Config{Addr: cfg.Status.Addr, Token: cfg.Status.Token}, status.Deps{
			Poller:        runner,
			Trigger:       trigger,
			Subscriptions: store,
			Events:        recorder,
			Supervisor:    supervisorView{a},
			Deliveries:    notif,
		}, log.With(logx.String("comp", "status")).Zerolog())
	}
	return a, nil
}

// supervisorView resolves the supervisor lazily; it only exists after Start.
type supervisorView struct{ a *App }

func (v supervisorView) Snapshot() []rtsup.Stats {
	if v.a.sup == nil {
		return nil
	}
	return v.a.sup.Snapshot()
}

// Done is closed when the app supervisor is cancelled by a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	}

	if err := a.adapter.Start(c, a.updates); err != nil {
		return err
	}
	a.router.SetBotName(a.adapter.Username())
	a.sup.Go0("commands.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})

	if a.notif.Enabled() {
		a.notif.Start(c)
	}

	a.sup.Go("eventbus.recorder", func(c context.Context) error {
		return a.recorder.Run(c, a.bus)
	})
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	if a.pollEnabled {
		if err := a.trigger.Start(c); err != nil {
			return err
		}
	} else {
		a.log.Info("polling disabled; /poll_now still works")
	}

	a.sup.Go0("commands.dispatch", func(c context.Context) {
		a.router.Run(c, a.sup, a.updates)
	})

	if a.status != nil {
		a.sup.GoRestart("status.http", a.status.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			last := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return
				case next, ok := <-sub:
					if !ok {
						return
					}
					next = drainLatest(sub, next)
					a.apply(c, last, next)
					last = next
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started", logx.Bool("polling", a.pollEnabled), logx.Bool("status", a.status != nil))
	return nil
}

// drainLatest coalesces a burst of reloads into the newest config.
func drainLatest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-ch:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// apply pushes a validated config into the running components.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strs("sections", restart))
	}

	a.logs.Apply(mapLogConfig(next, logTarget(next)))

	a.router.SetAdmins(next.Telegram.AdminUserIDs)

	if dopts, err := mapDetectOptions(next, a.log.With(logx.String("comp", "detect"))); err != nil {
		a.log.Warn("invalid detect config; keeping previous", logx.Err(err))
	} else {
		a.checker.Store(detect.New(a.client, dopts))
	}

	if rcfg, err := mapRunnerConfig(next); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else {
		a.runner.SetConfig(rcfg)
	}

	if err := a.trigger.Apply(mapTriggerConfig(next)); err != nil {
		a.log.Warn("invalid poller schedule; keeping previous", logx.Err(err))
	}
	switch {
	case a.pollEnabled && !next.Poller.Enabled:
		a.log.Info("polling disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.trigger.Stop(stopCtx)
		cancel()
	case !a.pollEnabled && next.Poller.Enabled:
		a.log.Info("polling enabled via config")
		if err := a.trigger.Start(ctx); err != nil {
			a.log.Warn("poll trigger start failed", logx.Err(err))
		}
	}
	a.pollEnabled = next.Poller.Enabled

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !was && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Poll first so no new announcements are queued while the notifier drains.
	step("trigger", 3*time.Second, func(c context.Context) error { a.trigger.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
