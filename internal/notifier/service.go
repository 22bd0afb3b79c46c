package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bilisub/internal/eventbus"
	"bilisub/internal/retry"
	rtsup "bilisub/internal/runtime/supervisor"
	"bilisub/internal/transport"
	logx "bilisub/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoTargets = errors.New("notifier: no valid targets")
)

type job struct {
	n        transport.Notification
	dedupKey string
}

// Service is an async delivery pipeline: queue, worker pool, rate limit,
// retry and dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter transport.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter
	admins  []transport.ChatTarget

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter transport.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		adapter: adapter,
		log:     log,
		bus:     bus,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration. Worker count and queue size take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	admins := make([]transport.ChatTarget, 0, len(cfg.AdminTargets))
	for _, raw := range cfg.AdminTargets {
		t, err := transport.ParseOwnerID(raw)
		if err != nil {
			s.log.Warn("ignoring invalid admin target", logx.String("target", raw), logx.Err(err))
			continue
		}
		admins = append(admins, t)
	}

	s.cfg = cfg
	s.admins = admins
	// Burst equals the per-second rate so short spikes are absorbed.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))))
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := range workers {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Send queues one announcement per owner. Invalid owner ids are skipped and
// logged; the first queueing error is returned.
func (s *Service) Send(ctx context.Context, owners []string, p transport.Payload) error {
	if p.Empty() {
		return nil
	}
	var (
		firstErr error
		queued   int
	)
	for _, owner := range owners {
		t, err := transport.ParseOwnerID(owner)
		if err != nil {
			s.log.Warn("skipping invalid owner", logx.String("owner", owner), logx.Err(err))
			continue
		}
		err = s.Notify(ctx, transport.Notification{
			Channel:  "telegram",
			Priority: PriorityAnnouncement,
			Target:   t,
			Payload:  p,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		queued++
	}
	if firstErr != nil {
		return firstErr
	}
	if queued == 0 && len(owners) > 0 {
		return ErrNoTargets
	}
	return nil
}

// Alert queues a text message to every admin target.
func (s *Service) Alert(ctx context.Context, text string) error {
	s.mu.Lock()
	admins := append([]transport.ChatTarget(nil), s.admins...)
	s.mu.Unlock()
	if len(admins) == 0 {
		s.log.Warn("alert dropped, no admin targets configured", logx.String("text", text))
		return ErrNoTargets
	}
	var firstErr error
	for _, t := range admins {
		err := s.Notify(ctx, transport.Notification{
			Channel:  "telegram",
			Priority: PriorityAlert,
			Target:   t,
			Payload:  transport.Payload{transport.Text(text)},
			Options:  &transport.SendOptions{DisablePreview: true},
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Notify queues a single notification.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	ev := NotificationEvent{Channel: n.Channel, ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, At: time.Now()}
	if window > 0 && key != "" && !s.dedupAllow(key, window, maxEntries) {
		s.bus.Publish(eventbus.Event{Type: "notifier.deduped", Data: ev})
		return nil
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		return nil
	default:
		ev.Error = ErrQueueFull.Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifierQueued, Data: ev})
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(n transport.Notification) {
	images := 0
	for _, seg := range n.Payload {
		if seg.IsImage() {
			images++
		}
	}
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Target: n.Target.OwnerID(), Text: n.Payload.PlainText(), Images: images})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	log := s.log
	s.mu.Unlock()

	if ad == nil || j.n.Payload.Empty() {
		return
	}
	payload := withPriorityPrefix(j.n.Priority, j.n.Payload)

	policy := retry.Policy{
		Attempts: 1 + cfg.RetryMax,
		Delay:    cfg.RetryBase,
		Backoff:  2,
		MaxDelay: cfg.RetryMaxDelay,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Debug("notify send failed, retrying", logx.Err(err), logx.Int("attempt", attempt), logx.Duration("delay", delay))
		},
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		if err := lim.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		_, err := ad.SendPayload(callCtx, j.n.Target, payload, j.n.Options)
		return err
	})

	ev := NotificationEvent{Channel: j.n.Channel, ChatID: j.n.Target.ChatID, ThreadID: j.n.Target.ThreadID, Key: j.dedupKey, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
		log.Warn("notify send failed", logx.String("target", j.n.Target.OwnerID()), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifierFailed, Data: ev})
		return
	}
	s.appendHistory(j.n)
	s.bus.Publish(eventbus.Event{Type: eventbus.NotifierSent, Data: ev})
}

func prefixForPriority(p int) string {
	switch {
	case p >= PriorityAlert:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

// withPriorityPrefix prepends the priority marker to the first text segment.
func withPriorityPrefix(priority int, p transport.Payload) transport.Payload {
	prefix := prefixForPriority(priority)
	if prefix == "" {
		return p
	}
	out := append(transport.Payload(nil), p...)
	for i, seg := range out {
		if !seg.IsImage() {
			out[i].Text = prefix + seg.Text
			return out
		}
	}
	return append(transport.Payload{transport.Text(strings.TrimSpace(prefix))}, out...)
}

func dedupKey(n transport.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	for _, seg := range n.Payload {
		if seg.IsImage() {
			_, _ = h.Write(seg.Image.Data)
		} else {
			_, _ = h.Write([]byte(seg.Text))
		}
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Evict earliest expiries beyond the cap.
	for maxEntries > 0 && len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}
