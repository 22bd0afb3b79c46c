package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"bilisub/internal/bilibili"
	"bilisub/internal/detect"
	"bilisub/internal/eventbus"
	"bilisub/internal/storage"
	"bilisub/internal/subscription"
	"bilisub/internal/transport"
	logx "bilisub/pkg/logx"
)

type scriptedChecker struct {
	mu       sync.Mutex
	outcomes map[subscription.Key]detect.Outcome
	errs     map[subscription.Key]error
	panics   map[subscription.Key]bool
	calls    []subscription.Key
}

func (c *scriptedChecker) Check(_ context.Context, rec subscription.Record) (detect.Outcome, error) {
	c.mu.Lock()
	c.calls = append(c.calls, rec.Key())
	out, err, boom := c.outcomes[rec.Key()], c.errs[rec.Key()], c.panics[rec.Key()]
	c.mu.Unlock()
	if boom {
		panic("boom")
	}
	return out, err
}

type recordingStore struct {
	mu     sync.Mutex
	merges map[subscription.Key]subscription.Patch
	err    error
}

func (s *recordingStore) Merge(_ context.Context, cat subscription.Category, id int64, p subscription.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.merges == nil {
		s.merges = map[subscription.Key]subscription.Patch{}
	}
	s.merges[subscription.Key{Category: cat, ID: id}] = p
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	sent   [][]string
	alerts []string
}

func (n *recordingNotifier) Send(_ context.Context, owners []string, _ transport.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, owners)
	return nil
}

func (n *recordingNotifier) Alert(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, text)
	return nil
}

func newTestRunner(snap subscription.Snapshot, c Checker, st Merger, n Notifier, cfg RunnerConfig) *Runner {
	pool := NewPool(&memSource{snap: snap}, seeded())
	return NewRunner(pool, c, st, n, eventbus.New(), cfg, logx.Nop())
}

func TestRunnerPersistsThenNotifies(t *testing.T) {
	t.Parallel()
	live := subscription.Record{Category: subscription.Live, ID: 1, Owners: []string{"100", "200:3"}}
	status := subscription.OnAir
	c := &scriptedChecker{outcomes: map[subscription.Key]detect.Outcome{
		live.Key(): {
			Patch:   subscription.Patch{LiveStatus: &status},
			Payload: transport.Payload{transport.Text("on air")},
		},
	}}
	st := &recordingStore{}
	n := &recordingNotifier{}
	r := newTestRunner(subscription.Snapshot{subscription.Live: {live}}, c, st, n, RunnerConfig{BatchSize: 1})

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if p, ok := st.merges[live.Key()]; !ok || p.LiveStatus == nil {
		t.Fatalf("merge not recorded: %+v", st.merges)
	}
	if len(n.sent) != 1 || len(n.sent[0]) != 2 {
		t.Fatalf("sent = %v", n.sent)
	}
	if s := r.Stats(); s.Notified != 1 || s.Checked != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRunnerPersistFailureSkipsNotify(t *testing.T) {
	t.Parallel()
	rec := subscription.Record{Category: subscription.Season, ID: 5, Owners: []string{"1"}}
	c := &scriptedChecker{outcomes: map[subscription.Key]detect.Outcome{
		rec.Key(): {
			Patch:   subscription.Patch{EpisodeIndex: subscription.Ptr("2")},
			Payload: transport.Payload{transport.Text("new ep")},
		},
	}}
	n := &recordingNotifier{}
	r := newTestRunner(subscription.Snapshot{subscription.Season: {rec}}, c, &recordingStore{err: storage.ErrUnavailable}, n, RunnerConfig{})
	_ = r.Tick(context.Background())
	if len(n.sent) != 0 {
		t.Fatal("announcement sent although persisting failed")
	}
	if s := r.Stats(); s.Failed != 1 || len(s.Failures) != 1 || s.Failures[0].Kind != "store" {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRunnerUpstreamFailureAlertsAndContinues(t *testing.T) {
	t.Parallel()
	blocked := subscription.Record{Category: subscription.Live, ID: 1}
	gone := subscription.Record{Category: subscription.Creator, ID: 2}
	ok := subscription.Record{Category: subscription.Season, ID: 3, Owners: []string{"9"}}
	c := &scriptedChecker{
		errs: map[subscription.Key]error{
			blocked.Key(): &bilibili.APIError{Endpoint: "live.room", Code: bilibili.CodeRiskControl, Message: "risk"},
			gone.Key():    &bilibili.APIError{Endpoint: "user.card", Code: -404, Message: "nope"},
		},
		outcomes: map[subscription.Key]detect.Outcome{
			ok.Key(): {Payload: transport.Payload{transport.Text("hi")}},
		},
	}
	n := &recordingNotifier{}
	r := newTestRunner(subscription.Snapshot{
		subscription.Live:    {blocked},
		subscription.Creator: {gone},
		subscription.Season:  {ok},
	}, c, &recordingStore{}, n, RunnerConfig{BatchSize: 3, Concurrency: 2})

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(c.calls) != 3 {
		t.Fatalf("checked %d subscriptions, want 3", len(c.calls))
	}
	if len(n.alerts) != 2 {
		t.Fatalf("alerts = %v, want 2", n.alerts)
	}
	var sawCode bool
	for _, a := range n.alerts {
		if strings.Contains(a, "code -404") {
			sawCode = true
		}
	}
	if !sawCode {
		t.Fatalf("not-found alert lacks the upstream code: %v", n.alerts)
	}
	if len(n.sent) != 1 {
		t.Fatalf("healthy subscription was not announced")
	}
	if s := r.Stats(); s.Failed != 2 {
		t.Fatalf("failed = %d, want 2", s.Failed)
	}
}

func TestRunnerAlertsVanishedRoomEveryTick(t *testing.T) {
	t.Parallel()
	room := subscription.Record{Category: subscription.Live, ID: 7, DisplayName: "gone"}
	c := &scriptedChecker{errs: map[subscription.Key]error{
		room.Key(): &bilibili.APIError{Endpoint: "live.room", Code: 60004, Message: "room does not exist"},
	}}
	n := &recordingNotifier{}
	r := newTestRunner(subscription.Snapshot{subscription.Live: {room}}, c, &recordingStore{}, n, RunnerConfig{BatchSize: 1})
	for range 3 {
		if err := r.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if len(c.calls) != 3 || len(n.alerts) != 3 {
		t.Fatalf("checks = %d, alerts = %d, want 3 each", len(c.calls), len(n.alerts))
	}
	if !strings.Contains(n.alerts[0], "60004") {
		t.Fatalf("alert = %q", n.alerts[0])
	}
}

func TestRunnerRecoversPanics(t *testing.T) {
	t.Parallel()
	bad := subscription.Record{Category: subscription.Live, ID: 1}
	good := subscription.Record{Category: subscription.Creator, ID: 2, Owners: []string{"1"}}
	c := &scriptedChecker{
		panics:   map[subscription.Key]bool{bad.Key(): true},
		outcomes: map[subscription.Key]detect.Outcome{good.Key(): {Payload: transport.Payload{transport.Text("x")}}},
	}
	n := &recordingNotifier{}
	r := newTestRunner(subscription.Snapshot{
		subscription.Live:    {bad},
		subscription.Creator: {good},
	}, c, &recordingStore{}, n, RunnerConfig{BatchSize: 2, Concurrency: 2})
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(n.sent) != 1 {
		t.Fatal("panic in one check stopped the others")
	}
	if r.Stats().Failures[0].Kind != "panic" {
		t.Fatalf("failures = %+v", r.Stats().Failures)
	}
}

func TestRunnerBatchDoesNotRepeatSmallStore(t *testing.T) {
	t.Parallel()
	rec := subscription.Record{Category: subscription.Live, ID: 1}
	c := &scriptedChecker{}
	r := newTestRunner(subscription.Snapshot{subscription.Live: {rec}}, c, &recordingStore{}, &recordingNotifier{}, RunnerConfig{BatchSize: 5, Concurrency: 5})
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(c.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(c.calls))
	}
}

func TestRunnerIdleAndReloadError(t *testing.T) {
	t.Parallel()
	r := newTestRunner(subscription.Snapshot{}, &scriptedChecker{}, &recordingStore{}, &recordingNotifier{}, RunnerConfig{})
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("idle Tick: %v", err)
	}

	pool := NewPool(&memSource{err: storage.ErrUnavailable})
	r = NewRunner(pool, &scriptedChecker{}, &recordingStore{}, &recordingNotifier{}, nil, RunnerConfig{}, logx.Nop())
	if err := r.Tick(context.Background()); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("Tick = %v, want ErrUnavailable", err)
	}
}

func TestRunCycleCoversEverySubscription(t *testing.T) {
	t.Parallel()
	c := &scriptedChecker{}
	r := newTestRunner(subscription.Snapshot{
		subscription.Live:    records(subscription.Live, 1, 2),
		subscription.Creator: records(subscription.Creator, 3),
		subscription.Season:  records(subscription.Season, 4, 5, 6),
	}, c, &recordingStore{}, &recordingNotifier{}, RunnerConfig{Concurrency: 3})
	n, err := r.RunCycle(context.Background())
	if err != nil || n != 6 {
		t.Fatalf("RunCycle = %d, %v; want 6", n, err)
	}
	if len(c.calls) != 6 {
		t.Fatalf("calls = %d", len(c.calls))
	}
}
