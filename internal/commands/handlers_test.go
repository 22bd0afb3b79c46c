package commands

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"bilisub/internal/bilibili"
	"bilisub/internal/poller"
	"bilisub/internal/storage"
	"bilisub/internal/subscription"
	"bilisub/internal/task/scheduler"
	"bilisub/internal/transport"
	logx "bilisub/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                           { return nil }
func (a *fakeAdapter) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return transport.MessageRef{}, nil
}
func (a *fakeAdapter) SendPayload(ctx context.Context, to transport.ChatTarget, p transport.Payload, opt *transport.SendOptions) (transport.MessageRef, error) {
	return a.SendText(ctx, to, p.PlainText(), opt)
}

func (a *fakeAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return ""
	}
	return a.sent[len(a.sent)-1]
}

type fakeUpstream struct {
	rooms   map[int64]bilibili.LiveRoom
	cards   map[int64]bilibili.UserCard
	posts   []bilibili.Post
	videos  []bilibili.Video
	seasons map[int64]bilibili.SeasonMeta
	hits    []bilibili.SeasonHit
	postErr error
}

var errNotFound = &bilibili.APIError{Endpoint: "test", Code: -404, Message: "not found"}

func (f *fakeUpstream) LiveRoom(_ context.Context, id int64) (bilibili.LiveRoom, error) {
	if r, ok := f.rooms[id]; ok {
		return r, nil
	}
	return bilibili.LiveRoom{}, errNotFound
}
func (f *fakeUpstream) UserCard(_ context.Context, uid int64) (bilibili.UserCard, error) {
	if c, ok := f.cards[uid]; ok {
		return c, nil
	}
	return bilibili.UserCard{}, errNotFound
}
func (f *fakeUpstream) Posts(context.Context, int64) ([]bilibili.Post, error) {
	return f.posts, f.postErr
}
func (f *fakeUpstream) Videos(context.Context, int64) ([]bilibili.Video, error) {
	return f.videos, nil
}
func (f *fakeUpstream) SeasonMeta(_ context.Context, id int64) (bilibili.SeasonMeta, error) {
	if m, ok := f.seasons[id]; ok {
		return m, nil
	}
	return bilibili.SeasonMeta{}, errNotFound
}
func (f *fakeUpstream) SearchSeasons(context.Context, string) ([]bilibili.SeasonHit, error) {
	return f.hits, nil
}

type fakePoller struct{}

func (fakePoller) Stats() poller.RunnerStats {
	return poller.RunnerStats{Ticks: 1200, Checked: 3, Failures: []poller.Failure{{Time: time.Now(), Key: "live:1", Kind: "blocked", Message: "-352"}}}
}
func (fakePoller) PoolStats() poller.PoolStats {
	return poller.PoolStats{Remaining: map[subscription.Category]int{subscription.Live: 2}, Cycles: 7}
}
func (fakePoller) RunCycle(context.Context) (int, error) { return 4, nil }

type fakeTrigger struct{ err error }

func (f fakeTrigger) RunNow(context.Context) error { return f.err }
func (f fakeTrigger) RunWith(ctx context.Context, job scheduler.Job) error {
	if f.err != nil {
		return f.err
	}
	return job(ctx)
}
func (fakeTrigger) Stats() scheduler.Stats { return scheduler.Stats{Schedule: "2m0s"} }

type harness struct {
	router  *Router
	adapter *fakeAdapter
	store   storage.Store
	up      *fakeUpstream
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "subs.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	up := &fakeUpstream{
		rooms:   map[int64]bilibili.LiveRoom{100: {RoomID: 100, ShortID: 1, UID: 7, LiveStatus: 1, Title: "hello"}},
		cards:   map[int64]bilibili.UserCard{7: {MID: 7, Name: "alice"}},
		posts:   []bilibili.Post{{ID: "a", Timestamp: 50}, {ID: "b", Timestamp: 90}},
		videos:  []bilibili.Video{{BVID: "BV1", Created: 80}, {BVID: "BV2", Created: 60}},
		seasons: map[int64]bilibili.SeasonMeta{28: {MediaID: 28, SeasonID: 3, Title: "show", EpisodeIndex: "12"}},
		hits:    []bilibili.SeasonHit{{MediaID: 28, Title: "show"}},
	}
	ad := &fakeAdapter{}
	r := NewRouter(ad, []int64{1}, logx.Nop())
	h := &Handlers{Upstream: up, Store: st, Poller: fakePoller{}, Trigger: fakeTrigger{}}
	if err := h.Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return &harness{router: r, adapter: ad, store: st, up: up}
}

func (h *harness) run(t *testing.T, from int64, text string) string {
	t.Helper()
	name, args, ok := parseCommand(text, "")
	if !ok {
		t.Fatalf("not a command: %q", text)
	}
	cmd := h.router.lookup(name)
	if cmd == nil {
		t.Fatalf("unknown command %q", name)
	}
	msg := &transport.Message{ChatID: -100, FromID: from, Text: text}
	_ = h.router.Handle(context.Background(), cmd, h.router.newRequest(msg, name, args))
	return h.adapter.last()
}

func TestSubLive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if got := h.run(t, 5, "/sub_live 100"); !strings.Contains(got, "Subscribed") || !strings.Contains(got, "alice") {
		t.Fatalf("reply = %q", got)
	}
	rec, err := h.store.Get(context.Background(), subscription.Live, 100)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.UID != 7 || rec.ShortID != 1 || rec.LiveStatus != subscription.OnAir || !slices.Contains(rec.Owners, "-100") {
		t.Fatalf("record = %+v", rec)
	}
	if got := h.run(t, 5, "/sub_live 100"); !strings.Contains(got, "already") {
		t.Fatalf("second reply = %q", got)
	}
	if got := h.run(t, 5, "/sub_live 999"); !strings.Contains(got, "No live room found") {
		t.Fatalf("missing room reply = %q", got)
	}
	if got := h.run(t, 5, "/sub_live abc"); !strings.HasPrefix(got, "Usage:") {
		t.Fatalf("bad arg reply = %q", got)
	}
}

func TestSubCreatorSeedsWatermarks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if got := h.run(t, 5, "/sub_up 7"); !strings.Contains(got, "Subscribed") {
		t.Fatalf("reply = %q", got)
	}
	rec, err := h.store.Get(context.Background(), subscription.Creator, 7)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.LastPostTime != 90 || rec.LastVideoTime != 80 || rec.DisplayName != "alice" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestSubCreatorRiskControl(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.up.postErr = &bilibili.APIError{Endpoint: "posts", Code: bilibili.CodeRiskControl}
	if got := h.run(t, 5, "/sub_up 7"); !strings.Contains(got, "risk control") {
		t.Fatalf("reply = %q", got)
	}
	if _, err := h.store.Get(context.Background(), subscription.Creator, 7); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record should not exist: %v", err)
	}
}

func TestSubSeasonAndUnsub(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if got := h.run(t, 5, "/sub_season 28"); !strings.Contains(got, "Current episode: 12") {
		t.Fatalf("reply = %q", got)
	}
	if got := h.run(t, 5, "/subs"); !strings.Contains(got, "[season] 28 show (ep 12)") || !strings.Contains(got, "not checked yet") {
		t.Fatalf("subs reply = %q", got)
	}
	if got := h.run(t, 5, "/unsub 28"); !strings.Contains(got, "Unsubscribed from 28 (season)") {
		t.Fatalf("unsub reply = %q", got)
	}
	if got := h.run(t, 5, "/unsub 28"); !strings.Contains(got, "no subscription") {
		t.Fatalf("second unsub reply = %q", got)
	}
	if got := h.run(t, 5, "/subs"); !strings.Contains(got, "No subscriptions") {
		t.Fatalf("empty subs reply = %q", got)
	}
}

func TestSearchSeason(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if got := h.run(t, 5, `/search_season "the show"`); !strings.Contains(got, "28: show") {
		t.Fatalf("reply = %q", got)
	}
	h.up.hits = nil
	if got := h.run(t, 5, "/search_season nothing"); !strings.Contains(got, "No seasons found") {
		t.Fatalf("empty reply = %q", got)
	}
}

func TestAdminCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if got := h.run(t, 5, "/poll_status"); !strings.Contains(got, "restricted") {
		t.Fatalf("non-admin reply = %q", got)
	}
	got := h.run(t, 1, "/poll_status")
	if !strings.Contains(got, "Remaining: live 2") || !strings.Contains(got, "Ticks: 1,200") || !strings.Contains(got, "live:1 [blocked]") {
		t.Fatalf("status reply = %q", got)
	}
	if got := h.run(t, 1, "/poll_now"); !strings.Contains(got, "tick finished") {
		t.Fatalf("poll_now reply = %q", got)
	}
	if got := h.run(t, 1, "/poll_now all"); !strings.Contains(got, "cycle finished: 4 checked") {
		t.Fatalf("poll_now all reply = %q", got)
	}
	if got := h.run(t, 1, "/poll_now everything"); !strings.Contains(got, "Usage") {
		t.Fatalf("bad arg reply = %q", got)
	}
}

func TestHelpHidesAdminCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if got := h.run(t, 5, "/help"); strings.Contains(got, "/poll_status") || !strings.Contains(got, "/sub_live") {
		t.Fatalf("help = %q", got)
	}
	if got := h.run(t, 1, "/help"); !strings.Contains(got, "/poll_status") {
		t.Fatalf("admin help = %q", got)
	}
	for _, c := range h.router.MenuCommands() {
		if c.Command == "poll_now" {
			t.Fatal("admin command in menu")
		}
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	r := NewRouter(ad, nil, logx.Nop())
	if err := r.Register(Command{Name: "boom", Handle: func(context.Context, *Request) error { panic("x") }}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	msg := &transport.Message{ChatID: 1, Text: "/boom"}
	if err := r.Handle(context.Background(), r.lookup("boom"), r.newRequest(msg, "boom", nil)); err == nil {
		t.Fatal("expected error from panicking handler")
	}
	if !strings.Contains(ad.last(), "Command failed") {
		t.Fatalf("reply = %q", ad.last())
	}
}
