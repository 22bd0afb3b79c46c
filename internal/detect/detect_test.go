package detect

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"bilisub/internal/bilibili"
	"bilisub/internal/retry"
	"bilisub/internal/subscription"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeFetcher struct {
	mu sync.Mutex

	room    bilibili.LiveRoom
	card    bilibili.UserCard
	posts   []bilibili.Post
	videos  []bilibili.Video
	season  bilibili.SeasonMeta
	images  map[string][]byte
	errs    map[string]error
	imgHits map[string]int
}

func (f *fakeFetcher) err(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[name]
}

func (f *fakeFetcher) LiveRoom(context.Context, int64) (bilibili.LiveRoom, error) {
	return f.room, f.err("live")
}
func (f *fakeFetcher) UserCard(context.Context, int64) (bilibili.UserCard, error) {
	return f.card, f.err("card")
}
func (f *fakeFetcher) Posts(context.Context, int64) ([]bilibili.Post, error) {
	return f.posts, f.err("posts")
}
func (f *fakeFetcher) Videos(context.Context, int64) ([]bilibili.Video, error) {
	return f.videos, f.err("videos")
}
func (f *fakeFetcher) SeasonMeta(context.Context, int64) (bilibili.SeasonMeta, error) {
	return f.season, f.err("season")
}
func (f *fakeFetcher) Image(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.imgHits == nil {
		f.imgHits = map[string]int{}
	}
	f.imgHits[url]++
	b, ok := f.images[url]
	if !ok {
		return nil, errors.New("404")
	}
	return b, nil
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		Now:        func() time.Time { return testNow },
		CoverRetry: retry.Policy{Attempts: 3, Delay: 2 * time.Second, Sleep: func(context.Context, time.Duration) error { return nil }},
	}
}

func check(t *testing.T, f *fakeFetcher, opts Options, rec subscription.Record) Outcome {
	t.Helper()
	out, err := New(f, opts).Check(context.Background(), rec)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	return out
}

func TestLiveTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		stored     subscription.LiveStatus
		observed   int
		coverOK    bool
		wantPatch  bool
		wantNotify bool
	}{
		{name: "offline to live", stored: subscription.Offline, observed: 1, coverOK: true, wantPatch: true, wantNotify: true},
		{name: "replay to live", stored: subscription.Replay, observed: 1, coverOK: true, wantPatch: true, wantNotify: true},
		{name: "live unchanged", stored: subscription.OnAir, observed: 1, coverOK: true},
		{name: "live to offline", stored: subscription.OnAir, observed: 0, coverOK: true, wantPatch: true},
		{name: "offline to replay", stored: subscription.Offline, observed: 2, coverOK: true, wantPatch: true},
		{name: "cover failure still persists", stored: subscription.Offline, observed: 1, wantPatch: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeFetcher{
				room:   bilibili.LiveRoom{RoomID: 5, LiveStatus: tt.observed, Title: "stream", Cover: "cover"},
				images: map[string][]byte{},
			}
			if tt.coverOK {
				f.images["cover"] = pngBytes
			}
			rec := subscription.Record{Category: subscription.Live, ID: 5, DisplayName: "alice", LiveStatus: tt.stored}
			out := check(t, f, testOptions(), rec)
			if got := out.Patch.LiveStatus != nil; got != tt.wantPatch {
				t.Fatalf("patch set = %v, want %v", got, tt.wantPatch)
			}
			if tt.wantPatch && int(*out.Patch.LiveStatus) != tt.observed {
				t.Fatalf("patched status = %v, want %d", *out.Patch.LiveStatus, tt.observed)
			}
			if out.Notify() != tt.wantNotify {
				t.Fatalf("notify = %v, want %v", out.Notify(), tt.wantNotify)
			}
			if tt.wantNotify {
				if !out.Payload[0].IsImage() || out.Payload[0].Image.MIME != "image/png" {
					t.Fatalf("first segment should be the cover, got %+v", out.Payload[0])
				}
				text := out.Payload.PlainText()
				if !strings.Contains(text, "alice") || !strings.Contains(text, "https://live.bilibili.com/5") {
					t.Fatalf("text = %q", text)
				}
			}
		})
	}
}

func TestLiveUpstreamErrorPropagates(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{errs: map[string]error{"live": bilibili.ErrBlocked}}
	_, err := New(f, testOptions()).Check(context.Background(), subscription.Record{Category: subscription.Live, ID: 1})
	if !errors.Is(err, bilibili.ErrBlocked) {
		t.Fatalf("err = %v, want ErrBlocked", err)
	}
}

func creatorFetcher() *fakeFetcher {
	return &fakeFetcher{
		card:   bilibili.UserCard{MID: 9, Name: "bob"},
		images: map[string][]byte{"post.png": pngBytes, "video.jpg": pngBytes},
	}
}

func TestCreatorFreshnessSuppression(t *testing.T) {
	t.Parallel()
	f := creatorFetcher()
	old := testNow.Add(-31 * time.Minute).Unix()
	f.posts = []bilibili.Post{{ID: "1", Timestamp: old, Text: "old news"}}
	f.videos = []bilibili.Video{{BVID: "BV1", Created: old, Cover: "video.jpg"}}

	rec := subscription.Record{Category: subscription.Creator, ID: 9, DisplayName: "bob", LastPostTime: old - 100, LastVideoTime: old - 100}
	out := check(t, f, testOptions(), rec)
	if out.Notify() {
		t.Fatalf("stale items must not notify, payload=%q", out.Payload.PlainText())
	}
	if out.Patch.LastPostTime == nil || *out.Patch.LastPostTime != old {
		t.Fatalf("post watermark not advanced: %+v", out.Patch)
	}
	if out.Patch.LastVideoTime == nil || *out.Patch.LastVideoTime != old {
		t.Fatalf("video watermark not advanced: %+v", out.Patch)
	}
}

func TestCreatorPostBeforeVideo(t *testing.T) {
	t.Parallel()
	f := creatorFetcher()
	recent := testNow.Add(-5 * time.Minute).Unix()
	f.posts = []bilibili.Post{
		{ID: "1", Timestamp: recent - 1000, Text: "older"},
		{ID: "2", Timestamp: recent, Text: "hello world", Images: []string{"post.png"}},
	}
	f.videos = []bilibili.Video{{BVID: "BV9", Title: "vid", Created: recent, Cover: "video.jpg"}}

	rec := subscription.Record{Category: subscription.Creator, ID: 9, DisplayName: "bob"}
	out := check(t, f, testOptions(), rec)
	text := out.Payload.PlainText()
	post := strings.Index(text, "published a new post")
	sep := strings.Index(text, separator)
	video := strings.Index(text, "uploaded a new video")
	if post < 0 || sep < 0 || video < 0 || !(post < sep && sep < video) {
		t.Fatalf("unexpected order in %q", text)
	}
	if !strings.Contains(text, "https://t.bilibili.com/2") {
		t.Fatalf("newest post not announced: %q", text)
	}
	images := 0
	for _, s := range out.Payload {
		if s.IsImage() {
			images++
		}
	}
	if images != 2 {
		t.Fatalf("images = %d, want post image and video cover", images)
	}
}

func TestCreatorVideoCoverFailureStillNotifies(t *testing.T) {
	t.Parallel()
	f := creatorFetcher()
	recent := testNow.Add(-time.Minute).Unix()
	f.videos = []bilibili.Video{{BVID: "BV2", Title: "new", Created: recent, Cover: "missing.jpg"}}

	rec := subscription.Record{Category: subscription.Creator, ID: 9, DisplayName: "bob"}
	out := check(t, f, testOptions(), rec)
	if !out.Notify() || out.Payload.HasImage() {
		t.Fatalf("payload = %+v", out.Payload)
	}
	if !strings.HasPrefix(out.Payload.PlainText(), "⚠️ Cover unavailable") {
		t.Fatalf("missing marker: %q", out.Payload.PlainText())
	}
	if out.Patch.LastVideoTime == nil || *out.Patch.LastVideoTime != recent {
		t.Fatalf("video watermark = %+v", out.Patch.LastVideoTime)
	}
	if hits := f.imgHits["missing.jpg"]; hits != 3 {
		t.Fatalf("cover attempts = %d, want 3", hits)
	}
}

func TestCreatorPostFailureSkipsOnlyPosts(t *testing.T) {
	t.Parallel()
	f := creatorFetcher()
	f.errs = map[string]error{"posts": bilibili.ErrGeneric}
	recent := testNow.Add(-time.Minute).Unix()
	f.videos = []bilibili.Video{{BVID: "BV3", Created: recent, Cover: "video.jpg"}}

	out := check(t, f, testOptions(), subscription.Record{Category: subscription.Creator, ID: 9, DisplayName: "bob"})
	if out.Patch.LastPostTime != nil {
		t.Fatal("post watermark must not move when the feed failed")
	}
	if !strings.Contains(out.Payload.PlainText(), "BV3") {
		t.Fatalf("video not announced: %q", out.Payload.PlainText())
	}
}

func TestCreatorCardOrVideoFailureAborts(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"card", "videos"} {
		f := creatorFetcher()
		f.errs = map[string]error{name: bilibili.ErrRateLimited}
		_, err := New(f, testOptions()).Check(context.Background(), subscription.Record{Category: subscription.Creator, ID: 9})
		if !errors.Is(err, bilibili.ErrRateLimited) {
			t.Fatalf("%s failure: err = %v", name, err)
		}
	}
}

func TestCreatorContentFilter(t *testing.T) {
	t.Parallel()
	f := creatorFetcher()
	recent := testNow.Add(-time.Minute).Unix()
	f.posts = []bilibili.Post{{ID: "7", Timestamp: recent, Text: "Sponsored: buy now"}}
	rec := subscription.Record{Category: subscription.Creator, ID: 9, DisplayName: "bob"}

	opts := testOptions()
	opts.Filter = KeywordFilter{Keywords: []string{"sponsored"}}
	if out := check(t, f, opts, rec); !out.Notify() {
		t.Fatal("disabled filter must not veto")
	}

	opts.FilterEnabled = true
	out := check(t, f, opts, rec)
	if out.Notify() {
		t.Fatalf("vetoed post announced: %q", out.Payload.PlainText())
	}
	if out.Patch.LastPostTime == nil || *out.Patch.LastPostTime != recent {
		t.Fatal("vetoed post must still advance the watermark")
	}
}

func TestCreatorDisplayNameRefresh(t *testing.T) {
	t.Parallel()
	f := creatorFetcher()
	out := check(t, f, testOptions(), subscription.Record{Category: subscription.Creator, ID: 9, DisplayName: "old-bob"})
	if out.Patch.DisplayName == nil || *out.Patch.DisplayName != "bob" {
		t.Fatalf("display name patch = %v", out.Patch.DisplayName)
	}
	if out.Notify() {
		t.Fatal("name change alone must not notify")
	}
}

func TestSeasonCoupling(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{
		season: bilibili.SeasonMeta{MediaID: 3, Title: "Show", Cover: "s.jpg", EpisodeIndex: "12"},
		images: map[string][]byte{},
	}
	rec := subscription.Record{Category: subscription.Season, ID: 3, DisplayName: "Show", EpisodeIndex: "11"}

	out := check(t, f, testOptions(), rec)
	if !out.Patch.Empty() || out.Notify() {
		t.Fatalf("cover failure must persist nothing: %+v", out)
	}

	f.images["s.jpg"] = pngBytes
	out = check(t, f, testOptions(), rec)
	if out.Patch.EpisodeIndex == nil || *out.Patch.EpisodeIndex != "12" {
		t.Fatalf("episode patch = %+v", out.Patch)
	}
	if out.Patch.SeasonUpdatedAt == nil || !out.Patch.SeasonUpdatedAt.Equal(testNow) {
		t.Fatalf("season update time = %v", out.Patch.SeasonUpdatedAt)
	}
	if !out.Notify() || !strings.Contains(out.Payload.PlainText(), "Latest: 12") {
		t.Fatalf("payload = %q", out.Payload.PlainText())
	}
}

func TestIdempotentAfterMerge(t *testing.T) {
	t.Parallel()
	recent := testNow.Add(-time.Minute).Unix()
	cases := []struct {
		name string
		f    *fakeFetcher
		rec  subscription.Record
	}{
		{
			name: "live",
			f:    &fakeFetcher{room: bilibili.LiveRoom{RoomID: 1, LiveStatus: 1, Cover: "c"}, images: map[string][]byte{"c": pngBytes}},
			rec:  subscription.Record{Category: subscription.Live, ID: 1},
		},
		{
			name: "creator",
			f: &fakeFetcher{
				card:   bilibili.UserCard{Name: "bob"},
				posts:  []bilibili.Post{{ID: "1", Timestamp: recent}},
				videos: []bilibili.Video{{BVID: "BV", Created: recent, Cover: "v"}},
				images: map[string][]byte{"v": pngBytes},
			},
			rec: subscription.Record{Category: subscription.Creator, ID: 2},
		},
		{
			name: "season",
			f:    &fakeFetcher{season: bilibili.SeasonMeta{Title: "S", EpisodeIndex: "2", Cover: "s"}, images: map[string][]byte{"s": pngBytes}},
			rec:  subscription.Record{Category: subscription.Season, ID: 3, EpisodeIndex: "1"},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			first := check(t, tc.f, testOptions(), tc.rec)
			if !first.Notify() {
				t.Fatal("first check should notify")
			}
			merged := first.Patch.Apply(tc.rec)
			second := check(t, tc.f, testOptions(), merged)
			if second.Notify() || !second.Patch.Empty() {
				t.Fatalf("second check not idempotent: patch=%v notify=%v", second.Patch.Fields(), second.Notify())
			}
		})
	}
}

func TestAssetsRejectNonImage(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{images: map[string][]byte{"page": []byte("<html>blocked</html>")}}
	a := &Assets{Fetcher: f}
	if _, err := a.Fetch(context.Background(), "page"); !errors.Is(err, ErrAssetUnavailable) {
		t.Fatalf("err = %v, want ErrAssetUnavailable", err)
	}
	img, err := FirstImage{Assets: a}.Screenshot(context.Background(), bilibili.Post{})
	if err != nil || img != nil {
		t.Fatalf("post without images = %v, %v", img, err)
	}
}
