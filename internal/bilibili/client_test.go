package bilibili

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "bilisub/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		Cookie:      "SESSDATA=abc",
		Timeout:     2 * time.Second,
		APIBase:     srv.URL,
		LiveBase:    srv.URL,
		DynamicBase: srv.URL,
	}, logx.Nop())
}

func TestLiveRoom(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/room/v1/Room/get_info" || r.URL.Query().Get("room_id") != "21" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("Cookie") != "SESSDATA=abc" {
			t.Errorf("cookie header = %q", r.Header.Get("Cookie"))
		}
		_, _ = w.Write([]byte(`{"code":0,"message":"0","data":{"room_id":2100,"short_id":21,"uid":7,"live_status":1,"title":"hello","user_cover":"http://x/c.jpg"}}`))
	})
	room, err := c.LiveRoom(context.Background(), 21)
	if err != nil {
		t.Fatalf("LiveRoom: %v", err)
	}
	if room.RoomID != 2100 || room.ShortID != 21 || room.UID != 7 || room.LiveStatus != 1 || room.Cover != "http://x/c.jpg" {
		t.Fatalf("room = %+v", room)
	}
	if room.URL() != "https://live.bilibili.com/2100" {
		t.Fatalf("URL = %s", room.URL())
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		code int
		want error
		kind Kind
	}{
		{name: "risk control", body: `{"code":-352,"message":"risk"}`, code: 200, want: ErrBlocked, kind: KindBlocked},
		{name: "too frequent", body: `{"code":-799,"message":"slow down"}`, code: 200, want: ErrRateLimited, kind: KindRateLimited},
		{name: "not found", body: `{"code":-404,"message":"nothing"}`, code: 200, want: ErrNotFound, kind: KindNotFound},
		{name: "other code", body: `{"code":-500,"message":"boom"}`, code: 200, want: ErrGeneric, kind: KindGeneric},
		{name: "http status", body: `oops`, code: 502, want: ErrGeneric, kind: KindGeneric},
		{name: "gateway block", body: ``, code: 412, want: ErrBlocked, kind: KindBlocked},
		{name: "bad json", body: `{`, code: 200, want: ErrGeneric, kind: KindGeneric},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.UserCard(context.Background(), 1)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if got := Classify(err); got != tt.kind {
				t.Fatalf("Classify = %v, want %v", got, tt.kind)
			}
			if Describe(err) == "" {
				t.Fatal("Describe returned empty text")
			}
		})
	}
}

func TestTimeoutIsGeneric(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Videos(ctx, 1)
	if Classify(err) != KindGeneric {
		t.Fatalf("Classify(%v) = %v, want generic", err, Classify(err))
	}
}

func TestPostsAndVideos(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dynamic_svr/v1/dynamic_svr/space_history":
			_, _ = w.Write([]byte(`{"code":0,"data":{"cards":[
				{"desc":{"dynamic_id_str":"11","timestamp":100},"card":"{\"item\":{\"content\":\"old\"}}"},
				{"desc":{"dynamic_id_str":"12","timestamp":300},"card":"{\"item\":{\"description\":\"pinned new\",\"pictures\":[{\"img_src\":\"http://x/p.png\"}]}}"}
			]}}`))
		case "/x/space/arc/search":
			_, _ = w.Write([]byte(`{"code":0,"data":{"list":{"vlist":[{"bvid":"BV1","title":"t","pic":"//x/v.jpg","created":50}]}}}`))
		default:
			http.NotFound(w, r)
		}
	})
	posts, err := c.Posts(context.Background(), 9)
	if err != nil {
		t.Fatalf("Posts: %v", err)
	}
	newest, ok := NewestPost(posts)
	if !ok || newest.ID != "12" || newest.Text != "pinned new" || len(newest.Images) != 1 {
		t.Fatalf("newest = %+v", newest)
	}
	if newest.URL() != "https://t.bilibili.com/12" {
		t.Fatalf("URL = %s", newest.URL())
	}
	videos, err := c.Videos(context.Background(), 9)
	if err != nil {
		t.Fatalf("Videos: %v", err)
	}
	v, ok := NewestVideo(videos)
	if !ok || v.BVID != "BV1" || v.Created != 50 {
		t.Fatalf("video = %+v", v)
	}
}

func TestSeasonMetaUsesResultEnvelope(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"message":"success","result":{"media":{"media_id":28,"season_id":33,"title":"Show","cover":"http://x/s.jpg","new_ep":{"index":"12"}}}}`))
	})
	meta, err := c.SeasonMeta(context.Background(), 28)
	if err != nil {
		t.Fatalf("SeasonMeta: %v", err)
	}
	if meta.SeasonID != 33 || meta.EpisodeIndex != "12" || meta.Title != "Show" {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestSearchSeasons(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("keyword") != "frieren" {
			t.Errorf("keyword = %q", r.URL.Query().Get("keyword"))
		}
		_, _ = w.Write([]byte(`{"code":0,"data":{"result":[
			{"result_type":"video","data":[]},
			{"result_type":"media_bangumi","data":[{"media_id":1,"title":"<em class=\"keyword\">Frieren</em> S1"}]}
		]}}`))
	})
	hits, err := c.SearchSeasons(context.Background(), "frieren")
	if err != nil {
		t.Fatalf("SearchSeasons: %v", err)
	}
	if len(hits) != 1 || hits[0].Title != "Frieren S1" || hits[0].MediaID != 1 {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestSearchSeasonsTimeoutIsEmpty(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	hits, err := c.SearchSeasons(ctx, "x")
	if err != nil || len(hits) != 0 {
		t.Fatalf("SearchSeasons = %v, %v; want empty, nil", hits, err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want a single attempt", n)
	}
}

func TestImage(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nrest"))
	})
	b, err := c.Image(context.Background(), c.apiBase+"/ok.png")
	if err != nil || len(b) == 0 {
		t.Fatalf("Image = %d bytes, %v", len(b), err)
	}
	if _, err := c.Image(context.Background(), c.apiBase+"/missing.png"); !errors.Is(err, ErrGeneric) {
		t.Fatalf("missing image err = %v", err)
	}
	if _, err := c.Image(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty url")
	}
}
