package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"bilisub/internal/bilibili"
	"bilisub/internal/poller"
	"bilisub/internal/subscription"
	"bilisub/internal/task/scheduler"
	logx "bilisub/pkg/logx"
)

// Upstream is the part of the Bilibili client the commands need.
type Upstream interface {
	LiveRoom(ctx context.Context, roomID int64) (bilibili.LiveRoom, error)
	UserCard(ctx context.Context, uid int64) (bilibili.UserCard, error)
	Posts(ctx context.Context, uid int64) ([]bilibili.Post, error)
	Videos(ctx context.Context, uid int64) ([]bilibili.Video, error)
	SeasonMeta(ctx context.Context, mediaID int64) (bilibili.SeasonMeta, error)
	SearchSeasons(ctx context.Context, keyword string) ([]bilibili.SeasonHit, error)
}

type Subscriptions interface {
	Subscribe(ctx context.Context, rec subscription.Record, owner string) (bool, error)
	Unsubscribe(ctx context.Context, id int64, owner string) ([]subscription.Key, error)
	ListByOwner(ctx context.Context, owner string) ([]subscription.Record, error)
}

type PollerStatus interface {
	Stats() poller.RunnerStats
	PoolStats() poller.PoolStats
	// RunCycle checks everything left in the current cycle.
	RunCycle(ctx context.Context) (int, error)
}

type PollTrigger interface {
	RunNow(ctx context.Context) error
	RunWith(ctx context.Context, job scheduler.Job) error
	Stats() scheduler.Stats
}

// Handlers implements the chat commands.
type Handlers struct {
	Upstream Upstream
	Store    Subscriptions
	Poller   PollerStatus
	Trigger  PollTrigger // nil when polling is disabled
	Now      func() time.Time
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Register adds every command to r.
func (h *Handlers) Register(r *Router) error {
	cmds := []Command{
		{Name: "sub_live", Description: "Subscribe to a live room", Usage: "/sub_live <room_id>", Handle: h.subLive},
		{Name: "sub_up", Aliases: []string{"sub_creator"}, Description: "Subscribe to a creator's posts and videos", Usage: "/sub_up <uid>", Handle: h.subCreator},
		{Name: "sub_season", Description: "Subscribe to a season's new episodes", Usage: "/sub_season <media_id>", Handle: h.subSeason},
		{Name: "unsub", Description: "Remove subscriptions with this id", Usage: "/unsub <id>", Handle: h.unsub},
		{Name: "subs", Description: "List this chat's subscriptions", Usage: "/subs", Handle: h.list},
		{Name: "search_season", Description: "Find a season's media id", Usage: "/search_season <keyword>", Handle: h.searchSeason},
		{Name: "poll_status", Description: "Poller state", Usage: "/poll_status", Access: AccessAdmin, Handle: h.pollStatus},
		{Name: "poll_now", Description: "Run one poll tick now, or the rest of the cycle", Usage: "/poll_now [all]", Access: AccessAdmin, Timeout: 15 * time.Minute, Handle: h.pollNow},
	}
	if err := r.Register(cmds...); err != nil {
		return err
	}
	return r.Register(Command{Name: "help", Aliases: []string{"start"}, Description: "Show commands", Usage: "/help", Handle: helpHandler(r)})
}

func idArg(req *Request) (int64, error) {
	if len(req.Args) != 1 {
		return 0, errUsage
	}
	id, err := strconv.ParseInt(strings.TrimSpace(req.Args[0]), 10, 64)
	if err != nil || id <= 0 {
		return 0, errUsage
	}
	return id, nil
}

var errUsage = errors.New("usage")

func usage(ctx context.Context, req *Request, u string) error {
	return req.Reply(ctx, "Usage: %s", u)
}

// upstreamReply renders an upstream failure for the subscriber.
func upstreamReply(err error, what string, id int64) string {
	switch bilibili.Classify(err) {
	case bilibili.KindNotFound:
		return fmt.Sprintf("No %s found for id %d. Check the id and try again.", what, id)
	case bilibili.KindBlocked:
		return "Bilibili risk control rejected the request. Ask an administrator to refresh the login cookie."
	case bilibili.KindRateLimited:
		return "Bilibili is rate limiting us. Try again in a few minutes."
	}
	return "Subscribing failed, try again later."
}

func (h *Handlers) subLive(ctx context.Context, req *Request) error {
	id, err := idArg(req)
	if err != nil {
		return usage(ctx, req, "/sub_live <room_id>")
	}
	room, err := h.Upstream.LiveRoom(ctx, id)
	if err != nil {
		req.Log.Warn("live room lookup failed", logErr(err)...)
		return req.Reply(ctx, "%s", upstreamReply(err, "live room", id))
	}
	var name string
	if card, err := h.Upstream.UserCard(ctx, room.UID); err == nil {
		name = card.Name
	} else {
		req.Log.Debug("streamer card lookup failed", logErr(err)...)
	}
	rec := subscription.Record{
		Category:    subscription.Live,
		ID:          room.RoomID,
		DisplayName: name,
		UID:         room.UID,
		ShortID:     room.ShortID,
		LiveStatus:  subscription.LiveStatus(room.LiveStatus),
	}
	added, err := h.Store.Subscribe(ctx, rec, req.Owner())
	if err != nil {
		return err
	}
	if !added {
		return req.Reply(ctx, "This chat already follows live room %d.", room.RoomID)
	}
	return req.Reply(ctx, "Subscribed! 🎉\nStreamer: %s\nTitle: %s\nRoom: %d\nUID: %d", orDash(name), room.Title, room.RoomID, room.UID)
}

func (h *Handlers) subCreator(ctx context.Context, req *Request) error {
	uid, err := idArg(req)
	if err != nil {
		return usage(ctx, req, "/sub_up <uid>")
	}
	card, err := h.Upstream.UserCard(ctx, uid)
	if err != nil {
		req.Log.Warn("creator card lookup failed", logErr(err)...)
		return req.Reply(ctx, "%s", upstreamReply(err, "creator", uid))
	}
	// Seed watermarks from the current newest items so history is not replayed.
	posts, err := h.Upstream.Posts(ctx, uid)
	if err != nil {
		req.Log.Warn("post feed lookup failed", logErr(err)...)
		return req.Reply(ctx, "%s", upstreamReply(err, "creator", uid))
	}
	videos, err := h.Upstream.Videos(ctx, uid)
	if err != nil {
		req.Log.Warn("video list lookup failed", logErr(err)...)
		return req.Reply(ctx, "%s", upstreamReply(err, "creator", uid))
	}
	rec := subscription.Record{Category: subscription.Creator, ID: uid, UID: uid, DisplayName: card.Name}
	if p, ok := bilibili.NewestPost(posts); ok {
		rec.LastPostTime = p.Timestamp
	}
	if v, ok := bilibili.NewestVideo(videos); ok {
		rec.LastVideoTime = v.Created
	}
	added, err := h.Store.Subscribe(ctx, rec, req.Owner())
	if err != nil {
		return err
	}
	if !added {
		return req.Reply(ctx, "This chat already follows %s (%d).", card.Name, uid)
	}
	return req.Reply(ctx, "Subscribed! 🎉\nCreator: %s\nUID: %d", card.Name, uid)
}

func (h *Handlers) subSeason(ctx context.Context, req *Request) error {
	id, err := idArg(req)
	if err != nil {
		return usage(ctx, req, "/sub_season <media_id>")
	}
	meta, err := h.Upstream.SeasonMeta(ctx, id)
	if err != nil {
		req.Log.Warn("season lookup failed", logErr(err)...)
		return req.Reply(ctx, "%s", upstreamReply(err, "season", id))
	}
	rec := subscription.Record{
		Category:        subscription.Season,
		ID:              id,
		DisplayName:     meta.Title,
		SeasonID:        meta.SeasonID,
		EpisodeIndex:    meta.EpisodeIndex,
		SeasonUpdatedAt: h.now(),
	}
	added, err := h.Store.Subscribe(ctx, rec, req.Owner())
	if err != nil {
		return err
	}
	if !added {
		return req.Reply(ctx, "This chat already follows %s.", meta.Title)
	}
	return req.Reply(ctx, "Subscribed! 🎉\nSeason: %s\nCurrent episode: %s", meta.Title, orDash(meta.EpisodeIndex))
}

func (h *Handlers) unsub(ctx context.Context, req *Request) error {
	id, err := idArg(req)
	if err != nil {
		return usage(ctx, req, "/unsub <id>")
	}
	keys, err := h.Store.Unsubscribe(ctx, id, req.Owner())
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return req.Reply(ctx, "This chat has no subscription with id %d.", id)
	}
	cats := make([]string, 0, len(keys))
	for _, k := range keys {
		cats = append(cats, string(k.Category))
	}
	return req.Reply(ctx, "Unsubscribed from %d (%s).", id, strings.Join(cats, ", "))
}

func (h *Handlers) list(ctx context.Context, req *Request) error {
	recs, err := h.Store.ListByOwner(ctx, req.Owner())
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return req.Reply(ctx, "No subscriptions yet. Try /sub_live, /sub_up or /sub_season.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Subscriptions (%d):\n", len(recs))
	now := h.now()
	for _, r := range recs {
		fmt.Fprintf(&b, "• [%s] %d %s", r.Category, r.ID, orDash(r.DisplayName))
		switch r.Category {
		case subscription.Live:
			fmt.Fprintf(&b, " (%s)", r.LiveStatus)
		case subscription.Season:
			if r.EpisodeIndex != "" {
				fmt.Fprintf(&b, " (ep %s)", r.EpisodeIndex)
			}
		}
		if !r.LastCheckedAt.IsZero() {
			fmt.Fprintf(&b, ", checked %s", humanize.RelTime(r.LastCheckedAt, now, "ago", "from now"))
		} else {
			b.WriteString(", not checked yet")
		}
		b.WriteByte('\n')
	}
	return req.Reply(ctx, "%s", strings.TrimRight(b.String(), "\n"))
}

func (h *Handlers) searchSeason(ctx context.Context, req *Request) error {
	kw := strings.TrimSpace(strings.Join(req.Args, " "))
	if kw == "" {
		return usage(ctx, req, "/search_season <keyword>")
	}
	hits, err := h.Upstream.SearchSeasons(ctx, kw)
	if err != nil {
		req.Log.Warn("season search failed", logErr(err)...)
		return req.Reply(ctx, "Search failed, try again later.")
	}
	if len(hits) == 0 {
		return req.Reply(ctx, "No seasons found for %q.", kw)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Seasons matching %q:\n", kw)
	for _, hit := range hits {
		fmt.Fprintf(&b, "%d: %s\n", hit.MediaID, hit.Title)
	}
	b.WriteString("Subscribe with /sub_season <media_id>")
	return req.Reply(ctx, "%s", b.String())
}

func (h *Handlers) pollStatus(ctx context.Context, req *Request) error {
	if h.Poller == nil {
		return req.Reply(ctx, "Poller is not running.")
	}
	now := h.now()
	st := h.Poller.Stats()
	ps := h.Poller.PoolStats()

	var b strings.Builder
	b.WriteString("Poller status\n")
	fmt.Fprintf(&b, "Remaining: live %d, creator %d, season %d\n",
		ps.Remaining[subscription.Live], ps.Remaining[subscription.Creator], ps.Remaining[subscription.Season])
	fmt.Fprintf(&b, "Cycles: %s", humanize.Comma(int64(ps.Cycles)))
	if !ps.LastReload.IsZero() {
		fmt.Fprintf(&b, " (last reload %s)", humanize.RelTime(ps.LastReload, now, "ago", "from now"))
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Ticks: %s, checked: %s, notified: %s, failed: %s\n",
		humanize.Comma(int64(st.Ticks)), humanize.Comma(int64(st.Checked)),
		humanize.Comma(int64(st.Notified)), humanize.Comma(int64(st.Failed)))
	if h.Trigger != nil {
		ts := h.Trigger.Stats()
		fmt.Fprintf(&b, "Schedule: %s, skipped: %d", ts.Schedule, ts.Skipped)
		if !ts.Next.IsZero() {
			fmt.Fprintf(&b, ", next %s", humanize.RelTime(ts.Next, now, "ago", "from now"))
		}
		b.WriteByte('\n')
	}
	if n := len(st.Failures); n > 0 {
		b.WriteString("Recent failures:\n")
		for _, f := range st.Failures[max(0, n-5):] {
			fmt.Fprintf(&b, "• %s %s [%s] %s\n", humanize.RelTime(f.Time, now, "ago", "from now"), f.Key, f.Kind, f.Message)
		}
	}
	return req.Reply(ctx, "%s", strings.TrimRight(b.String(), "\n"))
}

func (h *Handlers) pollNow(ctx context.Context, req *Request) error {
	if h.Trigger == nil {
		return req.Reply(ctx, "Polling is disabled.")
	}
	all := len(req.Args) > 0 && strings.EqualFold(req.Args[0], "all")
	if len(req.Args) > 0 && !all {
		return usage(ctx, req, "/poll_now [all]")
	}
	if all && h.Poller == nil {
		return req.Reply(ctx, "Poller is not running.")
	}

	start := time.Now()
	checked := 0
	var err error
	if all {
		err = h.Trigger.RunWith(ctx, func(c context.Context) error {
			var cerr error
			checked, cerr = h.Poller.RunCycle(c)
			return cerr
		})
	} else {
		err = h.Trigger.RunNow(ctx)
	}
	took := time.Since(start).Round(time.Millisecond)
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		return req.Reply(ctx, "A poll tick is already running.")
	case err != nil:
		return req.Reply(ctx, "Poll failed: %s", err)
	case all:
		return req.Reply(ctx, "Poll cycle finished: %d checked in %s.", checked, took)
	}
	return req.Reply(ctx, "Poll tick finished in %s.", took)
}

func helpHandler(r *Router) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		admin := r.IsAdmin(req.FromID)
		var b strings.Builder
		b.WriteString("Commands:\n")
		for _, c := range r.Commands() {
			if c.Access == AccessAdmin && !admin {
				continue
			}
			fmt.Fprintf(&b, "%s  %s\n", c.Usage, c.Description)
		}
		return req.Reply(ctx, "%s", strings.TrimRight(b.String(), "\n"))
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func logErr(err error) []logx.Field {
	return []logx.Field{logx.Err(err), logx.String("kind", bilibili.Classify(err).String())}
}
