package detect

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"bilisub/internal/bilibili"
	"bilisub/internal/subscription"
	"bilisub/internal/transport"
	logx "bilisub/pkg/logx"
)

const postExcerptRunes = 400

// Creator announces new posts and videos of an uploader.
//
// The post track is evaluated before the video track and, when both
// qualify, the announcement lists the post first.
type Creator struct {
	fetch  Fetcher
	assets *Assets
	opts   Options
	log    logx.Logger
}

func (c *Creator) Category() subscription.Category { return subscription.Creator }

func (c *Creator) Check(ctx context.Context, rec subscription.Record) (Outcome, error) {
	uid := rec.UID
	if uid == 0 {
		uid = rec.ID
	}
	card, err := c.fetch.UserCard(ctx, uid)
	if err != nil {
		return Outcome{}, err
	}
	posts, postErr := c.fetch.Posts(ctx, uid)
	videos, err := c.fetch.Videos(ctx, uid)
	if err != nil {
		return Outcome{}, err
	}

	var patch subscription.Patch
	name := rec.Label()
	if n := strings.TrimSpace(card.Name); n != "" {
		name = n
		if n != rec.DisplayName {
			patch.DisplayName = subscription.Ptr(n)
		}
	}

	var postPart, videoPart transport.Payload
	if postErr != nil {
		c.log.Warn("post feed unavailable, skipping post track", logx.Int64("uid", uid), logx.Err(postErr))
	} else {
		postPart = c.postTrack(ctx, rec, name, posts, &patch)
	}
	videoPart = c.videoTrack(ctx, rec, name, videos, &patch)

	out := Outcome{Patch: patch}
	out.Payload = append(out.Payload, postPart...)
	if len(postPart) > 0 && len(videoPart) > 0 {
		out.Payload = append(out.Payload, transport.Text(separator))
	}
	out.Payload = append(out.Payload, videoPart...)
	return out, nil
}

func (c *Creator) postTrack(ctx context.Context, rec subscription.Record, name string, posts []bilibili.Post, patch *subscription.Patch) transport.Payload {
	post, ok := bilibili.NewestPost(posts)
	if !ok || post.Timestamp <= rec.LastPostTime {
		return nil
	}
	patch.LastPostTime = subscription.Ptr(post.Timestamp)

	if !c.opts.fresh(post.Time()) {
		c.log.Debug("stale post, watermark advanced", logx.Int64("uid", rec.ID), logx.String("post", post.ID))
		return nil
	}
	if c.opts.FilterEnabled && c.opts.Filter.Veto(ctx, post) {
		c.log.Info("post withheld by content filter", logx.Int64("uid", rec.ID), logx.String("post", post.ID))
		return nil
	}

	out := transport.Payload{transport.Text(name + " published a new post! 📢\n")}
	img, err := c.opts.Screenshots.Screenshot(ctx, post)
	if err != nil {
		c.log.Warn("post image unavailable", logx.String("post", post.ID), logx.Err(err))
	} else if img != nil {
		out = append(out, transport.Picture(img))
	}
	var b strings.Builder
	if text := excerpt(post.Text, postExcerptRunes); text != "" {
		b.WriteString("\n")
		b.WriteString(text)
	}
	b.WriteString("\nDetails: ")
	b.WriteString(post.URL())
	return append(out, transport.Text(b.String()))
}

func (c *Creator) videoTrack(ctx context.Context, rec subscription.Record, name string, videos []bilibili.Video, patch *subscription.Patch) transport.Payload {
	video, ok := bilibili.NewestVideo(videos)
	if !ok || video.Created <= rec.LastVideoTime {
		return nil
	}
	patch.LastVideoTime = subscription.Ptr(video.Created)

	if !c.opts.fresh(video.Time()) {
		c.log.Debug("stale video, watermark advanced", logx.Int64("uid", rec.ID), logx.String("bvid", video.BVID))
		return nil
	}

	text := fmt.Sprintf("%s uploaded a new video! 🎉\nTitle: %s\nBVID: %s\nLink: %s", name, video.Title, video.BVID, video.URL())
	cover, err := c.assets.FetchRetry(ctx, video.Cover, c.opts.CoverRetry)
	if err != nil {
		c.log.Warn("video cover unavailable after retries", logx.String("bvid", video.BVID), logx.Int("attempts", c.opts.CoverRetry.Attempts), logx.Err(err))
		return transport.Payload{transport.Text("⚠️ Cover unavailable\n" + text)}
	}
	return transport.Payload{transport.Picture(cover), transport.Text("\n" + text)}
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
