package detect

import (
	"context"
	"fmt"
	"strings"

	"bilisub/internal/subscription"
	"bilisub/internal/transport"
	logx "bilisub/pkg/logx"
)

// Season announces new episodes of a show.
//
// The episode index is only persisted together with a successful
// announcement; when the cover cannot be fetched nothing is stored and the
// next cycle tries again.
type Season struct {
	fetch  Fetcher
	assets *Assets
	opts   Options
	log    logx.Logger
}

func (s *Season) Category() subscription.Category { return subscription.Season }

func (s *Season) Check(ctx context.Context, rec subscription.Record) (Outcome, error) {
	meta, err := s.fetch.SeasonMeta(ctx, rec.ID)
	if err != nil {
		return Outcome{}, err
	}
	idx := strings.TrimSpace(meta.EpisodeIndex)
	if idx == "" || idx == rec.EpisodeIndex {
		return Outcome{}, nil
	}

	cover, err := s.assets.Fetch(ctx, meta.Cover)
	if err != nil {
		s.log.Warn("season cover unavailable, will retry next cycle", logx.Int64("media", rec.ID), logx.String("episode", idx), logx.Err(err))
		return Outcome{}, nil
	}

	now := s.opts.Now()
	patch := subscription.Patch{EpisodeIndex: subscription.Ptr(idx), SeasonUpdatedAt: subscription.Ptr(now)}
	title := meta.Title
	if title == "" {
		title = rec.Label()
	} else if title != rec.DisplayName {
		patch.DisplayName = subscription.Ptr(title)
	}
	return Outcome{
		Patch: patch,
		Payload: transport.Payload{
			transport.Picture(cover),
			transport.Text(fmt.Sprintf("\n[%s] has a new episode! 🎉\nLatest: %s", title, idx)),
		},
	}, nil
}
