package detect

import (
	"context"
	"fmt"

	"bilisub/internal/subscription"
	"bilisub/internal/transport"
	logx "bilisub/pkg/logx"
)

// Live announces rooms going on air.
type Live struct {
	fetch  Fetcher
	assets *Assets
	opts   Options
	log    logx.Logger
}

func (l *Live) Category() subscription.Category { return subscription.Live }

func (l *Live) Check(ctx context.Context, rec subscription.Record) (Outcome, error) {
	room, err := l.fetch.LiveRoom(ctx, rec.ID)
	if err != nil {
		return Outcome{}, err
	}
	status := subscription.LiveStatus(room.LiveStatus)
	if status == rec.LiveStatus {
		return Outcome{}, nil
	}

	out := Outcome{Patch: subscription.Patch{LiveStatus: subscription.Ptr(status)}}
	if status != subscription.OnAir {
		l.log.Debug("live status changed", logx.Int64("room", rec.ID), logx.String("from", rec.LiveStatus.String()), logx.String("to", status.String()))
		return out, nil
	}

	cover, err := l.assets.Fetch(ctx, room.Cover)
	if err != nil {
		// The status is still persisted so the transition is not announced late.
		l.log.Warn("live cover unavailable, skipping announcement", logx.Int64("room", rec.ID), logx.Err(err))
		return out, nil
	}
	out.Payload = transport.Payload{
		transport.Picture(cover),
		transport.Text(fmt.Sprintf("\n%s is live! 🎉\nTitle: %s\nRoom: %s", rec.Label(), room.Title, room.URL())),
	}
	return out, nil
}
