package subscription

import "time"

// Patch is a field-level merge update. Nil fields are left untouched.
type Patch struct {
	DisplayName     *string
	LiveStatus      *LiveStatus
	LastPostTime    *int64
	LastVideoTime   *int64
	EpisodeIndex    *string
	SeasonUpdatedAt *time.Time
}

func (p Patch) Empty() bool {
	return p.DisplayName == nil &&
		p.LiveStatus == nil &&
		p.LastPostTime == nil &&
		p.LastVideoTime == nil &&
		p.EpisodeIndex == nil &&
		p.SeasonUpdatedAt == nil
}

// Apply returns r with the patch merged in.
func (p Patch) Apply(r Record) Record {
	if p.DisplayName != nil {
		r.DisplayName = *p.DisplayName
	}
	if p.LiveStatus != nil {
		r.LiveStatus = *p.LiveStatus
	}
	if p.LastPostTime != nil {
		r.LastPostTime = *p.LastPostTime
	}
	if p.LastVideoTime != nil {
		r.LastVideoTime = *p.LastVideoTime
	}
	if p.EpisodeIndex != nil {
		r.EpisodeIndex = *p.EpisodeIndex
	}
	if p.SeasonUpdatedAt != nil {
		r.SeasonUpdatedAt = *p.SeasonUpdatedAt
	}
	return r
}

// Fields lists the names of the fields the patch sets, for logging.
func (p Patch) Fields() []string {
	out := make([]string, 0, 6)
	if p.DisplayName != nil {
		out = append(out, "display_name")
	}
	if p.LiveStatus != nil {
		out = append(out, "live_status")
	}
	if p.LastPostTime != nil {
		out = append(out, "last_post_time")
	}
	if p.LastVideoTime != nil {
		out = append(out, "last_video_time")
	}
	if p.EpisodeIndex != nil {
		out = append(out, "episode_index")
	}
	if p.SeasonUpdatedAt != nil {
		out = append(out, "season_updated_at")
	}
	return out
}

func Ptr[T any](v T) *T { return &v }
