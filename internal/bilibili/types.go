package bilibili

import (
	"strconv"
	"strings"
	"time"
)

// LiveRoom is the state of a live room.
type LiveRoom struct {
	RoomID     int64
	ShortID    int64
	UID        int64
	LiveStatus int
	Title      string
	Cover      string
}

func (r LiveRoom) URL() string { return "https://live.bilibili.com/" + strconv.FormatInt(r.RoomID, 10) }

// UserCard is the public profile of an uploader.
type UserCard struct {
	MID  int64
	Name string
	Face string
}

// Post is one entry of an uploader's post feed.
type Post struct {
	ID        string
	Timestamp int64 // unix seconds
	Text      string
	Images    []string
}

func (p Post) Time() time.Time { return time.Unix(p.Timestamp, 0) }
func (p Post) URL() string     { return "https://t.bilibili.com/" + p.ID }

// Video is one uploaded video.
type Video struct {
	BVID    string
	Title   string
	Cover   string
	Created int64 // unix seconds
}

func (v Video) Time() time.Time { return time.Unix(v.Created, 0) }
func (v Video) URL() string     { return "https://www.bilibili.com/video/" + v.BVID }

// SeasonMeta describes a serialized show.
type SeasonMeta struct {
	MediaID      int64
	SeasonID     int64
	Title        string
	Cover        string
	EpisodeIndex string
}

// SeasonHit is one season search result.
type SeasonHit struct {
	MediaID int64
	Title   string
}

// NewestPost returns the post with the largest timestamp.
func NewestPost(posts []Post) (Post, bool) {
	var (
		best Post
		ok   bool
	)
	for _, p := range posts {
		if !ok || p.Timestamp > best.Timestamp {
			best, ok = p, true
		}
	}
	return best, ok
}

// NewestVideo returns the video with the largest creation time.
func NewestVideo(videos []Video) (Video, bool) {
	var (
		best Video
		ok   bool
	)
	for _, v := range videos {
		if !ok || v.Created > best.Created {
			best, ok = v, true
		}
	}
	return best, ok
}

var highlightReplacer = strings.NewReplacer(`<em class="keyword">`, "", "</em>", "")

func stripHighlight(s string) string { return highlightReplacer.Replace(s) }
