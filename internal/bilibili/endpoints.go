package bilibili

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"

	logx "bilisub/pkg/logx"
)

// LiveRoom fetches room info by long or short room id.
func (c *Client) LiveRoom(ctx context.Context, roomID int64) (LiveRoom, error) {
	type payload struct {
		RoomID     int64  `json:"room_id"`
		ShortID    int64  `json:"short_id"`
		UID        int64  `json:"uid"`
		LiveStatus int    `json:"live_status"`
		Title      string `json:"title"`
		UserCover  string `json:"user_cover"`
	}
	q := url.Values{"room_id": {strconv.FormatInt(roomID, 10)}}
	p, err := getJSON[payload](ctx, c, "live.room", c.liveBase+"/room/v1/Room/get_info", q)
	if err != nil {
		return LiveRoom{}, err
	}
	return LiveRoom{
		RoomID:     p.RoomID,
		ShortID:    p.ShortID,
		UID:        p.UID,
		LiveStatus: p.LiveStatus,
		Title:      p.Title,
		Cover:      p.UserCover,
	}, nil
}

// UserCard fetches the uploader profile card.
func (c *Client) UserCard(ctx context.Context, uid int64) (UserCard, error) {
	type payload struct {
		Card struct {
			MID  string `json:"mid"`
			Name string `json:"name"`
			Face string `json:"face"`
		} `json:"card"`
	}
	q := url.Values{"mid": {strconv.FormatInt(uid, 10)}}
	p, err := getJSON[payload](ctx, c, "user.card", c.apiBase+"/x/web-interface/card", q)
	if err != nil {
		return UserCard{}, err
	}
	mid, _ := strconv.ParseInt(p.Card.MID, 10, 64)
	if mid == 0 {
		mid = uid
	}
	return UserCard{MID: mid, Name: p.Card.Name, Face: p.Card.Face}, nil
}

// Posts fetches the first page of the uploader's post feed.
func (c *Client) Posts(ctx context.Context, uid int64) ([]Post, error) {
	type payload struct {
		Cards []struct {
			Desc struct {
				DynamicIDStr string `json:"dynamic_id_str"`
				DynamicID    int64  `json:"dynamic_id"`
				Timestamp    int64  `json:"timestamp"`
			} `json:"desc"`
			Card string `json:"card"`
		} `json:"cards"`
	}
	q := url.Values{"host_uid": {strconv.FormatInt(uid, 10)}, "offset_dynamic_id": {"0"}}
	p, err := getJSON[payload](ctx, c, "user.posts", c.dynamicBase+"/dynamic_svr/v1/dynamic_svr/space_history", q)
	if err != nil {
		return nil, err
	}
	out := make([]Post, 0, len(p.Cards))
	for _, card := range p.Cards {
		id := card.Desc.DynamicIDStr
		if id == "" {
			id = strconv.FormatInt(card.Desc.DynamicID, 10)
		}
		text, images := parsePostCard(card.Card)
		out = append(out, Post{ID: id, Timestamp: card.Desc.Timestamp, Text: text, Images: images})
	}
	return out, nil
}

// parsePostCard extracts text and image urls from the embedded card JSON.
// The shape varies by post type; unknown shapes yield empty values.
func parsePostCard(raw string) (string, []string) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	var card struct {
		Item struct {
			Content     string `json:"content"`
			Description string `json:"description"`
			Pictures    []struct {
				ImgSrc string `json:"img_src"`
			} `json:"pictures"`
		} `json:"item"`
		Title string `json:"title"`
		Desc  string `json:"desc"`
		Pic   string `json:"pic"`
	}
	if err := json.Unmarshal([]byte(raw), &card); err != nil {
		return "", nil
	}
	var images []string
	for _, p := range card.Item.Pictures {
		if p.ImgSrc != "" {
			images = append(images, p.ImgSrc)
		}
	}
	if card.Pic != "" {
		images = append(images, card.Pic)
	}
	for _, s := range []string{card.Item.Content, card.Item.Description, card.Title, card.Desc} {
		if strings.TrimSpace(s) != "" {
			return s, images
		}
	}
	return "", images
}

// Videos fetches the uploader's most recent videos.
func (c *Client) Videos(ctx context.Context, uid int64) ([]Video, error) {
	type payload struct {
		List struct {
			VList []struct {
				BVID    string `json:"bvid"`
				Title   string `json:"title"`
				Pic     string `json:"pic"`
				Created int64  `json:"created"`
			} `json:"vlist"`
		} `json:"list"`
	}
	q := url.Values{"mid": {strconv.FormatInt(uid, 10)}, "ps": {"30"}, "pn": {"1"}, "order": {"pubdate"}}
	p, err := getJSON[payload](ctx, c, "user.videos", c.apiBase+"/x/space/arc/search", q)
	if err != nil {
		return nil, err
	}
	out := make([]Video, 0, len(p.List.VList))
	for _, v := range p.List.VList {
		out = append(out, Video{BVID: v.BVID, Title: v.Title, Cover: v.Pic, Created: v.Created})
	}
	return out, nil
}

// SeasonMeta fetches show metadata by media id.
func (c *Client) SeasonMeta(ctx context.Context, mediaID int64) (SeasonMeta, error) {
	type payload struct {
		Media struct {
			MediaID  int64  `json:"media_id"`
			SeasonID int64  `json:"season_id"`
			Title    string `json:"title"`
			Cover    string `json:"cover"`
			NewEP    struct {
				Index string `json:"index"`
			} `json:"new_ep"`
		} `json:"media"`
	}
	q := url.Values{"media_id": {strconv.FormatInt(mediaID, 10)}}
	p, err := getJSON[payload](ctx, c, "season.meta", c.apiBase+"/pgc/review/user", q)
	if err != nil {
		return SeasonMeta{}, err
	}
	id := p.Media.MediaID
	if id == 0 {
		id = mediaID
	}
	return SeasonMeta{
		MediaID:      id,
		SeasonID:     p.Media.SeasonID,
		Title:        p.Media.Title,
		Cover:        p.Media.Cover,
		EpisodeIndex: p.Media.NewEP.Index,
	}, nil
}

// SearchSeasons looks up shows by keyword. It makes a single attempt; a
// timeout yields an empty result rather than an error.
func (c *Client) SearchSeasons(ctx context.Context, keyword string) ([]SeasonHit, error) {
	type payload struct {
		Result []struct {
			ResultType string          `json:"result_type"`
			Data       json.RawMessage `json:"data"`
		} `json:"result"`
	}
	q := url.Values{"keyword": {keyword}}
	p, err := getJSON[payload](ctx, c, "search", c.apiBase+"/x/web-interface/search/all/v2", q)
	if err != nil {
		if isTimeout(err) {
			c.log.Debug("season search timed out", logx.String("keyword", keyword))
			return nil, nil
		}
		return nil, err
	}
	for _, group := range p.Result {
		if group.ResultType != "media_bangumi" {
			continue
		}
		var items []struct {
			MediaID int64  `json:"media_id"`
			Title   string `json:"title"`
		}
		if err := json.Unmarshal(group.Data, &items); err != nil {
			return nil, &transportError{endpoint: "search", err: err}
		}
		out := make([]SeasonHit, 0, len(items))
		for _, it := range items {
			out = append(out, SeasonHit{MediaID: it.MediaID, Title: stripHighlight(it.Title)})
		}
		return out, nil
	}
	return nil, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
