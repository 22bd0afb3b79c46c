package detect

import (
	"context"
	"strings"

	"bilisub/internal/bilibili"
	"bilisub/internal/transport"
)

// ContentFilter decides whether a post should be withheld (for example,
// sponsored content).
type ContentFilter interface {
	Veto(ctx context.Context, p bilibili.Post) bool
}

// KeywordFilter vetoes posts whose text contains any keyword,
// case-insensitively.
type KeywordFilter struct {
	Keywords []string
}

func (f KeywordFilter) Veto(_ context.Context, p bilibili.Post) bool {
	text := strings.ToLower(p.Text)
	if text == "" {
		return false
	}
	for _, k := range f.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// Screenshotter produces the image shown with a post announcement.
// A nil image with a nil error means the post has nothing to show.
type Screenshotter interface {
	Screenshot(ctx context.Context, p bilibili.Post) (*transport.Image, error)
}

// FirstImage uses the first picture attached to the post.
type FirstImage struct {
	Assets *Assets
}

func (s FirstImage) Screenshot(ctx context.Context, p bilibili.Post) (*transport.Image, error) {
	if len(p.Images) == 0 || s.Assets == nil {
		return nil, nil
	}
	return s.Assets.Fetch(ctx, p.Images[0])
}
