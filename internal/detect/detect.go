// Package detect compares freshly fetched platform state with a stored
// subscription record and decides what to persist and what to announce.
//
// Evaluators never write to the store themselves. They return an Outcome
// whose Patch the caller merges before delivering the Payload.
package detect

import (
	"context"
	"errors"
	"time"

	"bilisub/internal/bilibili"
	"bilisub/internal/retry"
	"bilisub/internal/subscription"
	"bilisub/internal/transport"
	logx "bilisub/pkg/logx"
)

// ErrAssetUnavailable reports that an image could not be fetched or was not
// an image.
var ErrAssetUnavailable = errors.New("asset unavailable")

const (
	DefaultFreshness = 30 * time.Minute
	separator        = "\n-------------\n"
)

// Fetcher is the subset of the platform client the evaluators need.
type Fetcher interface {
	LiveRoom(ctx context.Context, roomID int64) (bilibili.LiveRoom, error)
	UserCard(ctx context.Context, uid int64) (bilibili.UserCard, error)
	Posts(ctx context.Context, uid int64) ([]bilibili.Post, error)
	Videos(ctx context.Context, uid int64) ([]bilibili.Video, error)
	SeasonMeta(ctx context.Context, mediaID int64) (bilibili.SeasonMeta, error)
	Image(ctx context.Context, url string) ([]byte, error)
}

// Outcome is the result of one check. A zero Outcome means nothing changed.
type Outcome struct {
	Patch   subscription.Patch
	Payload transport.Payload
}

func (o Outcome) Notify() bool { return !o.Payload.Empty() }

// Evaluator checks one category of subscription.
type Evaluator interface {
	Category() subscription.Category
	Check(ctx context.Context, rec subscription.Record) (Outcome, error)
}

// Options tune the evaluators. Zero values fall back to defaults.
type Options struct {
	Log logx.Logger
	Now func() time.Time

	// FreshnessWindow bounds how old a post or video may be and still be
	// announced.
	FreshnessWindow time.Duration
	// CoverRetry is applied to video cover downloads.
	CoverRetry retry.Policy

	// Filter vetoes posts when FilterEnabled is set.
	Filter        ContentFilter
	FilterEnabled bool

	// Screenshots renders the image attached to a post announcement.
	Screenshots Screenshotter
}

func (o Options) withDefaults(assets *Assets) Options {
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = DefaultFreshness
	}
	if o.CoverRetry.Attempts <= 0 {
		o.CoverRetry = retry.Fixed(3, 2*time.Second)
	}
	if o.Filter == nil {
		o.Filter = KeywordFilter{}
	}
	if o.Screenshots == nil {
		o.Screenshots = FirstImage{Assets: assets}
	}
	return o
}

func (o Options) fresh(t time.Time) bool {
	return t.After(o.Now().Add(-o.FreshnessWindow))
}

// Set routes records to the evaluator for their category.
type Set struct {
	byCategory map[subscription.Category]Evaluator
}

// New builds the live, creator and season evaluators around f.
func New(f Fetcher, opts Options) Set {
	assets := &Assets{Fetcher: f}
	opts = opts.withDefaults(assets)
	return NewSet(
		&Live{fetch: f, assets: assets, opts: opts, log: opts.Log.With(logx.String("eval", "live"))},
		&Creator{fetch: f, assets: assets, opts: opts, log: opts.Log.With(logx.String("eval", "creator"))},
		&Season{fetch: f, assets: assets, opts: opts, log: opts.Log.With(logx.String("eval", "season"))},
	)
}

func NewSet(evals ...Evaluator) Set {
	s := Set{byCategory: make(map[subscription.Category]Evaluator, len(evals))}
	for _, e := range evals {
		s.byCategory[e.Category()] = e
	}
	return s
}

func (s Set) For(cat subscription.Category) (Evaluator, bool) {
	e, ok := s.byCategory[cat]
	return e, ok
}

// Check dispatches rec to its evaluator.
func (s Set) Check(ctx context.Context, rec subscription.Record) (Outcome, error) {
	e, ok := s.For(rec.Category)
	if !ok {
		return Outcome{}, errors.New("no evaluator for category " + string(rec.Category))
	}
	return e.Check(ctx, rec)
}
