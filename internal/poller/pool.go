// Package poller decides which subscription is checked next and runs the
// checks.
package poller

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"bilisub/internal/subscription"
)

// Source provides the full set of subscriptions at reload time.
type Source interface {
	ListAll(ctx context.Context) (subscription.Snapshot, error)
}

// Pool hands out subscriptions fairly across the three categories.
//
// Each category has a working set that is drained one random element at a
// time while a cursor rotates live → creator → season. No record is handed
// out twice before every other record has been handed out once; the working
// sets are refilled from the Source only when all three are empty.
type Pool struct {
	src Source

	mu         sync.Mutex
	rng        *rand.Rand
	cursor     int
	sets       [len(subscription.Categories)][]subscription.Record
	cycles     uint64
	lastReload time.Time
}

type PoolOption func(*Pool)

// WithRand fixes the random source (tests).
func WithRand(r *rand.Rand) PoolOption {
	return func(p *Pool) { p.rng = r }
}

func NewPool(src Source, opts ...PoolOption) *Pool {
	p := &Pool{src: src, cursor: -1}
	for _, o := range opts {
		o(p)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return p
}

// Next returns the next subscription to check. When every working set is
// empty it reloads once from the Source; ok is false only when the Source
// has no subscriptions at all.
func (p *Pool) Next(ctx context.Context) (rec subscription.Record, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok = p.popLocked(); ok {
		return rec, true, nil
	}
	if err := p.reloadLocked(ctx); err != nil {
		return subscription.Record{}, false, err
	}
	rec, ok = p.popLocked()
	return rec, ok, nil
}

// Reload refills the working sets. It is a no-op while any set still holds
// records.
func (p *Pool) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remainingLocked() > 0 {
		return nil
	}
	return p.reloadLocked(ctx)
}

func (p *Pool) popLocked() (subscription.Record, bool) {
	for range len(p.sets) {
		p.cursor = (p.cursor + 1) % len(p.sets)
		set := p.sets[p.cursor]
		if len(set) == 0 {
			continue
		}
		i := p.rng.IntN(len(set))
		rec := set[i]
		last := len(set) - 1
		set[i] = set[last]
		set[last] = subscription.Record{}
		p.sets[p.cursor] = set[:last]
		return rec, true
	}
	return subscription.Record{}, false
}

func (p *Pool) reloadLocked(ctx context.Context) error {
	snap, err := p.src.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("pool reload: %w", err)
	}
	for i, cat := range subscription.Categories {
		rs := snap[cat]
		p.sets[i] = append(make([]subscription.Record, 0, len(rs)), rs...)
	}
	p.cycles++
	p.lastReload = time.Now()
	return nil
}

func (p *Pool) remainingLocked() int {
	n := 0
	for _, s := range p.sets {
		n += len(s)
	}
	return n
}

// Remaining reports how many records are left in each working set.
func (p *Pool) Remaining() map[subscription.Category]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[subscription.Category]int, len(p.sets))
	for i, cat := range subscription.Categories {
		out[cat] = len(p.sets[i])
	}
	return out
}

// Cycles is the number of reloads performed so far.
func (p *Pool) Cycles() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles
}

// PoolStats is a point-in-time view for status output.
type PoolStats struct {
	Remaining  map[subscription.Category]int `json:"remaining"`
	Cycles     uint64                        `json:"cycles"`
	LastReload time.Time                     `json:"last_reload"`
}

func (p *Pool) Stats() PoolStats {
	rem := p.Remaining()
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Remaining: rem, Cycles: p.cycles, LastReload: p.lastReload}
}
