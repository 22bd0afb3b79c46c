package poller

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"bilisub/internal/storage"
	"bilisub/internal/subscription"
)

type memSource struct {
	mu    sync.Mutex
	snap  subscription.Snapshot
	err   error
	calls int
}

func (s *memSource) ListAll(context.Context) (subscription.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := subscription.Snapshot{}
	for cat, rs := range s.snap {
		out[cat] = append([]subscription.Record(nil), rs...)
	}
	return out, nil
}

func (s *memSource) reloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func records(cat subscription.Category, ids ...int64) []subscription.Record {
	out := make([]subscription.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, subscription.Record{Category: cat, ID: id})
	}
	return out
}

func seeded() PoolOption { return WithRand(rand.New(rand.NewPCG(1, 2))) }

func idRange(from, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(from + i)
	}
	return out
}

func TestPoolFairRotation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name                  string
		live, creator, season int
	}{
		{"equal", 3, 3, 3},
		{"growing", 1, 3, 5},
		{"creator short", 5, 1, 2},
		{"season short", 4, 6, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sizes := map[subscription.Category]int{
				subscription.Live:    tt.live,
				subscription.Creator: tt.creator,
				subscription.Season:  tt.season,
			}
			src := &memSource{snap: subscription.Snapshot{
				subscription.Live:    records(subscription.Live, idRange(1, tt.live)...),
				subscription.Creator: records(subscription.Creator, idRange(100, tt.creator)...),
				subscription.Season:  records(subscription.Season, idRange(200, tt.season)...),
			}}
			p := NewPool(src, seeded())
			ctx := context.Background()
			count := tt.live + tt.creator + tt.season

			var got []subscription.Record
			for range count {
				rec, ok, err := p.Next(ctx)
				if err != nil || !ok {
					t.Fatalf("Next = %v, %v", ok, err)
				}
				got = append(got, rec)
			}
			if src.reloads() != 1 {
				t.Fatalf("reloads after %d calls = %d, want 1", count, src.reloads())
			}
			if rem := p.Remaining(); rem[subscription.Live]+rem[subscription.Creator]+rem[subscription.Season] != 0 {
				t.Fatalf("remaining after %d calls = %v", count, rem)
			}

			// Round r visits, in rotation order, every category holding more than r records.
			var want []subscription.Category
			for r := 0; len(want) < count; r++ {
				for _, cat := range subscription.Categories {
					if sizes[cat] > r {
						want = append(want, cat)
					}
				}
			}
			for i, rec := range got {
				if rec.Category != want[i] {
					t.Fatalf("call %d got %s, want %s (sequence %v)", i, rec.Category, want[i], want)
				}
			}

			// While every pool is non-empty, any three consecutive calls cover all categories.
			full := 3 * min(tt.live, tt.creator, tt.season)
			for i := 0; i+3 <= full; i++ {
				cats := map[subscription.Category]bool{}
				for _, r := range got[i : i+3] {
					cats[r.Category] = true
				}
				if len(cats) != 3 {
					t.Fatalf("window at %d not fair: %+v", i, got[i:i+3])
				}
			}

			seen := map[subscription.Key]bool{}
			for _, r := range got {
				if seen[r.Key()] {
					t.Fatalf("%s handed out twice in one cycle", r.Key())
				}
				seen[r.Key()] = true
			}

			if _, ok, err := p.Next(ctx); err != nil || !ok || src.reloads() != 2 {
				t.Fatalf("call %d should start the second cycle: ok=%v err=%v reloads=%d", count+1, ok, err, src.reloads())
			}
		})
	}
}

func TestPoolSkipsEmptyCategories(t *testing.T) {
	t.Parallel()
	src := &memSource{snap: subscription.Snapshot{
		subscription.Live:   records(subscription.Live, 1),
		subscription.Season: records(subscription.Season, 2, 3, 4),
	}}
	p := NewPool(src, seeded())
	var cats []subscription.Category
	for range 4 {
		rec, ok, err := p.Next(context.Background())
		if err != nil || !ok {
			t.Fatalf("Next = %v, %v", ok, err)
		}
		cats = append(cats, rec.Category)
	}
	want := []subscription.Category{subscription.Live, subscription.Season, subscription.Season, subscription.Season}
	for i := range want {
		if cats[i] != want[i] {
			t.Fatalf("categories = %v, want %v", cats, want)
		}
	}
}

func TestPoolExhaustionReloadsOnce(t *testing.T) {
	t.Parallel()
	src := &memSource{snap: subscription.Snapshot{
		subscription.Live:    records(subscription.Live, 1),
		subscription.Creator: records(subscription.Creator, 2),
	}}
	p := NewPool(src, seeded())
	ctx := context.Background()

	for range 2 {
		if _, ok, err := p.Next(ctx); err != nil || !ok {
			t.Fatalf("Next = %v, %v", ok, err)
		}
	}
	if src.reloads() != 1 || p.Cycles() != 1 {
		t.Fatalf("reloads = %d, cycles = %d; want 1, 1", src.reloads(), p.Cycles())
	}
	if _, ok, err := p.Next(ctx); err != nil || !ok {
		t.Fatalf("Next after exhaustion = %v, %v", ok, err)
	}
	if src.reloads() != 2 || p.Cycles() != 2 {
		t.Fatalf("exhaustion should trigger exactly one reload; reloads = %d", src.reloads())
	}
	if rem := p.Remaining(); rem[subscription.Live]+rem[subscription.Creator] != 1 {
		t.Fatalf("remaining = %v", rem)
	}
	if err := p.Reload(ctx); err != nil || src.reloads() != 2 {
		t.Fatalf("Reload with non-empty sets must be a no-op: %v, reloads=%d", err, src.reloads())
	}
}

func TestPoolEmptyStoreIsIdle(t *testing.T) {
	t.Parallel()
	src := &memSource{snap: subscription.Snapshot{}}
	p := NewPool(src)
	for range 3 {
		_, ok, err := p.Next(context.Background())
		if err != nil || ok {
			t.Fatalf("Next on empty store = %v, %v; want false, nil", ok, err)
		}
	}
	if src.reloads() != 3 {
		t.Fatalf("reloads = %d, want one per call", src.reloads())
	}
}

func TestPoolReloadFailure(t *testing.T) {
	t.Parallel()
	src := &memSource{err: storage.ErrUnavailable}
	p := NewPool(src)
	_, ok, err := p.Next(context.Background())
	if ok || !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("Next = %v, %v; want ErrUnavailable", ok, err)
	}
	if total(p.Remaining()) != 0 {
		t.Fatal("pools must stay empty after a failed reload")
	}
}

func TestPoolConcurrentNextNeverDuplicates(t *testing.T) {
	t.Parallel()
	var ids []int64
	for i := int64(1); i <= 60; i++ {
		ids = append(ids, i)
	}
	src := &memSource{snap: subscription.Snapshot{
		subscription.Live:    records(subscription.Live, ids[:20]...),
		subscription.Creator: records(subscription.Creator, ids[20:40]...),
		subscription.Season:  records(subscription.Season, ids[40:]...),
	}}
	p := NewPool(src)
	if err := p.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	var (
		mu   sync.Mutex
		seen = map[subscription.Key]int{}
		wg   sync.WaitGroup
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				rec, ok, err := p.Next(context.Background())
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[rec.Key()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 60 {
		t.Fatalf("distinct = %d, want 60", len(seen))
	}
	for k, n := range seen {
		if n != 1 {
			t.Fatalf("%s handed out %d times", k, n)
		}
	}
}
