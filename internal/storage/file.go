package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"bilisub/internal/subscription"
	logx "bilisub/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// The whole state lives in one JSON document which is rewritten
// (tmp file + rename) after every mutation. The mutex makes Merge atomic
// per record.
type fileStore struct {
	log  logx.Logger
	path string

	mu      sync.Mutex
	closed  bool
	records map[subscription.Key]*fileRecord
}

type fileRecord struct {
	Category        subscription.Category `json:"category"`
	ID              int64                 `json:"id"`
	Owners          []string              `json:"owners"`
	DisplayName     string                `json:"display_name,omitempty"`
	UID             int64                 `json:"uid,omitempty"`
	ShortID         int64                 `json:"short_id,omitempty"`
	LiveStatus      int                   `json:"live_status"`
	LastPostTime    int64                 `json:"last_post_time,omitempty"`
	LastVideoTime   int64                 `json:"last_video_time,omitempty"`
	SeasonID        int64                 `json:"season_id,omitempty"`
	EpisodeIndex    string                `json:"episode_index,omitempty"`
	SeasonUpdatedAt int64                 `json:"season_updated_at,omitempty"` // unix milli
	LastCheckedAt   int64                 `json:"last_checked_at,omitempty"`   // unix milli
}

type fileDoc struct {
	Version       int           `json:"version"`
	Subscriptions []*fileRecord `json:"subscriptions"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	st := &fileStore{log: log, path: path, records: map[subscription.Key]*fileRecord{}}
	if err := st.load(); err != nil {
		return nil, fmt.Errorf("storage load %s: %w", path, err)
	}
	log.Debug("file store opened", logx.String("path", path), logx.Int("records", len(st.records)))
	return st, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	for _, r := range doc.Subscriptions {
		if r == nil || !r.Category.Valid() {
			continue
		}
		s.records[subscription.Key{Category: r.Category, ID: r.ID}] = r
	}
	return nil
}

// flushLocked writes the current state atomically.
func (s *fileStore) flushLocked() error {
	doc := fileDoc{Version: 1, Subscriptions: make([]*fileRecord, 0, len(s.records))}
	for _, r := range s.records {
		doc.Subscriptions = append(doc.Subscriptions, r)
	}
	sort.Slice(doc.Subscriptions, func(i, j int) bool {
		a, b := doc.Subscriptions[i], doc.Subscriptions[j]
		if a.Category != b.Category {
			return a.Category.Index() < b.Category.Index()
		}
		return a.ID < b.ID
	})

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (r *fileRecord) toRecord() subscription.Record {
	out := subscription.Record{
		Category:      r.Category,
		ID:            r.ID,
		Owners:        append([]string(nil), r.Owners...),
		DisplayName:   r.DisplayName,
		UID:           r.UID,
		ShortID:       r.ShortID,
		LiveStatus:    subscription.LiveStatus(r.LiveStatus),
		LastPostTime:  r.LastPostTime,
		LastVideoTime: r.LastVideoTime,
		SeasonID:      r.SeasonID,
		EpisodeIndex:  r.EpisodeIndex,
	}
	if r.SeasonUpdatedAt > 0 {
		out.SeasonUpdatedAt = time.UnixMilli(r.SeasonUpdatedAt)
	}
	if r.LastCheckedAt > 0 {
		out.LastCheckedAt = time.UnixMilli(r.LastCheckedAt)
	}
	return out
}

func fromRecord(r subscription.Record) *fileRecord {
	out := &fileRecord{
		Category:      r.Category,
		ID:            r.ID,
		DisplayName:   r.DisplayName,
		UID:           r.UID,
		ShortID:       r.ShortID,
		LiveStatus:    int(r.LiveStatus),
		LastPostTime:  r.LastPostTime,
		LastVideoTime: r.LastVideoTime,
		SeasonID:      r.SeasonID,
		EpisodeIndex:  r.EpisodeIndex,
	}
	if !r.SeasonUpdatedAt.IsZero() {
		out.SeasonUpdatedAt = r.SeasonUpdatedAt.UnixMilli()
	}
	return out
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fileStore) Get(ctx context.Context, cat subscription.Category, id int64) (subscription.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return subscription.Record{}, ErrClosed
	}
	r, ok := s.records[subscription.Key{Category: cat, ID: id}]
	if !ok {
		return subscription.Record{}, ErrNotFound
	}
	return r.toRecord(), nil
}

func (s *fileStore) ListAll(ctx context.Context) (subscription.Snapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	snap := subscription.Snapshot{}
	for _, r := range s.records {
		snap[r.Category] = append(snap[r.Category], r.toRecord())
	}
	for cat := range snap {
		rs := snap[cat]
		sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	}
	return snap, nil
}

func (s *fileStore) ListByOwner(ctx context.Context, owner string) ([]subscription.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []subscription.Record
	for _, r := range s.records {
		for _, o := range r.Owners {
			if o == owner {
				out = append(out, r.toRecord())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category.Index() < out[j].Category.Index()
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) Merge(ctx context.Context, cat subscription.Category, id int64, p subscription.Patch) error {
	_ = ctx
	if p.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	r, ok := s.records[subscription.Key{Category: cat, ID: id}]
	if !ok {
		return ErrNotFound
	}
	prev := *r
	merged := p.Apply(r.toRecord())
	next := fromRecord(merged)
	next.Owners = r.Owners
	next.LastCheckedAt = time.Now().UnixMilli()
	*r = *next
	if err := s.flushLocked(); err != nil {
		*r = prev
		return unavailable(err)
	}
	return nil
}

func (s *fileStore) Subscribe(ctx context.Context, rec subscription.Record, owner string) (bool, error) {
	_ = ctx
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return false, errors.New("owner is required")
	}
	if !rec.Category.Valid() {
		return false, fmt.Errorf("invalid category %q", rec.Category)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	key := rec.Key()
	r, exists := s.records[key]
	var prev fileRecord
	if !exists {
		r = fromRecord(rec)
		s.records[key] = r
	} else {
		prev = *r
		prev.Owners = slices.Clone(r.Owners)
		if strings.TrimSpace(rec.DisplayName) != "" {
			r.DisplayName = rec.DisplayName
		}
	}
	owners, added := addOwner(r.Owners, owner)
	r.Owners = owners
	if err := s.flushLocked(); err != nil {
		if exists {
			*r = prev
		} else {
			delete(s.records, key)
		}
		return false, unavailable(err)
	}
	return added, nil
}

func (s *fileStore) Unsubscribe(ctx context.Context, id int64, owner string) ([]subscription.Key, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var keys []subscription.Key
	undo := map[subscription.Key]fileRecord{}
	for _, cat := range subscription.Categories {
		key := subscription.Key{Category: cat, ID: id}
		r, ok := s.records[key]
		if !ok {
			continue
		}
		owners, removed := removeOwner(r.Owners, owner)
		if !removed {
			continue
		}
		keys = append(keys, key)
		undo[key] = *r
		if len(owners) == 0 {
			delete(s.records, key)
			continue
		}
		r.Owners = owners
	}
	if len(keys) == 0 {
		return nil, nil
	}
	if err := s.flushLocked(); err != nil {
		for key, prev := range undo {
			s.records[key] = &prev
		}
		return nil, unavailable(err)
	}
	return keys, nil
}
