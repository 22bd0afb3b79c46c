package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bilisub/internal/subscription"
	logx "bilisub/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const recordColumns = `category, sub_id, display_name, uid, short_id, live_status,
	last_post_time, last_video_time, season_id, episode_index, season_updated_at, last_checked_at`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes Merge per record.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	st := &sqliteStore{db: db, log: log}

	if err := st.checkForeignKeys(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if path != ":memory:" {
		var mode string
		if err := db.QueryRow("PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
			log.Warn("sqlite journal_mode pragma failed", logx.Err(err))
		} else if !strings.EqualFold(mode, "wal") {
			log.Warn("sqlite did not switch to WAL", logx.String("mode", mode))
		}
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

// sqliteDSN sets the per-connection pragmas so they survive the pool
// replacing a connection.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	return fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
}

// checkForeignKeys fails the open when owner rows would not cascade.
func (s *sqliteStore) checkForeignKeys(ctx context.Context) error {
	var on int
	if err := s.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&on); err != nil {
		return fmt.Errorf("storage pragma foreign_keys: %w", err)
	}
	if on != 1 {
		return errors.New("storage: sqlite foreign keys are disabled")
	}
	return nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (subscription.Record, error) {
	var (
		r             subscription.Record
		cat           string
		status        int
		seasonUpdated int64
		checked       int64
	)
	err := row.Scan(&cat, &r.ID, &r.DisplayName, &r.UID, &r.ShortID, &status,
		&r.LastPostTime, &r.LastVideoTime, &r.SeasonID, &r.EpisodeIndex, &seasonUpdated, &checked)
	if err != nil {
		return subscription.Record{}, err
	}
	r.Category = subscription.Category(cat)
	r.LiveStatus = subscription.LiveStatus(status)
	if seasonUpdated > 0 {
		r.SeasonUpdatedAt = time.UnixMilli(seasonUpdated)
	}
	if checked > 0 {
		r.LastCheckedAt = time.UnixMilli(checked)
	}
	return r, nil
}

func (s *sqliteStore) owners(ctx context.Context, cat subscription.Category, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner FROM subscription_owners WHERE category = ? AND sub_id = ? ORDER BY added_at, owner`,
		string(cat), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, cat subscription.Category, id int64) (subscription.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM subscriptions WHERE category = ? AND sub_id = ?`, string(cat), id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.Record{}, ErrNotFound
	}
	if err != nil {
		return subscription.Record{}, unavailable(err)
	}
	if r.Owners, err = s.owners(ctx, cat, id); err != nil {
		return subscription.Record{}, unavailable(err)
	}
	return r, nil
}

func (s *sqliteStore) ListAll(ctx context.Context) (subscription.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM subscriptions ORDER BY category, sub_id`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	snap := subscription.Snapshot{}
	index := map[subscription.Key]*subscription.Record{}
	var all []subscription.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	for i := range all {
		index[all[i].Key()] = &all[i]
	}

	orows, err := s.db.QueryContext(ctx, `SELECT category, sub_id, owner FROM subscription_owners ORDER BY added_at, owner`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer orows.Close()
	for orows.Next() {
		var (
			cat   string
			id    int64
			owner string
		)
		if err := orows.Scan(&cat, &id, &owner); err != nil {
			return nil, unavailable(err)
		}
		if r := index[subscription.Key{Category: subscription.Category(cat), ID: id}]; r != nil {
			r.Owners = append(r.Owners, owner)
		}
	}
	if err := orows.Err(); err != nil {
		return nil, unavailable(err)
	}

	for _, r := range all {
		snap[r.Category] = append(snap[r.Category], r)
	}
	return snap, nil
}

func (s *sqliteStore) ListByOwner(ctx context.Context, owner string) ([]subscription.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, sub_id FROM subscription_owners WHERE owner = ? ORDER BY category, sub_id`, owner)
	if err != nil {
		return nil, unavailable(err)
	}
	var keys []subscription.Key
	for rows.Next() {
		var (
			cat string
			id  int64
		)
		if err := rows.Scan(&cat, &id); err != nil {
			rows.Close()
			return nil, unavailable(err)
		}
		keys = append(keys, subscription.Key{Category: subscription.Category(cat), ID: id})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}

	out := make([]subscription.Record, 0, len(keys))
	for _, k := range keys {
		r, err := s.Get(ctx, k.Category, k.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *sqliteStore) Merge(ctx context.Context, cat subscription.Category, id int64, p subscription.Patch) error {
	if p.Empty() {
		return nil
	}
	var status, seasonUpdated any
	if p.LiveStatus != nil {
		status = int(*p.LiveStatus)
	}
	if p.SeasonUpdatedAt != nil {
		seasonUpdated = p.SeasonUpdatedAt.UnixMilli()
	}
	// One statement: read-modify-write of the touched columns is atomic.
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			display_name      = COALESCE(?, display_name),
			live_status       = COALESCE(?, live_status),
			last_post_time    = COALESCE(?, last_post_time),
			last_video_time   = COALESCE(?, last_video_time),
			episode_index     = COALESCE(?, episode_index),
			season_updated_at = COALESCE(?, season_updated_at),
			last_checked_at   = ?
		WHERE category = ? AND sub_id = ?`,
		nullable(p.DisplayName), status, nullable(p.LastPostTime), nullable(p.LastVideoTime),
		nullable(p.EpisodeIndex), seasonUpdated, time.Now().UnixMilli(),
		string(cat), id,
	)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Subscribe(ctx context.Context, rec subscription.Record, owner string) (bool, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return false, errors.New("owner is required")
	}
	if !rec.Category.Valid() {
		return false, fmt.Errorf("invalid category %q", rec.Category)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	var seasonUpdated int64
	if !rec.SeasonUpdatedAt.IsZero() {
		seasonUpdated = rec.SeasonUpdatedAt.UnixMilli()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions(category, sub_id, display_name, uid, short_id, live_status,
			last_post_time, last_video_time, season_id, episode_index, season_updated_at, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(category, sub_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE display_name END`,
		string(rec.Category), rec.ID, rec.DisplayName, rec.UID, rec.ShortID, int(rec.LiveStatus),
		rec.LastPostTime, rec.LastVideoTime, rec.SeasonID, rec.EpisodeIndex, seasonUpdated, now,
	)
	if err != nil {
		return false, unavailable(err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscription_owners(category, sub_id, owner, added_at) VALUES(?,?,?,?)`,
		string(rec.Category), rec.ID, owner, now)
	if err != nil {
		return false, unavailable(err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (s *sqliteStore) Unsubscribe(ctx context.Context, id int64, owner string) ([]subscription.Key, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT category FROM subscription_owners WHERE sub_id = ? AND owner = ?`, id, owner)
	if err != nil {
		return nil, unavailable(err)
	}
	var keys []subscription.Key
	for rows.Next() {
		var cat string
		if err := rows.Scan(&cat); err != nil {
			rows.Close()
			return nil, unavailable(err)
		}
		keys = append(keys, subscription.Key{Category: subscription.Category(cat), ID: id})
	}
	rows.Close()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM subscription_owners WHERE category = ? AND sub_id = ? AND owner = ?`,
			string(k.Category), k.ID, owner); err != nil {
			return nil, unavailable(err)
		}
		// Records without owners are dropped.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM subscriptions WHERE category = ? AND sub_id = ?
			AND NOT EXISTS (SELECT 1 FROM subscription_owners o WHERE o.category = ? AND o.sub_id = ?)`,
			string(k.Category), k.ID, string(k.Category), k.ID); err != nil {
			return nil, unavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable(err)
	}
	return keys, nil
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
