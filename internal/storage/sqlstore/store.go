// Package sqlstore persists overlay state through database/sql. The sqlite
// driver (modernc.org/sqlite) is the default; postgres (lib/pq) shares the schema.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/xtding233/reindeer-gacha/internal/gacha"
	"github.com/xtding233/reindeer-gacha/internal/storage"
	"github.com/xtding233/reindeer-gacha/internal/storage/sqlstore/migrations"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store persists every overlay table in one SQL database.
type Store struct {
	db     *sql.DB
	driver string
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database for driver and applies embedded migrations.
// For sqlite, dsn is a file path; its parent directory is created.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("storage dsn is required")
	}
	var (
		sqlDB *sql.DB
		err   error
	)
	switch driver {
	case DriverSQLite:
		path := filepath.Clean(dsn)
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		sqlDB, err = sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
		if err == nil {
			// one writer keeps sqlite from returning SQLITE_BUSY under concurrent redemptions
			sqlDB.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		sqlDB, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}
	s := &Store{db: sqlDB, driver: driver}
	if err := s.applyMigrations(ctx, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) GetPity(ctx context.Context, key string) (gacha.PityRecord, error) {
	var p4, p5, total int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT pity4, pity5, total_rolls FROM pity_records WHERE user_key = ?`), key,
	).Scan(&p4, &p5, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return gacha.PityRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return gacha.PityRecord{}, fmt.Errorf("get pity record: %w", err)
	}
	return gacha.PityRecord{Pity4: uint(p4), Pity5: uint(p5), TotalRolls: uint(total)}, nil
}

func (s *Store) PutPity(ctx context.Context, key string, rec gacha.PityRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO pity_records (user_key, pity4, pity5, total_rolls, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_key) DO UPDATE SET
		   pity4 = excluded.pity4,
		   pity5 = excluded.pity5,
		   total_rolls = excluded.total_rolls,
		   updated_at = excluded.updated_at`),
		key, int64(rec.Pity4), int64(rec.Pity5), int64(rec.TotalRolls), toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put pity record: %w", err)
	}
	return nil
}

func (s *Store) GetHistory(ctx context.Context, key string) (gacha.RaritySet, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT tiers FROM rarity_history WHERE user_key = ?`), key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get rarity history: %w", err)
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return 0, fmt.Errorf("decode rarity history: %w", err)
	}
	set, err := gacha.ParseRaritySet(names)
	if err != nil {
		return 0, fmt.Errorf("decode rarity history: %w", err)
	}
	return set, nil
}

func (s *Store) PutHistory(ctx context.Context, key string, set gacha.RaritySet) error {
	raw, err := json.Marshal(set.Names())
	if err != nil {
		return fmt.Errorf("encode rarity history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO rarity_history (user_key, tiers, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (user_key) DO UPDATE SET
		   tiers = excluded.tiers,
		   updated_at = excluded.updated_at`),
		key, string(raw), toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put rarity history: %w", err)
	}
	return nil
}

func (s *Store) GetEntity(ctx context.Context, key string) (storage.DisplayedEntity, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT owner, rarity, wish, bubble_style, behavior, created_at
		 FROM active_entities WHERE user_key = ?`), key)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DisplayedEntity{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.DisplayedEntity{}, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

func (s *Store) PutEntity(ctx context.Context, key string, e storage.DisplayedEntity) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO active_entities (user_key, owner, rarity, wish, bubble_style, behavior, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_key) DO UPDATE SET
		   owner = excluded.owner,
		   rarity = excluded.rarity,
		   wish = excluded.wish,
		   bubble_style = excluded.bubble_style,
		   behavior = excluded.behavior,
		   created_at = excluded.created_at`),
		key, e.Owner, e.Rarity.String(), e.Wish, e.BubbleStyle, e.Behavior, toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("put entity: %w", err)
	}
	return nil
}

func (s *Store) DeleteEntity(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM active_entities WHERE user_key = ?`), key); err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	return nil
}

func (s *Store) ListEntities(ctx context.Context) (map[string]storage.DisplayedEntity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_key, owner, rarity, wish, bubble_style, behavior, created_at FROM active_entities`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]storage.DisplayedEntity)
	for rows.Next() {
		var (
			key    string
			rarity string
			millis int64
			e      storage.DisplayedEntity
		)
		if err := rows.Scan(&key, &e.Owner, &rarity, &e.Wish, &e.BubbleStyle, &e.Behavior, &millis); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if e.Rarity, err = gacha.ParseRarity(rarity); err != nil {
			return nil, fmt.Errorf("scan entity %s: %w", key, err)
		}
		e.CreatedAt = fromMillis(millis)
		out[key] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return out, nil
}

func scanEntity(row *sql.Row) (storage.DisplayedEntity, error) {
	var (
		e      storage.DisplayedEntity
		rarity string
		millis int64
	)
	if err := row.Scan(&e.Owner, &rarity, &e.Wish, &e.BubbleStyle, &e.Behavior, &millis); err != nil {
		return storage.DisplayedEntity{}, err
	}
	r, err := gacha.ParseRarity(rarity)
	if err != nil {
		return storage.DisplayedEntity{}, err
	}
	e.Rarity = r
	e.CreatedAt = fromMillis(millis)
	return e, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry storage.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO spawn_audit (id, user_key, owner, rarity, wish, bubble_style, behavior, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.UserKey, entry.Owner, entry.Rarity.String(), entry.Wish,
		entry.BubbleStyle, entry.Behavior, toMillis(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	query := `SELECT id, user_key, owner, rarity, wish, bubble_style, behavior, created_at
		 FROM spawn_audit ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []storage.AuditEntry
	for rows.Next() {
		var (
			e      storage.AuditEntry
			rarity string
			millis int64
		)
		if err := rows.Scan(&e.ID, &e.UserKey, &e.Owner, &rarity, &e.Wish, &e.BubbleStyle, &e.Behavior, &millis); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if e.Rarity, err = gacha.ParseRarity(rarity); err != nil {
			return nil, fmt.Errorf("scan audit %s: %w", e.ID, err)
		}
		e.CreatedAt = fromMillis(millis)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM eventsub_deliveries WHERE received_at < ?`),
		toMillis(at.Add(-storage.DeliveryRetention))); err != nil {
		return false, fmt.Errorf("prune deliveries: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO eventsub_deliveries (message_id, received_at) VALUES (?, ?)
		 ON CONFLICT (message_id) DO NOTHING`),
		id, toMillis(at),
	)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	return n == 1, nil
}
