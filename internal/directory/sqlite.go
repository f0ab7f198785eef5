package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	// NOTE: registers the sqlite3 dialect; without it goqu.New("sqlite3", ...)
	// silently falls back to the default dialect.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/glebarez/go-sqlite"
)

const (
	usersTable   = "users"
	blockedTable = "blocked_users"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		age INTEGER NOT NULL DEFAULT 0,
		gender TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		is_online INTEGER NOT NULL DEFAULT 0,
		is_banned INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS users_online_idx ON users (is_online, is_banned)`,
	`CREATE TABLE IF NOT EXISTS blocked_users (
		blocker_id TEXT NOT NULL,
		blocked_id TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (blocker_id, blocked_id)
	)`,
}

var pragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	rawDB *sql.DB
	db    *goqu.Database
	now   func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. ":memory:" is accepted for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite directory: empty path")
	}
	rawDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite directory: open %q: %w", path, err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers, which SQLite would do anyway.
	rawDB.SetMaxOpenConns(1)

	s := &SQLite{
		rawDB: rawDB,
		db:    goqu.New("sqlite3", rawDB),
		now:   time.Now,
	}
	if err := s.init(ctx); err != nil {
		_ = rawDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	for _, stmt := range append(append([]string(nil), pragmas...), schema...) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite directory: init: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.rawDB.Close()
}

// Ping reports whether the database is reachable; used for readiness.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.rawDB.PingContext(ctx)
}

func (s *SQLite) ListOnlineCandidates(ctx context.Context, q CandidateQuery) ([]User, error) {
	blocked := s.db.From(blockedTable).
		Select("blocked_id").
		Where(goqu.C("blocker_id").Eq(q.RequesterID))

	ds := s.db.From(usersTable).
		Select("id", "name", "age", "gender", "region", "avatar_url").
		Where(
			goqu.C("is_online").Eq(1),
			goqu.C("is_banned").Eq(0),
			goqu.C("id").Neq(q.RequesterID),
			goqu.C("id").NotIn(blocked),
		)
	if len(q.Exclude) > 0 {
		ds = ds.Where(goqu.C("id").NotIn(q.Exclude))
	}
	if gender := normalizeFilter(q.Gender); gender != "" {
		ds = ds.Where(goqu.Func("LOWER", goqu.C("gender")).Eq(gender))
	}
	if region := normalizeFilter(q.Region); region != "" {
		ds = ds.Where(goqu.Func("LOWER", goqu.C("region")).Eq(region))
	}
	ds = ds.Order(goqu.L("RANDOM()").Asc()).Limit(uint(q.limit()))

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list online candidates: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u := User{Online: true}
		if err := rows.Scan(&u.ID, &u.Name, &u.Age, &u.Gender, &u.Region, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("list online candidates: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list online candidates: %w", err)
	}
	return out, nil
}

func (s *SQLite) IsBanned(ctx context.Context, userID string) (bool, error) {
	query, args, err := s.db.From(usersTable).
		Select("is_banned").
		Where(goqu.C("id").Eq(userID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return false, err
	}
	var banned int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&banned)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is banned: %w", err)
	}
	return banned != 0, nil
}

func (s *SQLite) ListBlockedIDs(ctx context.Context, userID string) ([]string, error) {
	query, args, err := s.db.From(blockedTable).
		Select("blocked_id").
		Where(goqu.C("blocker_id").Eq(userID)).
		Order(goqu.C("blocked_id").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list blocked ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list blocked ids: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLite) SetOnline(ctx context.Context, userID string, online bool) error {
	query, args, err := s.db.Update(usersTable).
		Set(goqu.Record{"is_online": boolInt(online)}).
		Where(goqu.C("id").Eq(userID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	return nil
}

func (s *SQLite) ResetOnline(ctx context.Context) error {
	query, args, err := s.db.Update(usersTable).
		Set(goqu.Record{"is_online": 0}).
		Where(goqu.C("is_online").Neq(0)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("reset online: %w", err)
	}
	return nil
}

func (s *SQLite) Upsert(ctx context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("upsert user: empty id")
	}
	record := goqu.Record{
		"name":       u.Name,
		"age":        u.Age,
		"gender":     u.Gender,
		"region":     u.Region,
		"avatar_url": u.AvatarURL,
		"is_online":  boolInt(u.Online),
		"is_banned":  boolInt(u.Banned),
	}
	insert := goqu.Record{"id": u.ID}
	for k, v := range record {
		insert[k] = v
	}
	query, args, err := s.db.Insert(usersTable).
		Rows(insert).
		OnConflict(goqu.DoUpdate("id", record)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert user %q: %w", u.ID, err)
	}
	return nil
}

func (s *SQLite) Block(ctx context.Context, blockerID, blockedID, reason string) error {
	query, args, err := s.db.Insert(blockedTable).
		Rows(goqu.Record{
			"blocker_id": blockerID,
			"blocked_id": blockedID,
			"reason":     reason,
			"created_at": s.now().Unix(),
		}).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("block %q -> %q: %w", blockerID, blockedID, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
