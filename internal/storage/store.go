// Package storage implements C2 Persistence: the relational schema of
// users, devices, skills, sessions, and messages (spec.md §3), with
// additive-column migrations detected at startup rather than a versioned
// migration chain (the implementation must not assume a particular SQL
// engine beyond "SQL with nullable foreign keys").
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/haasonsaas/hub/pkg/hub"
)

// Store aggregates the per-entity stores backing C2. A Store is safe for
// concurrent use; writes are transactional per request.
type Store struct {
	db     *sql.DB
	driver string

	Users    *UserStore
	Devices  *DeviceStore
	Skills   *SkillStore
	Sessions *SessionStore
	Messages *MessageStore
}

// Config tunes the underlying connection pool, mirroring the pool-tuning
// knobs a production SQL-backed service needs regardless of engine.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Open opens a Store against the given driver ("sqlite" or "postgres") and
// DSN, applies pool tuning, pings the database, ensures the schema exists,
// and runs additive-column migrations.
func Open(ctx context.Context, driver, dsn string, cfg Config) (*Store, error) {
	var sqlDriverName string
	switch driver {
	case "sqlite":
		sqlDriverName = "sqlite3"
	case "postgres":
		sqlDriverName = "postgres"
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}

	db, err := sql.Open(sqlDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConfig().ConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", driver, err)
	}

	s := &Store{db: db, driver: driver}
	if err := EnsureSchema(ctx, db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ensure schema: %w", err)
	}

	s.Users = &UserStore{db: db, driver: driver}
	s.Devices = &DeviceStore{db: db, driver: driver}
	s.Skills = &SkillStore{db: db, driver: driver}
	s.Sessions = &SessionStore{db: db, driver: driver}
	s.Messages = &MessageStore{db: db, driver: driver}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// rebind rewrites "?" placeholders to "$1", "$2", ... for postgres; sqlite
// keeps "?" unchanged. Every query in this package is written with "?" and
// passed through rebind so the two drivers share one SQL text.
func rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, []byte(fmt.Sprintf("$%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func mapNotFound(err error) error {
	if err == sql.ErrNoRows {
		return hub.ErrNotFound
	}
	return err
}
