package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/hub/pkg/hub"
)

type UserStore struct {
	db     *sql.DB
	driver string
}

// Count returns the number of rows, used to gate first-run bootstrap.
func (s *UserStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, rebind(s.driver, `SELECT COUNT(*) FROM users`)).Scan(&n)
	return n, err
}

// Create inserts a user. email is optional (spec.md §3 supplement: "unique
// if set") — a blank email is never checked for collisions, since the
// column defaults to "" for every user who doesn't set one.
func (s *UserStore) Create(ctx context.Context, username, passwordHash, email string, isAdmin bool) (*hub.User, error) {
	existing, err := s.GetByUsername(ctx, username)
	if err == nil && existing != nil {
		return nil, hub.ErrAlreadyExists
	} else if err != nil && hub.KindOf(err) != hub.KindNotFound {
		return nil, err
	}
	if email != "" {
		if _, err := s.GetByEmail(ctx, email); err == nil {
			return nil, hub.ErrAlreadyExists
		} else if hub.KindOf(err) != hub.KindNotFound {
			return nil, err
		}
	}

	u := &hub.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		Email:        email,
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, rebind(s.driver, `
		INSERT INTO users (id, username, password_hash, email, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		u.ID, u.Username, u.PasswordHash, u.Email, u.IsAdmin, u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetByEmail looks up a user by email. Callers must treat a "" email as
// "no such user" themselves — this method will happily match every user
// with no email set otherwise.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*hub.User, error) {
	return s.scanOne(ctx, rebind(s.driver, userSelect+` WHERE email = ?`), strings.TrimSpace(email))
}

const userSelect = `SELECT id, username, password_hash, email, is_admin, created_at, last_login FROM users`

func (s *UserStore) Get(ctx context.Context, id string) (*hub.User, error) {
	return s.scanOne(ctx, rebind(s.driver, userSelect+` WHERE id = ?`), id)
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*hub.User, error) {
	return s.scanOne(ctx, rebind(s.driver, userSelect+` WHERE username = ?`), strings.TrimSpace(username))
}

func (s *UserStore) scanOne(ctx context.Context, query string, arg any) (*hub.User, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	u := &hub.User{}
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.IsAdmin, &u.CreatedAt, &lastLogin)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return u, nil
}

func (s *UserStore) RecordLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, rebind(s.driver, `UPDATE users SET last_login = ? WHERE id = ?`), at, id)
	return err
}

func (s *UserStore) List(ctx context.Context) ([]*hub.User, error) {
	rows, err := s.db.QueryContext(ctx, userSelect+` ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*hub.User
	for rows.Next() {
		u := &hub.User{}
		var lastLogin sql.NullTime
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.IsAdmin, &u.CreatedAt, &lastLogin); err != nil {
			return nil, err
		}
		if lastLogin.Valid {
			t := lastLogin.Time
			u.LastLogin = &t
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *UserStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, rebind(s.driver, `DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hub.ErrNotFound
	}
	return nil
}
