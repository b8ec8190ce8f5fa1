package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/hub/pkg/hub"
)

type SessionStore struct {
	db     *sql.DB
	driver string
}

const sessionSelect = `SELECT id, device_id, user_id, title, channel, channel_id, is_active, created_at, last_activity FROM sessions`

// Create opens a new session scoped to (channel, channelID) — spec.md §3's
// supplement mirrors the teacher's channel-scoped session key so one device
// can host multiple independent transcripts without colliding with the
// default API-driven session list. An empty channel defaults to "api" with
// channelID defaulting to the device id, which is the only shape spec.md §6
// clients actually request (callers always pass an explicit session_id to
// resume a prior session; there is no auto-session-per-device).
func (s *SessionStore) Create(ctx context.Context, deviceID, userID, channel, channelID string) (*hub.Session, error) {
	if channel == "" {
		channel = "api"
	}
	if channelID == "" {
		channelID = deviceID
	}
	now := time.Now().UTC()
	sess := &hub.Session{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		UserID:       userID,
		Channel:      channel,
		ChannelID:    channelID,
		IsActive:     true,
		CreatedAt:    now,
		LastActivity: now,
	}
	_, err := s.db.ExecContext(ctx, rebind(s.driver, `
		INSERT INTO sessions (id, device_id, user_id, title, channel, channel_id, is_active, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.DeviceID, sess.UserID, sess.Title, sess.Channel, sess.ChannelID, sess.IsActive, sess.CreatedAt, sess.LastActivity)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*hub.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, rebind(s.driver, sessionSelect+` WHERE id = ?`), id))
	if err != nil {
		return nil, mapNotFound(err)
	}
	return sess, nil
}

func (s *SessionStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*hub.Session, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.driver, sessionSelect+`
		WHERE user_id = ? ORDER BY last_activity DESC LIMIT ? OFFSET ?`), userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*hub.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) Rename(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, rebind(s.driver, `UPDATE sessions SET title = ? WHERE id = ?`), title, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hub.ErrNotFound
	}
	return nil
}

func (s *SessionStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, rebind(s.driver, `UPDATE sessions SET last_activity = ? WHERE id = ?`), at, id)
	return err
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, rebind(s.driver, `DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hub.ErrNotFound
	}
	return nil
}

func scanSession(r rowScanner) (*hub.Session, error) {
	sess := &hub.Session{}
	if err := r.Scan(&sess.ID, &sess.DeviceID, &sess.UserID, &sess.Title, &sess.Channel, &sess.ChannelID, &sess.IsActive, &sess.CreatedAt, &sess.LastActivity); err != nil {
		return nil, err
	}
	return sess, nil
}
