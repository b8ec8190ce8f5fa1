package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/hub/pkg/hub"
)

type DeviceStore struct {
	db     *sql.DB
	driver string
}

// ResolveDisplayName returns a display name unique among the user's
// devices: the requested name if free, else the requested name suffixed
// with "_2", "_3", ... (spec.md §3 invariant, §8 property 1).
func (s *DeviceStore) ResolveDisplayName(ctx context.Context, userID, requested string) (string, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.driver, `SELECT display_name FROM devices WHERE user_id = ?`), userID)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	taken := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", err
		}
		taken[name] = true
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if !taken[requested] {
		return requested, nil
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", requested, n)
		if !taken[candidate] {
			return candidate, nil
		}
	}
}

func (s *DeviceStore) Create(ctx context.Context, userID, displayName, hashedToken, platform string, metadata map[string]string) (*hub.Device, error) {
	now := time.Now().UTC()
	d := &hub.Device{
		ID:          uuid.NewString(),
		UserID:      userID,
		DisplayName: displayName,
		HashedToken: hashedToken,
		Platform:    platform,
		Metadata:    metadata,
		IsActive:    true,
		LastSeen:    now,
		CreatedAt:   now,
	}
	encodedMetadata, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, rebind(s.driver, `
		INSERT INTO devices (id, user_id, display_name, hashed_token, platform, metadata, is_active, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.UserID, d.DisplayName, d.HashedToken, d.Platform, encodedMetadata, d.IsActive, d.LastSeen, d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *DeviceStore) Get(ctx context.Context, id string) (*hub.Device, error) {
	return s.scanOne(ctx, rebind(s.driver, deviceSelect+` WHERE id = ?`), id)
}

const deviceSelect = `SELECT id, user_id, display_name, hashed_token, platform, metadata, is_active, last_seen, created_at FROM devices`

// encodeMetadata serializes a device's metadata map for storage in the
// column's TEXT field; a nil/empty map stores as "" rather than "null" so
// older rows and freshly created ones read back identically.
func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// AllActive returns every device whose is_active flag is set.
func (s *DeviceStore) AllActive(ctx context.Context) ([]*hub.Device, error) {
	rows, err := s.db.QueryContext(ctx, deviceSelect+` WHERE is_active = `+trueLiteral(s.driver))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*hub.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func trueLiteral(driver string) string {
	if driver == "postgres" {
		return "TRUE"
	}
	return "1"
}

func (s *DeviceStore) ListByUser(ctx context.Context, userID string) ([]*hub.Device, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.driver, deviceSelect+` WHERE user_id = ? ORDER BY display_name`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*hub.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DeviceStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, rebind(s.driver, `DELETE FROM devices WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hub.ErrNotFound
	}
	return nil
}

func (s *DeviceStore) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, rebind(s.driver, `UPDATE devices SET last_seen = ? WHERE id = ?`), at, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(r rowScanner) (*hub.Device, error) {
	d := &hub.Device{}
	var metadata string
	if err := r.Scan(&d.ID, &d.UserID, &d.DisplayName, &d.HashedToken, &d.Platform, &metadata, &d.IsActive, &d.LastSeen, &d.CreatedAt); err != nil {
		return nil, err
	}
	decoded, err := decodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	d.Metadata = decoded
	return d, nil
}

func (s *DeviceStore) scanOne(ctx context.Context, query string, arg any) (*hub.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		return nil, mapNotFound(err)
	}
	return d, nil
}

// FindByToken scans active devices and returns the one whose hashed token
// matches, using the caller-supplied compare function so the constant-time
// comparison lives in internal/auth rather than here.
func (s *DeviceStore) FindByToken(ctx context.Context, compare func(hashedToken string) bool) (*hub.Device, error) {
	rows, err := s.db.QueryContext(ctx, deviceSelect+` WHERE is_active = `+trueLiteral(s.driver))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	// Every active device is compared, even after a match, so the scan does
	// not stop early at the matching row.
	var match *hub.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		if compare(d.HashedToken) && match == nil {
			match = d
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if match != nil {
		return match, nil
	}
	return nil, hub.ErrNotFound
}
