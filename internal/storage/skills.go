package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/hub/pkg/hub"
)

type SkillStore struct {
	db     *sql.DB
	driver string
}

const skillSelect = `SELECT id, device_id, class_name, method_name, signature, docstring, last_heartbeat, created_at FROM skills`

// ReplaceForDevice performs the idempotent full replacement register()
// requires (spec.md §4.3): delete all rows for device_id, insert the new
// set, all in one transaction so concurrent reads never see a partial set.
func (s *SkillStore) ReplaceForDevice(ctx context.Context, deviceID string, skills []hub.Skill) ([]*hub.Skill, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, rebind(s.driver, `DELETE FROM skills WHERE device_id = ?`), deviceID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]*hub.Skill, 0, len(skills))
	for _, in := range skills {
		row := &hub.Skill{
			ID:            uuid.NewString(),
			DeviceID:      deviceID,
			ClassName:     in.ClassName,
			MethodName:    in.MethodName,
			Signature:     in.Signature,
			Docstring:     in.Docstring,
			LastHeartbeat: now,
			CreatedAt:     now,
		}
		_, err := tx.ExecContext(ctx, rebind(s.driver, `
			INSERT INTO skills (id, device_id, class_name, method_name, signature, docstring, last_heartbeat, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			row.ID, row.DeviceID, row.ClassName, row.MethodName, row.Signature, row.Docstring, row.LastHeartbeat, row.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// Heartbeat bumps last_heartbeat for every row owned by deviceID and
// returns the number of rows touched.
func (s *SkillStore) Heartbeat(ctx context.Context, deviceID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, rebind(s.driver, `UPDATE skills SET last_heartbeat = ? WHERE device_id = ?`), at, deviceID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AllForUser returns every skill row owned by a device of userID,
// regardless of liveness; the registry applies the TTL/online filter.
func (s *SkillStore) AllForUser(ctx context.Context, userID string) ([]*hub.Skill, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.driver, skillSelect+`
		WHERE device_id IN (SELECT id FROM devices WHERE user_id = ?)
		ORDER BY class_name, method_name`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*hub.Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

func (s *SkillStore) DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, rebind(s.driver, `DELETE FROM skills WHERE last_heartbeat < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanSkill(r rowScanner) (*hub.Skill, error) {
	sk := &hub.Skill{}
	if err := r.Scan(&sk.ID, &sk.DeviceID, &sk.ClassName, &sk.MethodName, &sk.Signature, &sk.Docstring, &sk.LastHeartbeat, &sk.CreatedAt); err != nil {
		return nil, err
	}
	return sk, nil
}
