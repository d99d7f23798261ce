package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"mvpbot/internal/errs"
	"mvpbot/pkg/logx"
)

const bossColumns = `id, name, map, respawn_minutes, priority, custom_message, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBoss(r rowScanner) (Boss, error) {
	var (
		b       Boss
		custom  sql.NullString
		active  int
		created int64
		updated int64
	)
	if err := r.Scan(&b.ID, &b.Name, &b.Map, &b.RespawnMinutes, &b.Priority, &custom, &active, &created, &updated); err != nil {
		return Boss{}, err
	}
	b.CustomMessage = custom.String
	b.Active = active != 0
	b.CreatedAt = fromMS(created)
	b.UpdatedAt = fromMS(updated)
	return b, nil
}

// CreateBoss inserts b with a fresh ID. A duplicate name is a validation error.
func (s *Store) CreateBoss(ctx context.Context, b Boss, now time.Time) (Boss, error) {
	b.ID = newID()
	b.Name = strings.TrimSpace(b.Name)
	b.CreatedAt = now
	b.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO boss(`+bossColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Name, b.Map, b.RespawnMinutes, b.Priority, nullStr(b.CustomMessage), boolInt(b.Active), ms(now), ms(now),
	)
	if err != nil {
		if isUnique(err) {
			return Boss{}, errs.Validation("MVP %q já existe", b.Name)
		}
		return Boss{}, fmt.Errorf("insert boss: %w", err)
	}
	s.log.Debug("boss created", logx.String("id", b.ID), logx.String("name", b.Name))
	return fromMSRoundTrip(b), nil
}

// UpdateBoss applies patch to the boss with id.
func (s *Store) UpdateBoss(ctx context.Context, id string, patch BossPatch, now time.Time) (Boss, error) {
	b, err := s.BossByID(ctx, id)
	if err != nil {
		return Boss{}, err
	}
	if patch.Name != nil {
		b.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Map != nil {
		b.Map = *patch.Map
	}
	if patch.RespawnMinutes != nil {
		b.RespawnMinutes = *patch.RespawnMinutes
	}
	if patch.Priority != nil {
		b.Priority = *patch.Priority
	}
	if patch.CustomMessage != nil {
		b.CustomMessage = *patch.CustomMessage
	}
	if patch.Active != nil {
		b.Active = *patch.Active
	}
	b.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`UPDATE boss SET name=?, map=?, respawn_minutes=?, priority=?, custom_message=?, active=?, updated_at=? WHERE id=?`,
		b.Name, b.Map, b.RespawnMinutes, b.Priority, nullStr(b.CustomMessage), boolInt(b.Active), ms(now), id,
	)
	if err != nil {
		if isUnique(err) {
			return Boss{}, errs.Validation("MVP %q já existe", b.Name)
		}
		return Boss{}, fmt.Errorf("update boss: %w", err)
	}
	return fromMSRoundTrip(b), nil
}

// DeleteBoss removes the boss and all of its spawns.
func (s *Store) DeleteBoss(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM spawn WHERE boss_id = ?`, id); err != nil {
		return fmt.Errorf("delete spawns: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM boss WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete boss: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("MVP não encontrado")
	}
	return tx.Commit()
}

func (s *Store) BossByID(ctx context.Context, id string) (Boss, error) {
	b, err := scanBoss(s.db.QueryRowContext(ctx, `SELECT `+bossColumns+` FROM boss WHERE id = ?`, id))
	if err != nil {
		return Boss{}, notFound(err, "MVP não encontrado")
	}
	return b, nil
}

// BossByName looks a boss up by name, ignoring case and surrounding space.
func (s *Store) BossByName(ctx context.Context, name string) (Boss, error) {
	name = strings.TrimSpace(name)
	b, err := scanBoss(s.db.QueryRowContext(ctx, `SELECT `+bossColumns+` FROM boss WHERE name = ?`, name))
	if err != nil {
		return Boss{}, notFound(err, "MVP %q não encontrado", name)
	}
	return b, nil
}

// ListBosses returns bosses by priority (highest first), then name.
func (s *Store) ListBosses(ctx context.Context, activeOnly bool) ([]Boss, error) {
	q := `SELECT ` + bossColumns + ` FROM boss`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY priority DESC, name ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list bosses: %w", err)
	}
	defer rows.Close()

	var out []Boss
	for rows.Next() {
		b, err := scanBoss(rows)
		if err != nil {
			return nil, fmt.Errorf("scan boss: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// fromMSRoundTrip truncates timestamps to what the database keeps, so a
// freshly written value compares equal to a read one.
func fromMSRoundTrip(b Boss) Boss {
	b.CreatedAt = fromMS(ms(b.CreatedAt))
	b.UpdatedAt = fromMS(ms(b.UpdatedAt))
	return b
}
