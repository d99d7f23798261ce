package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mvpbot/internal/errs"
	"mvpbot/pkg/logx"
)

const spawnSelect = `SELECT s.id, s.boss_id, s.spawned_at, s.announced_at, s.expected_respawn, s.killed_at, s.user_id, s.username,
  b.id, b.name, b.map, b.respawn_minutes, b.priority, b.custom_message, b.active, b.created_at, b.updated_at
FROM spawn s JOIN boss b ON b.id = s.boss_id`

func scanSpawn(r rowScanner) (Spawn, error) {
	var (
		sp        Spawn
		spawned   int64
		announced int64
		expected  sql.NullInt64
		killed    sql.NullInt64
		userID    sql.NullString
		username  sql.NullString
		custom    sql.NullString
		active    int
		created   int64
		updated   int64
	)
	err := r.Scan(&sp.ID, &sp.BossID, &spawned, &announced, &expected, &killed, &userID, &username,
		&sp.Boss.ID, &sp.Boss.Name, &sp.Boss.Map, &sp.Boss.RespawnMinutes, &sp.Boss.Priority, &custom, &active, &created, &updated)
	if err != nil {
		return Spawn{}, err
	}
	sp.SpawnedAt = fromMS(spawned)
	sp.AnnouncedAt = fromMS(announced)
	sp.ExpectedRespawn = fromNullMS(expected)
	sp.KilledAt = fromNullMS(killed)
	sp.UserID = userID.String
	sp.Username = username.String
	sp.Boss.CustomMessage = custom.String
	sp.Boss.Active = active != 0
	sp.Boss.CreatedAt = fromMS(created)
	sp.Boss.UpdatedAt = fromMS(updated)
	return sp, nil
}

func (s *Store) querySpawns(ctx context.Context, q string, args ...any) ([]Spawn, error) {
	rows, err := s.db.QueryContext(ctx, spawnSelect+" "+q, args...)
	if err != nil {
		return nil, fmt.Errorf("query spawns: %w", err)
	}
	defer rows.Close()

	var out []Spawn
	for rows.Next() {
		sp, err := scanSpawn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan spawn: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// CreateSpawn records a spawn for sp.BossID and returns it with the boss joined.
func (s *Store) CreateSpawn(ctx context.Context, sp Spawn) (Spawn, error) {
	sp.ID = newID()
	if sp.AnnouncedAt.IsZero() {
		sp.AnnouncedAt = sp.SpawnedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spawn(id, boss_id, spawned_at, announced_at, expected_respawn, killed_at, user_id, username)
		 VALUES(?,?,?,?,?,?,?,?)`,
		sp.ID, sp.BossID, ms(sp.SpawnedAt), ms(sp.AnnouncedAt), msPtr(sp.ExpectedRespawn), msPtr(sp.KilledAt),
		nullStr(sp.UserID), nullStr(sp.Username),
	)
	if err != nil {
		if isForeignKey(err) {
			return Spawn{}, errs.NotFound("MVP não encontrado")
		}
		return Spawn{}, fmt.Errorf("insert spawn: %w", err)
	}
	s.log.Debug("spawn created", logx.String("id", sp.ID), logx.String("boss", sp.BossID))
	return s.SpawnByID(ctx, sp.ID)
}

func (s *Store) SpawnByID(ctx context.Context, id string) (Spawn, error) {
	sp, err := scanSpawn(s.db.QueryRowContext(ctx, spawnSelect+` WHERE s.id = ?`, id))
	if err != nil {
		return Spawn{}, notFound(err, "spawn %q não encontrado", id)
	}
	return sp, nil
}

// KillSpawn marks the spawn killed at at.
func (s *Store) KillSpawn(ctx context.Context, id string, at time.Time) (Spawn, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE spawn SET killed_at = ? WHERE id = ?`, ms(at), id)
	if err != nil {
		return Spawn{}, fmt.Errorf("kill spawn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Spawn{}, errs.NotFound("spawn %q não encontrado", id)
	}
	return s.SpawnByID(ctx, id)
}

// CancelSpawn drops the expected respawn, so the spawn no longer counts as
// upcoming. The spawn itself stays in the history.
func (s *Store) CancelSpawn(ctx context.Context, id string) (Spawn, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE spawn SET expected_respawn = NULL WHERE id = ?`, id)
	if err != nil {
		return Spawn{}, fmt.Errorf("cancel spawn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Spawn{}, errs.NotFound("spawn %q não encontrado", id)
	}
	return s.SpawnByID(ctx, id)
}

// ActiveSpawns returns spawns not yet killed, newest first.
func (s *Store) ActiveSpawns(ctx context.Context) ([]Spawn, error) {
	return s.querySpawns(ctx, `WHERE s.killed_at IS NULL ORDER BY s.spawned_at DESC`)
}

// SpawnHistory returns the newest limit spawns.
func (s *Store) SpawnHistory(ctx context.Context, limit int) ([]Spawn, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.querySpawns(ctx, `ORDER BY s.spawned_at DESC LIMIT ?`, limit)
}

// ListUpcoming returns unkilled spawns whose expected respawn is at or after
// now, soonest first.
func (s *Store) ListUpcoming(ctx context.Context, now time.Time) ([]Spawn, error) {
	return s.querySpawns(ctx,
		`WHERE s.expected_respawn IS NOT NULL AND s.expected_respawn >= ? AND s.killed_at IS NULL
		 ORDER BY s.expected_respawn ASC`, ms(now))
}

// PendingSpawnsForBoss is ListUpcoming narrowed to one boss.
func (s *Store) PendingSpawnsForBoss(ctx context.Context, bossID string, now time.Time) ([]Spawn, error) {
	return s.querySpawns(ctx,
		`WHERE s.boss_id = ? AND s.expected_respawn IS NOT NULL AND s.expected_respawn >= ? AND s.killed_at IS NULL
		 ORDER BY s.expected_respawn ASC`, bossID, ms(now))
}

// PruneSpawns deletes spawns that were resolved before the cutoff: killed
// before it, or expected (or spawned, when no respawn was set) before it.
// Pending spawns are kept.
func (s *Store) PruneSpawns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM spawn WHERE COALESCE(killed_at, expected_respawn, spawned_at) < ?`, ms(before))
	if err != nil {
		return 0, fmt.Errorf("prune spawns: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
