package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mvpbot/internal/errs"
	"mvpbot/pkg/logx"
)

var t0 = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "mvp.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustBoss(t *testing.T, s *Store, name string, priority int) Boss {
	t.Helper()
	b, err := s.CreateBoss(context.Background(), Boss{Name: name, Map: "prt_maze03", RespawnMinutes: 120, Priority: priority, Active: true}, t0)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return b
}

func at(d time.Duration) *time.Time {
	v := t0.Add(d)
	return &v
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestBossCRUD(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	b := mustBoss(t, s, "Baphomet", 8)
	if b.ID == "" || !b.CreatedAt.Equal(t0) {
		t.Fatalf("unexpected boss %+v", b)
	}

	if _, err := s.CreateBoss(ctx, Boss{Name: "baphomet"}, t0); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("duplicate name (case-insensitive) should be validation error, got %v", err)
	}

	got, err := s.BossByName(ctx, "  BAPHOMET ")
	if err != nil || got.ID != b.ID {
		t.Fatalf("lookup by name: %+v err=%v", got, err)
	}
	if _, err := s.BossByName(ctx, "Osiris"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	newMap, prio, msg := "prt_sph01", 10, "Corram!"
	upd, err := s.UpdateBoss(ctx, b.ID, BossPatch{Map: &newMap, Priority: &prio, CustomMessage: &msg}, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if upd.Map != newMap || upd.Priority != 10 || upd.CustomMessage != msg || upd.Name != "Baphomet" || upd.RespawnMinutes != 120 {
		t.Fatalf("update result %+v", upd)
	}
	reread, _ := s.BossByID(ctx, b.ID)
	if !reread.UpdatedAt.Equal(t0.Add(time.Hour)) || reread.CustomMessage != msg {
		t.Fatalf("reread %+v", reread)
	}

	if _, err := s.UpdateBoss(ctx, "missing", BossPatch{Map: &newMap}, t0); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListBossesOrder(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	mustBoss(t, s, "Orc Hero", 5)
	mustBoss(t, s, "Baphomet", 8)
	mustBoss(t, s, "Amon Ra", 5)
	eddga := mustBoss(t, s, "Eddga", 1)
	inactive := false
	if _, err := s.UpdateBoss(ctx, eddga.ID, BossPatch{Active: &inactive}, t0); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	all, err := s.ListBosses(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"Baphomet", "Amon Ra", "Orc Hero", "Eddga"}
	if len(all) != len(want) {
		t.Fatalf("len=%d", len(all))
	}
	for i, n := range want {
		if all[i].Name != n {
			t.Fatalf("order[%d]=%s, want %s", i, all[i].Name, n)
		}
	}
	active, _ := s.ListBosses(ctx, true)
	if len(active) != 3 {
		t.Fatalf("active=%d", len(active))
	}
}

func TestUpcomingFiltersAndOrders(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	baph := mustBoss(t, s, "Baphomet", 8)
	orc := mustBoss(t, s, "Orc Hero", 5)

	create := func(boss Boss, expected *time.Time) Spawn {
		sp, err := s.CreateSpawn(ctx, Spawn{BossID: boss.ID, SpawnedAt: t0, ExpectedRespawn: expected, UserID: "42", Username: "ana"})
		if err != nil {
			t.Fatalf("create spawn: %v", err)
		}
		return sp
	}
	later := create(baph, at(3*time.Hour))
	soon := create(orc, at(30*time.Minute))
	create(baph, at(-time.Minute)) // already past
	create(orc, nil)               // no timer
	killed := create(orc, at(time.Hour))
	if _, err := s.KillSpawn(ctx, killed.ID, t0.Add(time.Minute)); err != nil {
		t.Fatalf("kill: %v", err)
	}

	up, err := s.ListUpcoming(ctx, t0)
	if err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if len(up) != 2 || up[0].ID != soon.ID || up[1].ID != later.ID {
		t.Fatalf("upcoming=%+v", up)
	}
	if up[0].Boss.Name != "Orc Hero" || up[0].Username != "ana" {
		t.Fatalf("join not populated: %+v", up[0])
	}

	pending, _ := s.PendingSpawnsForBoss(ctx, baph.ID, t0)
	if len(pending) != 1 || pending[0].ID != later.ID {
		t.Fatalf("pending=%+v", pending)
	}

	active, _ := s.ActiveSpawns(ctx)
	if len(active) != 4 {
		t.Fatalf("active=%d, want 4 unkilled", len(active))
	}
	hist, _ := s.SpawnHistory(ctx, 3)
	if len(hist) != 3 {
		t.Fatalf("history=%d", len(hist))
	}
}

func TestSpawnErrors(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	if _, err := s.CreateSpawn(ctx, Spawn{BossID: "nope", SpawnedAt: t0}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("spawn for missing boss: %v", err)
	}
	if _, err := s.KillSpawn(ctx, "nope", t0); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("kill missing spawn: %v", err)
	}
}

func TestDeleteBossCascades(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	b := mustBoss(t, s, "Baphomet", 8)
	if _, err := s.CreateSpawn(ctx, Spawn{BossID: b.ID, SpawnedAt: t0, ExpectedRespawn: at(time.Hour)}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := s.DeleteBoss(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if up, _ := s.ListUpcoming(ctx, t0); len(up) != 0 {
		t.Fatalf("spawns survived delete: %d", len(up))
	}
	if err := s.DeleteBoss(ctx, b.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestPruneSpawns(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	b := mustBoss(t, s, "Baphomet", 8)

	old, _ := s.CreateSpawn(ctx, Spawn{BossID: b.ID, SpawnedAt: t0.Add(-40 * 24 * time.Hour), ExpectedRespawn: at(-39 * 24 * time.Hour)})
	oldKilled, _ := s.CreateSpawn(ctx, Spawn{BossID: b.ID, SpawnedAt: t0.Add(-40 * 24 * time.Hour), ExpectedRespawn: at(time.Hour)})
	if _, err := s.KillSpawn(ctx, oldKilled.ID, t0.Add(-35*24*time.Hour)); err != nil {
		t.Fatalf("kill: %v", err)
	}
	recent, _ := s.CreateSpawn(ctx, Spawn{BossID: b.ID, SpawnedAt: t0.Add(-time.Hour), ExpectedRespawn: at(-time.Minute)})
	pending, _ := s.CreateSpawn(ctx, Spawn{BossID: b.ID, SpawnedAt: t0.Add(-40 * 24 * time.Hour), ExpectedRespawn: at(2 * time.Hour)})

	n, err := s.PruneSpawns(ctx, t0.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned=%d, want 2", n)
	}
	for _, id := range []string{old.ID, oldKilled.ID} {
		if _, err := s.SpawnByID(ctx, id); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("spawn %s should be pruned", id)
		}
	}
	for _, id := range []string{recent.ID, pending.ID} {
		if _, err := s.SpawnByID(ctx, id); err != nil {
			t.Fatalf("spawn %s should survive: %v", id, err)
		}
	}
}

func TestCancelSpawnLeavesHistory(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	b := mustBoss(t, s, "Baphomet", 8)
	sp, err := s.CreateSpawn(ctx, Spawn{BossID: b.ID, SpawnedAt: t0, ExpectedRespawn: at(time.Hour)})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	got, err := s.CancelSpawn(ctx, sp.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.ExpectedRespawn != nil || got.Pending(t0) {
		t.Fatalf("still pending: %+v", got)
	}
	if up, _ := s.ListUpcoming(ctx, t0); len(up) != 0 {
		t.Fatalf("canceled spawn still upcoming")
	}
	if hist, _ := s.SpawnHistory(ctx, 10); len(hist) != 1 {
		t.Fatalf("history=%d", len(hist))
	}
	if _, err := s.CancelSpawn(ctx, "nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("cancel missing: %v", err)
	}
}
