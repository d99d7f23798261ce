package mvp

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"mvpbot/internal/errs"
	"mvpbot/internal/storage"
	"mvpbot/internal/timer"
	"mvpbot/pkg/logx"
)

var brt = time.FixedZone("BRT", -3*3600)

type fired struct {
	mu     sync.Mutex
	events []timer.Event
}

func (f *fired) fire(_ context.Context, ev timer.Event) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fired) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type fixture struct {
	svc   *Service
	store *storage.Store
	sched *timer.Scheduler
	clock fakeClock
	fired *fired
}

func newFixture(t *testing.T, now time.Time) fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "mvp.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clock := clockwork.NewFakeClockAt(now)
	f := &fired{}
	sched := timer.New(clock, f.fire)
	set := DefaultSettings()
	set.Location = brt
	svc := NewService(st, sched, clock, NewLiveSettings(set), logx.Nop())
	return fixture{svc: svc, store: st, sched: sched, clock: clock, fired: f}
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in       string
		h, m     int
		wantFail bool
	}{
		{in: "21:30", h: 21, m: 30},
		{in: "9:05", h: 9, m: 5},
		{in: " 00:00 ", h: 0, m: 0},
		{in: "24:00", wantFail: true},
		{in: "12:60", wantFail: true},
		{in: "1230", wantFail: true},
		{in: "12:5", wantFail: true},
		{in: "ab:cd", wantFail: true},
	}
	for _, tc := range cases {
		h, m, err := ParseClock(tc.in)
		if tc.wantFail {
			if !errors.Is(err, errs.ErrValidation) {
				t.Errorf("%q: expected validation error, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || h != tc.h || m != tc.m {
			t.Errorf("%q: got %d:%d err=%v", tc.in, h, m, err)
		}
	}
}

func TestNextOccurrence(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, brt)
	cases := []struct {
		h, m int
		want time.Time
	}{
		{21, 30, time.Date(2026, 3, 14, 21, 30, 0, 0, brt)},
		{19, 0, time.Date(2026, 3, 15, 19, 0, 0, 0, brt)},
		{20, 0, time.Date(2026, 3, 15, 20, 0, 0, 0, brt)},
	}
	for _, tc := range cases {
		// now is passed in UTC to make sure the location drives the date
		if got := NextOccurrence(now.UTC(), tc.h, tc.m, brt); !got.Equal(tc.want) {
			t.Errorf("%02d:%02d -> %s, want %s", tc.h, tc.m, got, tc.want)
		}
	}
}

func TestAnnounceAutoCreatesAndArms(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, brt)
	fx := newFixture(t, now)
	ctx := context.Background()

	res, err := fx.svc.Announce(ctx, AnnounceRequest{Name: "Baphomet", Clock: "21:30", UserID: "1", Username: "ana"})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if !res.Created || res.Boss.Map != UnknownMap || res.Boss.RespawnMinutes != DefaultRespawn || res.Boss.Priority != AutoCreatedPrio {
		t.Fatalf("auto-created boss = %+v created=%v", res.Boss, res.Created)
	}
	want := time.Date(2026, 3, 14, 21, 30, 0, 0, brt)
	if !res.RespawnAt.Equal(want) || res.MinutesLeft != 90 || !res.AnnounceAt.Equal(want.Add(-5*time.Minute)) {
		t.Fatalf("result times = %+v", res)
	}
	if !res.Armed || fx.sched.Len() != 1 {
		t.Fatalf("timer not armed: armed=%v len=%d", res.Armed, fx.sched.Len())
	}
	h, ok := fx.sched.Get(res.Spawn.ID)
	if !ok || h.Name != "Baphomet" || !h.Due.Equal(want.Add(-5*time.Minute)) {
		t.Fatalf("handle = %+v ok=%v", h, ok)
	}

	sp, err := fx.store.SpawnByID(ctx, res.Spawn.ID)
	if err != nil || sp.ExpectedRespawn == nil || !sp.ExpectedRespawn.Equal(want) || sp.Username != "ana" {
		t.Fatalf("persisted spawn = %+v err=%v", sp, err)
	}

	again, err := fx.svc.Announce(ctx, AnnounceRequest{Name: "baphomet", Clock: "23:00"})
	if err != nil {
		t.Fatalf("second announce: %v", err)
	}
	if again.Created || again.Boss.ID != res.Boss.ID {
		t.Fatalf("existing boss not reused: %+v", again)
	}
	if fx.sched.Len() != 2 {
		t.Fatalf("want two timers, got %d", fx.sched.Len())
	}
}

func TestAnnounceRejects(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 59, 30, 0, brt)
	fx := newFixture(t, now)
	ctx := context.Background()

	for _, req := range []AnnounceRequest{
		{Name: "", Clock: "21:30"},
		{Name: "Baphomet", Clock: "25:00"},
		{Name: "Baphomet", Clock: "21:00"}, // thirty seconds away
	} {
		if _, err := fx.svc.Announce(ctx, req); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("%+v: expected validation error, got %v", req, err)
		}
	}
	if up, _ := fx.store.ListUpcoming(ctx, now); len(up) != 0 {
		t.Fatalf("rejected announce persisted a spawn")
	}
}

func TestAnnounceInsideLeadWindowFiresInline(t *testing.T) {
	now := time.Date(2026, 3, 14, 21, 0, 0, 0, brt)
	fx := newFixture(t, now)

	res, err := fx.svc.Announce(context.Background(), AnnounceRequest{Name: "Osiris", Clock: "21:03"})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if res.Armed || fx.sched.Len() != 0 {
		t.Fatalf("timer registered inside lead window")
	}
	if fx.fired.count() != 1 {
		t.Fatalf("inline fire count = %d", fx.fired.count())
	}
}

func TestKillCancelsTimer(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, brt)
	fx := newFixture(t, now)
	ctx := context.Background()

	res, err := fx.svc.Announce(ctx, AnnounceRequest{Name: "Baphomet", Clock: "22:00"})
	if err != nil {
		t.Fatal(err)
	}
	killed, err := fx.svc.Kill(ctx, "BAPHOMET")
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if killed.ID != res.Spawn.ID || killed.KilledAt == nil {
		t.Fatalf("killed = %+v", killed)
	}
	if fx.sched.Len() != 0 {
		t.Fatalf("timer survived kill")
	}
	if _, err := fx.svc.Kill(ctx, "Baphomet"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second kill: %v", err)
	}
	if _, err := fx.svc.Kill(ctx, "Nobody"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("kill unknown: %v", err)
	}
}

// failingWrites rejects spawn state changes so callers can be checked for
// leaving timers alone when nothing was persisted.
type failingWrites struct {
	*storage.Store
}

var errDiskFull = errors.New("disk full")

func (failingWrites) KillSpawn(context.Context, string, time.Time) (storage.Spawn, error) {
	return storage.Spawn{}, errDiskFull
}

func (failingWrites) CancelSpawn(context.Context, string) (storage.Spawn, error) {
	return storage.Spawn{}, errDiskFull
}

func TestFailedWritesKeepTimerArmed(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, brt)
	fx := newFixture(t, now)
	ctx := context.Background()

	res, err := fx.svc.Announce(ctx, AnnounceRequest{Name: "Baphomet", Clock: "22:00"})
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(failingWrites{fx.store}, fx.sched, fx.clock, fx.svc.settings, logx.Nop())

	if _, err := svc.Kill(ctx, "Baphomet"); !errors.Is(err, errDiskFull) {
		t.Fatalf("kill: %v", err)
	}
	if _, ok := fx.sched.Get(res.Spawn.ID); !ok {
		t.Fatalf("timer canceled although the kill was not stored")
	}

	if _, err := svc.CancelReminders(ctx, "Baphomet"); !errors.Is(err, errDiskFull) {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := fx.sched.Get(res.Spawn.ID); !ok {
		t.Fatalf("timer canceled although the spawn is still upcoming")
	}
	if up, _ := fx.store.ListUpcoming(ctx, now); len(up) != 1 {
		t.Fatalf("upcoming=%d, want 1", len(up))
	}
}

func TestRemoveBossCancelsTimers(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, brt)
	fx := newFixture(t, now)
	ctx := context.Background()

	for _, c := range []string{"21:00", "22:00"} {
		if _, err := fx.svc.Announce(ctx, AnnounceRequest{Name: "Eddga", Clock: c}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := fx.svc.RemoveBoss(ctx, "eddga"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if fx.sched.Len() != 0 {
		t.Fatalf("timers left: %d", fx.sched.Len())
	}
	fx.clock.Advance(3 * time.Hour)
	if fx.fired.count() != 0 {
		t.Fatalf("removed boss fired")
	}
	if _, err := fx.svc.RemoveBoss(ctx, "eddga"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second remove: %v", err)
	}
}

func TestAddAndEditBoss(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, brt)
	fx := newFixture(t, now)
	ctx := context.Background()

	b, err := fx.svc.AddBoss(ctx, NewBoss{Name: " Amon Ra ", Priority: 7})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if b.Name != "Amon Ra" || b.Map != UnknownMap || b.RespawnMinutes != DefaultRespawn {
		t.Fatalf("defaults not applied: %+v", b)
	}
	if _, err := fx.svc.AddBoss(ctx, NewBoss{Name: "amon ra"}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("duplicate: %v", err)
	}
	if _, err := fx.svc.AddBoss(ctx, NewBoss{Name: "X", Priority: 11}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("priority 11: %v", err)
	}

	if _, err := fx.svc.EditBoss(ctx, "Amon Ra", storage.BossPatch{}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("empty patch: %v", err)
	}

	res, err := fx.svc.Announce(ctx, AnnounceRequest{Name: "Amon Ra", Clock: "22:00"})
	if err != nil {
		t.Fatal(err)
	}
	before, _ := fx.sched.Get(res.Spawn.ID)

	newName := "Amon-Ra"
	updated, err := fx.svc.EditBoss(ctx, "amon ra", storage.BossPatch{Name: &newName})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if updated.Name != newName {
		t.Fatalf("name = %q", updated.Name)
	}
	h, ok := fx.sched.Get(res.Spawn.ID)
	if !ok || h.Name != newName || !h.Due.Equal(before.Due) {
		t.Fatalf("timer not re-armed with new name: %+v (before %+v)", h, before)
	}
}

func TestCancelReminders(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, brt)
	fx := newFixture(t, now)
	ctx := context.Background()

	if _, err := fx.svc.Announce(ctx, AnnounceRequest{Name: "Orc Hero", Clock: "21:00"}); err != nil {
		t.Fatal(err)
	}
	n, err := fx.svc.CancelReminders(ctx, "orc hero")
	if err != nil || n != 1 {
		t.Fatalf("cancel: n=%d err=%v", n, err)
	}
	if fx.sched.Len() != 0 {
		t.Fatalf("timer left")
	}
	if up, _ := fx.store.ListUpcoming(ctx, now); len(up) != 0 {
		t.Fatalf("spawn still upcoming after cancel")
	}
	if _, err := fx.svc.CancelReminders(ctx, "orc hero"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("nothing left to cancel: %v", err)
	}
}

func TestStatusHistoryAndTimers(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, brt)
	fx := newFixture(t, now)
	ctx := context.Background()

	for _, a := range []AnnounceRequest{
		{Name: "Baphomet", Clock: "23:00"},
		{Name: "Eddga", Clock: "21:00"},
		{Name: "Osiris", Clock: "22:00"},
	} {
		if _, err := fx.svc.Announce(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	st, err := fx.svc.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Alive) != 3 || len(st.Upcoming) != 3 || st.Upcoming[0].Boss.Name != "Eddga" {
		t.Fatalf("status = %+v", st)
	}

	hs := fx.svc.Timers()
	if len(hs) != 3 || hs[0].Name != "Eddga" || hs[1].Name != "Osiris" || hs[2].Name != "Baphomet" {
		t.Fatalf("timers not sorted: %+v", hs)
	}

	hist, err := fx.svc.History(ctx, 0)
	if err != nil || len(hist) != 3 {
		t.Fatalf("history = %d err=%v", len(hist), err)
	}
	for in, want := range map[int]int{0: 20, 1: 5, 5: 5, 30: 30, 99: 50} {
		if got := ClampHistory(in); got != want {
			t.Errorf("ClampHistory(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestUpcomingReloadsTimers(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, brt)
	fx := newFixture(t, now)
	ctx := context.Background()

	if _, err := fx.svc.Announce(ctx, AnnounceRequest{Name: "Baphomet", Clock: "21:00"}); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.svc.Announce(ctx, AnnounceRequest{Name: "Eddga", Clock: "22:00"}); err != nil {
		t.Fatal(err)
	}

	// a fresh scheduler, as after a restart
	fresh := timer.New(fx.clock, fx.fired.fire)
	n, err := fresh.Reload(ctx, Upcoming{Store: fx.store}, 5*time.Minute)
	if err != nil || n != 2 || fresh.Len() != 2 {
		t.Fatalf("reload n=%d len=%d err=%v", n, fresh.Len(), err)
	}
	for _, h := range fresh.ListActive() {
		if h.Name != "Baphomet" && h.Name != "Eddga" {
			t.Fatalf("unexpected handle %+v", h)
		}
	}
}
