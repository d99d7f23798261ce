// Package mvp is the domain layer: boss bookkeeping, respawn announcements
// and the reminder fired by the timer scheduler.
package mvp

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"mvpbot/internal/errs"
	"mvpbot/internal/storage"
	"mvpbot/internal/timer"
	"mvpbot/pkg/logx"
)

// Store is the persistence the service needs; *storage.Store implements it.
type Store interface {
	CreateBoss(ctx context.Context, b storage.Boss, now time.Time) (storage.Boss, error)
	UpdateBoss(ctx context.Context, id string, patch storage.BossPatch, now time.Time) (storage.Boss, error)
	DeleteBoss(ctx context.Context, id string) error
	BossByName(ctx context.Context, name string) (storage.Boss, error)
	ListBosses(ctx context.Context, activeOnly bool) ([]storage.Boss, error)

	CreateSpawn(ctx context.Context, sp storage.Spawn) (storage.Spawn, error)
	KillSpawn(ctx context.Context, id string, at time.Time) (storage.Spawn, error)
	CancelSpawn(ctx context.Context, id string) (storage.Spawn, error)
	ActiveSpawns(ctx context.Context) ([]storage.Spawn, error)
	SpawnHistory(ctx context.Context, limit int) ([]storage.Spawn, error)
	ListUpcoming(ctx context.Context, now time.Time) ([]storage.Spawn, error)
	PendingSpawnsForBoss(ctx context.Context, bossID string, now time.Time) ([]storage.Spawn, error)
}

// Timers is the part of *timer.Scheduler the service drives.
type Timers interface {
	Start(ctx context.Context, ev timer.Event, lead time.Duration) bool
	Cancel(id string) bool
	Get(id string) (timer.Handle, bool)
	ListActive() []timer.Handle
}

type Service struct {
	store    Store
	timers   Timers
	clock    clockwork.Clock
	settings *LiveSettings
	log      logx.Logger
}

func NewService(store Store, timers Timers, clock clockwork.Clock, settings *LiveSettings, log logx.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if settings == nil {
		settings = NewLiveSettings(DefaultSettings())
	}
	return &Service{store: store, timers: timers, clock: clock, settings: settings, log: log.Component("mvp")}
}

func (s *Service) Settings() Settings { return s.settings.Get() }

// NewBoss is the input of AddBoss. Zero RespawnMinutes means 180 and an
// empty Map means "Não especificado".
type NewBoss struct {
	Name           string
	Map            string
	RespawnMinutes int
	Priority       int
	CustomMessage  string
}

func (s *Service) AddBoss(ctx context.Context, in NewBoss) (storage.Boss, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return storage.Boss{}, errs.Validation("Nome do MVP é obrigatório")
	}
	if err := checkPriority(in.Priority); err != nil {
		return storage.Boss{}, err
	}
	if in.RespawnMinutes < 0 {
		return storage.Boss{}, errs.Validation("Tempo de respawn deve ser maior que zero")
	}
	b := storage.Boss{
		Name:           name,
		Map:            strings.TrimSpace(in.Map),
		RespawnMinutes: in.RespawnMinutes,
		Priority:       in.Priority,
		CustomMessage:  strings.TrimSpace(in.CustomMessage),
		Active:         true,
	}
	if b.Map == "" {
		b.Map = UnknownMap
	}
	if b.RespawnMinutes == 0 {
		b.RespawnMinutes = DefaultRespawn
	}
	created, err := s.store.CreateBoss(ctx, b, s.clock.Now())
	if err != nil {
		return storage.Boss{}, err
	}
	s.log.Info("boss added", logx.String("boss", created.Name), logx.Int("priority", created.Priority))
	return created, nil
}

// EditBoss patches the boss called name. Pending timers of the boss are
// re-armed so their reminders use the new name and message.
func (s *Service) EditBoss(ctx context.Context, name string, patch storage.BossPatch) (storage.Boss, error) {
	if patch.Empty() {
		return storage.Boss{}, errs.Validation("Nenhuma alteração foi especificada!")
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return storage.Boss{}, errs.Validation("Nome do MVP é obrigatório")
	}
	if patch.Priority != nil {
		if err := checkPriority(*patch.Priority); err != nil {
			return storage.Boss{}, err
		}
	}
	if patch.RespawnMinutes != nil && *patch.RespawnMinutes < 1 {
		return storage.Boss{}, errs.Validation("Tempo de respawn deve ser maior que zero")
	}
	b, err := s.store.BossByName(ctx, name)
	if err != nil {
		return storage.Boss{}, err
	}
	now := s.clock.Now()
	updated, err := s.store.UpdateBoss(ctx, b.ID, patch, now)
	if err != nil {
		return storage.Boss{}, err
	}

	pending, err := s.store.PendingSpawnsForBoss(ctx, updated.ID, now)
	if err != nil {
		s.log.Warn("pending spawns lookup failed", logx.String("boss", updated.Name), logx.Err(err))
	}
	rearmed := 0
	for _, sp := range pending {
		h, ok := s.timers.Get(sp.ID)
		if !ok || !h.Due.After(now) {
			continue
		}
		// keep the lead the timer was armed with
		if s.timers.Start(ctx, SpawnEvent(sp), h.FireAt.Sub(h.Due)) {
			rearmed++
		}
	}
	s.log.Info("boss edited", logx.String("boss", updated.Name), logx.Int("rearmed", rearmed))
	return updated, nil
}

// RemoveBoss deletes the boss and its spawns, cancelling their timers first.
func (s *Service) RemoveBoss(ctx context.Context, name string) (storage.Boss, error) {
	b, err := s.store.BossByName(ctx, name)
	if err != nil {
		return storage.Boss{}, err
	}
	pending, err := s.store.PendingSpawnsForBoss(ctx, b.ID, s.clock.Now())
	if err != nil {
		return storage.Boss{}, err
	}
	for _, sp := range pending {
		s.timers.Cancel(sp.ID)
	}
	if err := s.store.DeleteBoss(ctx, b.ID); err != nil {
		return storage.Boss{}, err
	}
	s.log.Info("boss removed", logx.String("boss", b.Name), logx.Int("timers_canceled", len(pending)))
	return b, nil
}

func (s *Service) ListBosses(ctx context.Context, activeOnly bool) ([]storage.Boss, error) {
	return s.store.ListBosses(ctx, activeOnly)
}

// SearchBosses returns up to limit active bosses whose name contains query,
// ignoring case. It feeds autocompletion.
func (s *Service) SearchBosses(ctx context.Context, query string, limit int) ([]storage.Boss, error) {
	all, err := s.store.ListBosses(ctx, true)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]storage.Boss, 0, limit)
	for _, b := range all {
		if q == "" || strings.Contains(strings.ToLower(b.Name), q) {
			out = append(out, b)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type AnnounceRequest struct {
	Name     string
	Clock    string // HH:MM in the configured timezone
	UserID   string
	Username string
}

type AnnounceResult struct {
	Boss        storage.Boss
	Spawn       storage.Spawn
	Created     bool // the boss did not exist and was added
	RespawnAt   time.Time
	AnnounceAt  time.Time
	MinutesLeft int
	// Armed is false when the reminder fired inline because the respawn is
	// already inside the lead window.
	Armed bool
}

// Announce records that the boss respawns at the next req.Clock and starts
// its reminder timer. An unknown boss is created on the fly.
func (s *Service) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResult, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return AnnounceResult{}, errs.Validation("Nome do MVP é obrigatório")
	}
	hour, minute, err := ParseClock(req.Clock)
	if err != nil {
		return AnnounceResult{}, err
	}
	set := s.settings.Get()
	now := s.clock.Now()
	respawn := NextOccurrence(now, hour, minute, set.Location)
	left := int(respawn.Sub(now) / time.Minute)
	if left < minimumLeadMinutes {
		return AnnounceResult{}, errs.Validation("O horário informado já passou ou é muito próximo!")
	}

	res := AnnounceResult{RespawnAt: respawn, AnnounceAt: respawn.Add(-set.Lead), MinutesLeft: left}
	b, err := s.store.BossByName(ctx, name)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		b, err = s.store.CreateBoss(ctx, storage.Boss{
			Name:           name,
			Map:            UnknownMap,
			RespawnMinutes: DefaultRespawn,
			Priority:       AutoCreatedPrio,
			Active:         true,
		}, now)
		if err != nil {
			return AnnounceResult{}, err
		}
		res.Created = true
		s.log.Info("boss auto-created", logx.String("boss", b.Name))
	case err != nil:
		return AnnounceResult{}, err
	}
	res.Boss = b

	sp, err := s.store.CreateSpawn(ctx, storage.Spawn{
		BossID:          b.ID,
		SpawnedAt:       now,
		AnnouncedAt:     now,
		ExpectedRespawn: &respawn,
		UserID:          req.UserID,
		Username:        req.Username,
	})
	if err != nil {
		return AnnounceResult{}, err
	}
	res.Spawn = sp
	s.log.Info("respawn announced",
		logx.String("boss", b.Name),
		logx.Time("respawn_at", respawn),
		logx.Int("minutes_left", left),
		logx.String("user", req.Username),
	)
	res.Armed = s.timers.Start(ctx, SpawnEvent(sp), set.Lead)
	return res, nil
}

// Kill marks the newest unkilled spawn of the boss as killed now and stops
// its reminder. The timer stays armed when the store write fails.
func (s *Service) Kill(ctx context.Context, name string) (storage.Spawn, error) {
	sp, err := s.latestActive(ctx, name)
	if err != nil {
		return storage.Spawn{}, err
	}
	killed, err := s.store.KillSpawn(ctx, sp.ID, s.clock.Now())
	if err != nil {
		return storage.Spawn{}, err
	}
	s.timers.Cancel(sp.ID)
	s.log.Info("boss killed", logx.String("boss", killed.Boss.Name), logx.String("spawn", killed.ID))
	return killed, nil
}

// CancelReminders stops every pending reminder of the boss. The spawns stay
// in the history but are no longer upcoming, so a restart does not re-arm
// them.
func (s *Service) CancelReminders(ctx context.Context, name string) (int, error) {
	b, err := s.store.BossByName(ctx, name)
	if err != nil {
		return 0, err
	}
	pending, err := s.store.PendingSpawnsForBoss(ctx, b.ID, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, errs.NotFound("Nenhum timer ativo para %s", b.Name)
	}
	for _, sp := range pending {
		if _, err := s.store.CancelSpawn(ctx, sp.ID); err != nil {
			return 0, err
		}
		s.timers.Cancel(sp.ID)
	}
	s.log.Info("reminders canceled", logx.String("boss", b.Name), logx.Int("count", len(pending)))
	return len(pending), nil
}

func (s *Service) latestActive(ctx context.Context, name string) (storage.Spawn, error) {
	b, err := s.store.BossByName(ctx, name)
	if err != nil {
		return storage.Spawn{}, err
	}
	active, err := s.store.ActiveSpawns(ctx)
	if err != nil {
		return storage.Spawn{}, err
	}
	// newest first
	for _, sp := range active {
		if sp.BossID == b.ID {
			return sp, nil
		}
	}
	return storage.Spawn{}, errs.NotFound("Nenhum spawn ativo de %s", b.Name)
}

type Status struct {
	Alive    []storage.Spawn
	Upcoming []storage.Spawn
	Now      time.Time
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	now := s.clock.Now()
	alive, err := s.store.ActiveSpawns(ctx)
	if err != nil {
		return Status{}, err
	}
	up, err := s.store.ListUpcoming(ctx, now)
	if err != nil {
		return Status{}, err
	}
	if len(up) > UpcomingInStatus {
		up = up[:UpcomingInStatus]
	}
	return Status{Alive: alive, Upcoming: up, Now: now}, nil
}

// History returns the newest spawns. limit is clamped to 5..50; 0 means 20.
func (s *Service) History(ctx context.Context, limit int) ([]storage.Spawn, error) {
	return s.store.SpawnHistory(ctx, ClampHistory(limit))
}

func ClampHistory(limit int) int {
	switch {
	case limit == 0:
		return DefaultHistory
	case limit < MinHistory:
		return MinHistory
	case limit > MaxHistory:
		return MaxHistory
	}
	return limit
}

// Timers lists pending reminders by respawn time.
func (s *Service) Timers() []timer.Handle {
	hs := s.timers.ListActive()
	sort.SliceStable(hs, func(i, j int) bool { return hs[i].FireAt.Before(hs[j].FireAt) })
	return hs
}

func checkPriority(p int) error {
	if p < 0 || p > 10 {
		return errs.Validation("Prioridade deve estar entre 0 e 10")
	}
	return nil
}

// Meta keys carried by timer events built from spawns.
const (
	MetaBossID        = "boss_id"
	MetaMap           = "map"
	MetaPriority      = "priority"
	MetaCustomMessage = "custom_message"
)

// SpawnEvent converts a pending spawn to a timer event.
func SpawnEvent(sp storage.Spawn) timer.Event {
	ev := timer.Event{
		ID:   sp.ID,
		Name: sp.Boss.Name,
		Meta: map[string]string{
			MetaBossID:   sp.BossID,
			MetaMap:      sp.Boss.Map,
			MetaPriority: strconv.Itoa(sp.Boss.Priority),
		},
	}
	if sp.ExpectedRespawn != nil {
		ev.FireAt = *sp.ExpectedRespawn
	}
	if sp.Boss.CustomMessage != "" {
		ev.Meta[MetaCustomMessage] = sp.Boss.CustomMessage
	}
	return ev
}

// Upcoming adapts the store to timer.UpcomingSource.
type Upcoming struct {
	Store interface {
		ListUpcoming(ctx context.Context, now time.Time) ([]storage.Spawn, error)
	}
}

func (u Upcoming) ListUpcoming(ctx context.Context, now time.Time) ([]timer.Event, error) {
	spawns, err := u.Store.ListUpcoming(ctx, now)
	if err != nil {
		return nil, err
	}
	out := make([]timer.Event, 0, len(spawns))
	for _, sp := range spawns {
		out = append(out, SpawnEvent(sp))
	}
	return out, nil
}
