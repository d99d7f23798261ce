package storage

import "time"

// Config configures the SQLite database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// Boss is a trackable MVP. Name is unique, case-insensitively.
type Boss struct {
	ID             string
	Name           string
	Map            string
	RespawnMinutes int
	Priority       int
	CustomMessage  string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BossPatch lists the fields UpdateBoss changes; nil fields are kept.
type BossPatch struct {
	Name           *string
	Map            *string
	RespawnMinutes *int
	Priority       *int
	CustomMessage  *string
	Active         *bool
}

func (p BossPatch) Empty() bool {
	return p.Name == nil && p.Map == nil && p.RespawnMinutes == nil &&
		p.Priority == nil && p.CustomMessage == nil && p.Active == nil
}

// Spawn records one announced appearance of a boss. Boss is populated by
// every read.
type Spawn struct {
	ID              string
	BossID          string
	SpawnedAt       time.Time
	AnnouncedAt     time.Time
	ExpectedRespawn *time.Time
	KilledAt        *time.Time
	UserID          string
	Username        string

	Boss Boss
}

// Pending reports whether the spawn still awaits its respawn reminder.
func (s Spawn) Pending(now time.Time) bool {
	return s.KilledAt == nil && s.ExpectedRespawn != nil && !s.ExpectedRespawn.Before(now)
}
