package mvp

import (
	"sync/atomic"
	"time"
)

const (
	UnknownMap         = "Não especificado"
	DefaultRespawn     = 180
	AutoCreatedPrio    = 5
	DefaultHistory     = 20
	MinHistory         = 5
	MaxHistory         = 50
	UpcomingInStatus   = 10
	DefaultTemplate    = "Daqui {minutes} minutos o MVP {name} vai nascer!"
	minimumLeadMinutes = 1
)

// Settings are the hot-reloadable knobs shared by Service and Reminder.
type Settings struct {
	Lead        time.Duration
	RepeatCount int
	RepeatDelay time.Duration
	CoolDown    time.Duration
	Template    string
	Language    string
	Location    *time.Location
	// PreferredChannelID wins when no voice channel has members.
	PreferredChannelID string
}

func DefaultSettings() Settings {
	return Settings{
		Lead:        5 * time.Minute,
		RepeatCount: 2,
		RepeatDelay: 2 * time.Second,
		CoolDown:    5 * time.Second,
		Template:    DefaultTemplate,
		Language:    "pt-BR",
		Location:    time.Local,
	}
}

// LiveSettings holds the current Settings. Readers take a snapshot per
// operation, so a reload never changes an operation half way.
type LiveSettings struct {
	v atomic.Pointer[Settings]
}

func NewLiveSettings(s Settings) *LiveSettings {
	l := &LiveSettings{}
	l.Set(s)
	return l
}

func (l *LiveSettings) Get() Settings {
	if s := l.v.Load(); s != nil {
		return *s
	}
	return DefaultSettings()
}

func (l *LiveSettings) Set(s Settings) {
	def := DefaultSettings()
	if s.Lead < 0 {
		s.Lead = 0
	}
	if s.RepeatCount <= 0 {
		s.RepeatCount = def.RepeatCount
	}
	if s.Template == "" {
		s.Template = def.Template
	}
	if s.Language == "" {
		s.Language = def.Language
	}
	if s.Location == nil {
		s.Location = def.Location
	}
	l.v.Store(&s)
}
