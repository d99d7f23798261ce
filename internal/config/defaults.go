package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"mvpbot/internal/maintenance"
)

const (
	DefaultLeadInterval = 5 * time.Minute
	DefaultRepeatCount  = 2
	DefaultRepeatDelay  = 2 * time.Second
	DefaultCoolDown     = 5 * time.Second
	DefaultTemplate     = "Daqui {minutes} minutos o MVP {name} vai nascer!"
	DefaultLanguage     = "pt-BR"
	DefaultRetention    = 30 * 24 * time.Hour
	DefaultTimezone     = "America/Sao_Paulo"
)

// ApplyDefaults fills empty fields and resolves tokens from the environment.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Discord.Token) == "" {
		c.Discord.Token = os.Getenv("DISCORD_TOKEN")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		c.Telegram.Token = os.Getenv("TELEGRAM_TOKEN")
	}
	if c.Discord.FFmpegPath == "" {
		c.Discord.FFmpegPath = "ffmpeg"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/mvpbot.db"
	}
	if c.Announcement.RepeatCount == 0 {
		c.Announcement.RepeatCount = DefaultRepeatCount
	}
	if c.Announcement.Template == "" {
		c.Announcement.Template = DefaultTemplate
	}
	if c.Announcement.Language == "" {
		c.Announcement.Language = DefaultLanguage
	}
	if c.Speech.CacheDir == "" {
		c.Speech.CacheDir = "./audio-cache"
	}
	if c.Speech.Speed == 0 {
		c.Speech.Speed = 1
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = DefaultTimezone
	}
	if c.Maintenance.PruneSchedule == "" {
		c.Maintenance.PruneSchedule = "@daily"
	}
}

// Validate checks every field that needs parsing. It returns all problems
// joined, not just the first.
func (c *Config) Validate() error {
	var problems []error
	add := func(err error) {
		if err != nil {
			problems = append(problems, err)
		}
	}

	if strings.TrimSpace(c.Discord.Token) == "" {
		add(errors.New("discord.token is required (or set DISCORD_TOKEN)"))
	}
	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required when telegram.enabled (or set TELEGRAM_TOKEN)"))
	}
	for path, raw := range map[string]string{
		"discord.connect_timeout":   c.Discord.ConnectTimeout,
		"telegram.poll_timeout":     c.Telegram.PollTimeout,
		"storage.busy_timeout":      c.Storage.BusyTimeout,
		"announcement.repeat_delay": c.Announcement.RepeatDelay,
		"announcement.cool_down":    c.Announcement.CoolDown,
		"speech.timeout":            c.Speech.Timeout,
		"maintenance.retention":     c.Maintenance.Retention,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if d, err := ParseDurationField("announcement.lead_interval", c.Announcement.LeadInterval); err != nil {
		add(err)
	} else if d > 24*time.Hour {
		add(fmt.Errorf("announcement.lead_interval: %s is longer than a day", d))
	}
	if n := c.Announcement.RepeatCount; n < 1 || n > 10 {
		add(fmt.Errorf("announcement.repeat_count: %d out of range 1..10", n))
	}
	if !strings.Contains(c.Announcement.Template, "{name}") {
		add(errors.New("announcement.template must contain {name}"))
	}
	if s := c.Speech.Speed; s < 0.1 || s > 3 {
		add(fmt.Errorf("speech.speed: %v out of range 0.1..3", s))
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}
	if _, err := maintenance.ParseSchedule(c.Maintenance.PruneSchedule); err != nil {
		add(fmt.Errorf("maintenance.prune_schedule: %w", err))
	}
	if s := strings.TrimSpace(c.Maintenance.CacheClearSchedule); s != "" {
		if _, err := maintenance.ParseSchedule(s); err != nil {
			add(fmt.Errorf("maintenance.cache_clear_schedule: %w", err))
		}
	}
	return errors.Join(problems...)
}

// Lead returns the lead interval, defaulting to five minutes.
func (a AnnouncementConfig) Lead() time.Duration {
	return mustDuration(a.LeadInterval, DefaultLeadInterval)
}

func (a AnnouncementConfig) Delay() time.Duration {
	return mustDuration(a.RepeatDelay, DefaultRepeatDelay)
}

func (a AnnouncementConfig) CoolDownAfter() time.Duration {
	return mustDuration(a.CoolDown, DefaultCoolDown)
}

func (d DiscordConfig) Connect() time.Duration {
	return mustDuration(d.ConnectTimeout, 30*time.Second)
}

func (t TelegramConfig) Poll() time.Duration {
	return mustDuration(t.PollTimeout, 10*time.Second)
}

func (s StorageConfig) Busy() time.Duration {
	return mustDuration(s.BusyTimeout, 5*time.Second)
}

func (s SpeechConfig) RequestTimeout() time.Duration {
	return mustDuration(s.Timeout, 15*time.Second)
}

func (m MaintenanceConfig) RetentionPeriod() time.Duration {
	return mustDuration(m.Retention, DefaultRetention)
}

// Location returns the configured timezone, or UTC when it cannot be loaded.
func (s SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func mustDuration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}
