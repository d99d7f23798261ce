package config

// Config is the on-disk configuration. All durations are Go duration
// strings ("300ms", "5m", "720h").
type Config struct {
	Discord      DiscordConfig      `json:"discord"`
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Announcement AnnouncementConfig `json:"announcement"`
	Speech       SpeechConfig       `json:"speech"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Maintenance  MaintenanceConfig  `json:"maintenance"`
}

// DiscordConfig configures the Discord session. An empty token falls back
// to $DISCORD_TOKEN.
type DiscordConfig struct {
	Token string `json:"token"`
	// GuildIDs limits slash command registration to these guilds; empty
	// registers global commands.
	GuildIDs []string `json:"guild_ids,omitempty"`
	// DefaultVoiceChannelID is preferred when no voice channel has members.
	DefaultVoiceChannelID string `json:"default_voice_channel_id,omitempty"`
	// TextChannelID receives the text alert of every scheduled announcement.
	TextChannelID  string `json:"text_channel_id,omitempty"`
	FFmpegPath     string `json:"ffmpeg_path,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

// TelegramConfig configures the optional Telegram frontend. An empty token
// falls back to $TELEGRAM_TOKEN.
type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AlertChatID mirrors announcement alerts into a chat (0 disables).
	AlertChatID   int64 `json:"alert_chat_id,omitempty"`
	AlertThreadID int   `json:"alert_thread_id,omitempty"`
	// LogChatID receives log lines when logging.telegram is enabled.
	LogChatID   int64  `json:"log_chat_id,omitempty"`
	LogThreadID int    `json:"log_thread_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// AnnouncementConfig shapes every voice reminder. Changes apply to timers
// started after the reload.
type AnnouncementConfig struct {
	LeadInterval string `json:"lead_interval"`
	RepeatCount  int    `json:"repeat_count"`
	RepeatDelay  string `json:"repeat_delay"`
	CoolDown     string `json:"cool_down"`
	// Template may use {name} and {minutes}.
	Template string `json:"template,omitempty"`
	Language string `json:"language,omitempty"`
}

type SpeechConfig struct {
	CacheDir          string  `json:"cache_dir"`
	Endpoint          string  `json:"endpoint,omitempty"`
	Speed             float64 `json:"speed,omitempty"`
	RequestsPerMinute int     `json:"requests_per_minute,omitempty"`
	Timeout           string  `json:"timeout,omitempty"`
	CoalesceMisses    bool    `json:"coalesce_misses,omitempty"`
}

type SchedulerConfig struct {
	// Timezone used to interpret HH:MM respawn times (IANA name).
	Timezone string `json:"timezone,omitempty"`
}

type MaintenanceConfig struct {
	PruneSchedule      string `json:"prune_schedule,omitempty"`
	Retention          string `json:"retention,omitempty"`
	CacheClearSchedule string `json:"cache_clear_schedule,omitempty"`
}
