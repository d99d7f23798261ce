package app

import (
	"os/exec"
	"strings"

	"mvpbot/internal/config"
	"mvpbot/internal/maintenance"
	"mvpbot/internal/mvp"
	"mvpbot/internal/speech"
	"mvpbot/internal/storage"
	"mvpbot/internal/transport/discord"
	"mvpbot/internal/transport/telegram"
	"mvpbot/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.Enabled && cfg.Telegram.LogChatID != 0,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func settingsFrom(cfg *config.Config) mvp.Settings {
	return mvp.Settings{
		Lead:               cfg.Announcement.Lead(),
		RepeatCount:        cfg.Announcement.RepeatCount,
		RepeatDelay:        cfg.Announcement.Delay(),
		CoolDown:           cfg.Announcement.CoolDownAfter(),
		Template:           cfg.Announcement.Template,
		Language:           cfg.Announcement.Language,
		Location:           cfg.Scheduler.Location(),
		PreferredChannelID: cfg.Discord.DefaultVoiceChannelID,
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: cfg.Storage.Busy()}
}

func synthConfig(cfg *config.Config) speech.GoogleTranslateConfig {
	return speech.GoogleTranslateConfig{
		Endpoint:          cfg.Speech.Endpoint,
		Timeout:           cfg.Speech.RequestTimeout(),
		RequestsPerMinute: cfg.Speech.RequestsPerMinute,
	}
}

func maintenanceConfig(cfg *config.Config) maintenance.Config {
	return maintenance.Config{
		PruneSchedule:      cfg.Maintenance.PruneSchedule,
		Retention:          cfg.Maintenance.RetentionPeriod(),
		CacheClearSchedule: cfg.Maintenance.CacheClearSchedule,
		Location:           cfg.Scheduler.Location(),
	}
}

func discordConfig(cfg *config.Config) discord.Config {
	return discord.Config{
		Token:         cfg.Discord.Token,
		GuildIDs:      cfg.Discord.GuildIDs,
		TextChannelID: cfg.Discord.TextChannelID,
		FFmpegPath:    cfg.Discord.FFmpegPath,
	}
}

func telegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:         cfg.Telegram.Token,
		PollTimeout:   cfg.Telegram.Poll(),
		OwnerUserIDs:  cfg.Telegram.OwnerUserIDs,
		AlertChatID:   cfg.Telegram.AlertChatID,
		AlertThreadID: cfg.Telegram.AlertThreadID,
		LogChatID:     cfg.Telegram.LogChatID,
		LogThreadID:   cfg.Telegram.LogThreadID,
		Location:      cfg.Scheduler.Location(),
	}
}

// checkFFmpeg reports whether the configured ffmpeg binary can be found.
func checkFFmpeg(cfg *config.Config) error {
	_, err := exec.LookPath(cfg.Discord.FFmpegPath)
	return err
}
