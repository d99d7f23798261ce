package config

import (
	"reflect"
	"sort"
	"strings"

	"mvpbot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// safe attrs for logging them. Tokens are never included, only whether
// they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	od, nd := oldCfg.Discord, newCfg.Discord
	if od.Token != nd.Token || !reflect.DeepEqual(od.GuildIDs, nd.GuildIDs) ||
		od.DefaultVoiceChannelID != nd.DefaultVoiceChannelID || od.TextChannelID != nd.TextChannelID ||
		od.FFmpegPath != nd.FFmpegPath || od.ConnectTimeout != nd.ConnectTimeout {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_changed", od.Token != nd.Token),
			logx.Int("discord.guild_count", len(nd.GuildIDs)),
			logx.String("discord.connect_timeout", nd.ConnectTimeout),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.AlertChatID != nt.AlertChatID || ot.AlertThreadID != nt.AlertThreadID ||
		ot.LogChatID != nt.LogChatID || ot.LogThreadID != nt.LogThreadID ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.alert_chat_set", nt.AlertChatID != 0),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}

	if oldCfg.Announcement != newCfg.Announcement {
		na := newCfg.Announcement
		changed = append(changed, "announcement")
		attrs = append(attrs,
			logx.String("announcement.lead_interval", na.LeadInterval),
			logx.Int("announcement.repeat_count", na.RepeatCount),
			logx.String("announcement.language", na.Language),
		)
	}

	if oldCfg.Speech != newCfg.Speech {
		changed = append(changed, "speech")
		attrs = append(attrs,
			logx.String("speech.cache_dir", newCfg.Speech.CacheDir),
			logx.Bool("speech.coalesce_misses", newCfg.Speech.CoalesceMisses),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.prune_schedule", newCfg.Maintenance.PruneSchedule),
			logx.String("maintenance.retention", newCfg.Maintenance.Retention),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports sections a hot reload cannot apply.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "discord", "telegram", "storage", "speech":
			out = append(out, s)
		}
	}
	return out
}
