package mvp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"mvpbot/internal/announce"
	"mvpbot/internal/timer"
	"mvpbot/internal/voice"
	"mvpbot/pkg/logx"
)

// ErrNoVoiceChannel is returned by Fire when no joinable channel exists.
var ErrNoVoiceChannel = errors.New("no joinable voice channel")

// Enqueuer is the announcement pipeline entry point.
type Enqueuer interface {
	Enqueue(ctx context.Context, job announce.Job) bool
}

// Alerter delivers a text alert to a chat surface.
type Alerter interface {
	SendAlert(ctx context.Context, text string) error
}

// Alerters fans an alert out; every alerter is tried and the errors joined.
type Alerters []Alerter

func (as Alerters) SendAlert(ctx context.Context, text string) error {
	var errsOut []error
	for _, a := range as {
		if a == nil {
			continue
		}
		if err := a.SendAlert(ctx, text); err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errors.Join(errsOut...)
}

// Reminder is the timer.FireFunc: it picks the voice channel and hands the
// announcement to the pipeline.
type Reminder struct {
	dir      voice.Directory
	pipeline Enqueuer
	alert    Alerter
	settings *LiveSettings
	log      logx.Logger
}

func NewReminder(dir voice.Directory, pipeline Enqueuer, alert Alerter, settings *LiveSettings, log logx.Logger) *Reminder {
	if settings == nil {
		settings = NewLiveSettings(DefaultSettings())
	}
	return &Reminder{dir: dir, pipeline: pipeline, alert: alert, settings: settings, log: log.Component("reminder")}
}

// Fire announces ev in the busiest voice channel. It blocks while this call
// drains the pipeline.
func (r *Reminder) Fire(ctx context.Context, ev timer.Event) error {
	set := r.settings.Get()
	text := ReminderText(ev, set)

	if r.alert != nil {
		if err := r.alert.SendAlert(ctx, ReminderAlert(ev)); err != nil {
			r.log.Warn("reminder alert failed", logx.String("boss", ev.Name), logx.Err(err))
		}
	}

	cands, err := r.dir.VoiceCandidates(ctx, "")
	if err != nil {
		return fmt.Errorf("list voice channels: %w", err)
	}
	g, ok := voice.SelectGroup(cands, set.PreferredChannelID)
	if !ok {
		return ErrNoVoiceChannel
	}
	r.log.Info("reminder firing",
		logx.String("boss", ev.Name),
		logx.String("guild", g.GuildID),
		logx.String("channel", g.Name),
	)
	r.pipeline.Enqueue(ctx, announce.Job{
		Text:        text,
		Lang:        set.Language,
		Group:       g,
		RepeatCount: set.RepeatCount,
		RepeatDelay: set.RepeatDelay,
		CoolDown:    set.CoolDown,
	})
	return nil
}

// ReminderText is the spoken message for ev: the boss's custom message when
// set, otherwise the template with {name} and {minutes} filled in.
func ReminderText(ev timer.Event, set Settings) string {
	if msg := strings.TrimSpace(ev.Meta[MetaCustomMessage]); msg != "" {
		return msg
	}
	return AnnouncementText(set.Template, ev.Name, set.Lead)
}

func AnnouncementText(template, name string, lead time.Duration) string {
	if template == "" {
		template = DefaultTemplate
	}
	minutes := int(math.Round(lead.Minutes()))
	return strings.NewReplacer("{name}", name, "{minutes}", strconv.Itoa(minutes)).Replace(template)
}

// ReminderAlert is the chat line sent when a reminder fires.
func ReminderAlert(ev timer.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ **%s** vai nascer <t:%d:R>!", ev.Name, ev.FireAt.Unix())
	if m := ev.Meta[MetaMap]; m != "" && m != UnknownMap {
		fmt.Fprintf(&b, "\n🗺️ **Mapa:** %s", m)
	}
	return b.String()
}
