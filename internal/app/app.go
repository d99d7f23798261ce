// Package app wires the store, the reminder core and the chat transports
// together and owns their start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"mvpbot/internal/announce"
	"mvpbot/internal/commands"
	"mvpbot/internal/config"
	"mvpbot/internal/eventbus"
	"mvpbot/internal/maintenance"
	"mvpbot/internal/mvp"
	"mvpbot/internal/runtime/supervisor"
	"mvpbot/internal/speech"
	"mvpbot/internal/storage"
	"mvpbot/internal/timer"
	"mvpbot/internal/transport/discord"
	"mvpbot/internal/transport/telegram"
	"mvpbot/pkg/logx"
	"mvpbot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clock clockwork.Clock

	settings *mvp.LiveSettings
	cache    *speech.Cache
	router   *commands.Router
	discord  *discord.Bot
	telegram *telegram.Bot

	// set by Start
	store    *storage.Store
	pipeline *announce.Pipeline
	timers   *timer.Scheduler
	svc      *mvp.Service
	maint    *maintenance.Service
}

// NewApp loads the configuration and builds every component that does not
// need the network or the database.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logConfig(cfg))
	cfgm.SetLogger(log)
	bus := eventbus.New()
	clock := clockwork.NewRealClock()

	cache, err := speech.NewCache(afero.NewOsFs(), cfg.Speech.CacheDir,
		speech.NewGoogleTranslate(synthConfig(cfg), nil),
		speech.WithLogger(log.Component("speech")),
		speech.WithBus(bus),
		speech.WithSpeed(cfg.Speech.Speed),
		speech.WithCoalescedMisses(cfg.Speech.CoalesceMisses),
	)
	if err != nil {
		return nil, fmt.Errorf("speech cache: %w", err)
	}

	router := commands.NewRouter(log)
	dc, err := discord.New(discordConfig(cfg), router, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      log.Component("app"),
		logs:     logs,
		bus:      bus,
		clock:    clock,
		settings: mvp.NewLiveSettings(settingsFrom(cfg)),
		cache:    cache,
		router:   router,
		discord:  dc,
	}

	if cfg.Telegram.Enabled {
		tg, err := telegram.New(telegramConfig(cfg), router, log)
		if err != nil {
			return nil, err
		}
		a.telegram = tg
		logs.SetRemoteSink(tg)
	}
	if err := checkFFmpeg(cfg); err != nil {
		a.log.Warn("ffmpeg not found; voice playback will fail", logx.String("path", cfg.Discord.FFmpegPath), logx.Err(err))
	}
	return a, nil
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) alerters() mvp.Alerters {
	out := mvp.Alerters{a.discord}
	if a.telegram != nil {
		out = append(out, a.telegram)
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if err := checkFFmpeg(c); err != nil {
			return fmt.Errorf("discord.ffmpeg_path: %w", err)
		}
		return nil
	})

	store, err := storage.Open(ctx, storageConfig(cfg), a.log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store

	alert := a.alerters()
	a.pipeline = announce.New(a.cache, a.discord.Voice(), a.clock,
		announce.WithLogger(a.log.Component("announce")),
		announce.WithBus(a.bus),
		announce.WithLanguage(cfg.Announcement.Language),
		announce.WithConnectTimeout(cfg.Discord.Connect()),
	)
	reminder := mvp.NewReminder(a.discord, a.pipeline, alert, a.settings, a.log)
	a.timers = timer.New(a.clock, reminder.Fire,
		timer.WithLogger(a.log.Component("timer")),
		timer.WithBus(a.bus),
		timer.WithBaseContext(a.sup.Context()),
	)
	a.svc = mvp.NewService(store, a.timers, a.clock, a.settings, a.log)

	completer := commands.Register(a.router, commands.Deps{
		MVP:   a.svc,
		Cache: a.cache,
		Alert: alert,
		Clock: a.clock,
		Log:   a.log,
	})
	a.discord.SetCompleter(completer)

	if err := a.discord.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.GoRestart("timers.reload", func(c context.Context) error {
		n, err := a.timers.Reload(c, mvp.Upcoming{Store: store}, a.settings.Get().Lead)
		if err != nil {
			return fmt.Errorf("reload timers: %w", err)
		}
		a.log.Info("timers restored", logx.Int("count", n))
		return nil
	}, supervisor.WithMaxRestarts(3))

	if a.telegram != nil {
		if err := a.telegram.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.maint = maintenance.New(maintenanceConfig(cfg), store, a.cache, a.clock, a.log)
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	a.logEvents()
	a.watchConfig()

	a.sup.Go("systemd.watchdog", systemd.Watchdog)
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Int("commands", len(a.router.Commands())))
	return nil
}

// logEvents mirrors bus events to the debug log.
func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				for k, v := range e.Data {
					fields = append(fields, logx.String(k, v))
				}
				a.log.Debug("event", fields...)
			}
		}
	})
}

func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// keep only the newest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, fields := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(logConfig(next))
	a.settings.Set(settingsFrom(next))
	if a.maint != nil {
		if err := a.maint.Apply(maintenanceConfig(next)); err != nil {
			a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
		}
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}
	a.bus.Publish(eventbus.Event{
		Type: eventbus.ConfigReloaded,
		Time: a.clock.Now(),
		Data: map[string]string{"changed": strings.Join(sections, ",")},
	})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

// Stop tears down in reverse dependency order. Each step is bounded so one
// component cannot stall shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	var stepErrs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				stepErrs = append(stepErrs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("timers", time.Second, func(context.Context) error {
		if a.timers != nil {
			a.log.Info("timers cancelled", logx.Int("count", a.timers.CancelAll()))
		}
		return nil
	})
	step("maintenance", 2*time.Second, func(c context.Context) error {
		if a.maint != nil {
			a.maint.Stop(c)
		}
		return nil
	})
	step("announce", 10*time.Second, func(c context.Context) error {
		if a.pipeline == nil {
			return nil
		}
		return a.pipeline.DrainAndDisconnectAll(c)
	})
	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.telegram == nil {
			return nil
		}
		return a.telegram.Stop(c)
	})
	step("discord", 3*time.Second, func(c context.Context) error { return a.discord.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Stop(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if err := a.logs.Close(); err != nil {
		stepErrs = append(stepErrs, fmt.Errorf("logs: %w", err))
	}
	return errors.Join(stepErrs...)
}
