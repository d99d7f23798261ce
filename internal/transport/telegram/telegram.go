// Package telegram is the optional Telegram frontend: text commands over
// long polling, an alert mirror chat and a log sink chat.
package telegram

import (
	"context"
	"errors"
	"hash/fnv"
	"html"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"mvpbot/internal/commands"
	rtsup "mvpbot/internal/runtime/supervisor"
	"mvpbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// OwnerUserIDs may run mutating commands; everyone else is read-only.
	OwnerUserIDs  []int64
	AlertChatID   int64
	AlertThreadID int
	LogChatID     int64
	LogThreadID   int
	// Location renders Discord timestamp markup found in alert text.
	Location *time.Location
}

const textLimit = 4000

type Bot struct {
	cfg    Config
	bot    *tele.Bot
	router *commands.Router
	log    logx.Logger
	owners map[int64]struct{}

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	received atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, router *commands.Router, log logx.Logger) (*Bot, error) {
	return newBot(cfg, router, log, false)
}

func newBot(cfg Config, router *commands.Router, log logx.Logger, offline bool) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	log = log.Component("telegram")
	tb, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: offline,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	owners := make(map[int64]struct{}, len(cfg.OwnerUserIDs))
	for _, id := range cfg.OwnerUserIDs {
		owners[id] = struct{}{}
	}
	b := &Bot{cfg: cfg, bot: tb, router: router, log: log, owners: owners}
	tb.Handle(tele.OnText, b.onText)
	return b, nil
}

func (b *Bot) Start(ctx context.Context) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	b.sup = rtsup.New(ctx, rtsup.WithLogger(b.log), rtsup.WithCancelOnError(false))
	sup := b.sup
	b.runMu.Unlock()

	if len(b.owners) == 0 {
		b.log.Warn("no telegram owners configured; every user is read-only")
	}
	if err := b.UpdateMenuCommands(b.router.Commands()); err != nil {
		b.log.Warn("menu commands update failed", logx.Err(err))
	}

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.bot.Stop()
	})
	// Start returns only after Stop; an early return while the context is
	// still live is treated as a failure and restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop cancels polling and waits a short grace window; the long poll may
// still be in flight when it returns.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	b.log.Info("stopping", logx.Int64("updates", int64(b.received.Load())))
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			b.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		b.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (b *Bot) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return nil
	}
	b.received.Add(1)

	ctx := context.Background()
	b.runMu.Lock()
	if b.sup != nil {
		ctx = b.sup.Context()
	}
	b.runMu.Unlock()

	rep, ok := b.reply(ctx, m.Text, m.Sender)
	if !ok {
		return nil
	}
	for _, chunk := range rep.Chunks(textLimit) {
		if err := c.Send(b.render(chunk), &tele.SendOptions{ParseMode: tele.ModeHTML, ThreadID: m.ThreadID}); err != nil {
			return err
		}
	}
	return nil
}

// reply dispatches a text command. It reports false for text that is not a
// slash command.
func (b *Bot) reply(ctx context.Context, text string, from *tele.User) (commands.Reply, bool) {
	req, ok := b.router.ParseText(text)
	if !ok {
		return commands.Reply{}, false
	}
	req.Surface = commands.SurfaceTelegram
	req.UserID = strconv.FormatInt(from.ID, 10)
	req.Username = displayName(from)
	req.ReadOnly = !b.isOwner(from.ID)
	return b.router.Dispatch(ctx, req), true
}

func (b *Bot) isOwner(id int64) bool {
	_, ok := b.owners[id]
	return ok
}

func displayName(u *tele.User) string {
	if u.Username != "" {
		return u.Username
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return strconv.FormatInt(u.ID, 10)
	}
	return name
}

// SendAlert mirrors an alert into the configured chat. Without one it is a
// no-op.
func (b *Bot) SendAlert(ctx context.Context, text string) error {
	if b.cfg.AlertChatID == 0 {
		return nil
	}
	return b.send(ctx, b.cfg.AlertChatID, b.cfg.AlertThreadID, b.render(text), tele.ModeHTML)
}

// SendLog implements logx.RemoteSink.
func (b *Bot) SendLog(ctx context.Context, text string) error {
	if b.cfg.LogChatID == 0 {
		return nil
	}
	return b.send(ctx, b.cfg.LogChatID, b.cfg.LogThreadID, text, tele.ModeDefault)
}

func (b *Bot) send(ctx context.Context, chatID int64, threadID int, text string, mode tele.ParseMode) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range (commands.Reply{Text: text}).Chunks(textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.bot.Send(chat, chunk, &tele.SendOptions{ParseMode: mode, ThreadID: threadID, DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMenuCommands publishes the command list (setMyCommands). It only
// calls Telegram when the list changed since the last call.
func (b *Bot) UpdateMenuCommands(cmds []commands.Command) error {
	menu := menuCommands(cmds)

	b.menuMu.Lock()
	defer b.menuMu.Unlock()
	h := fnv.New64a()
	for _, c := range menu {
		h.Write([]byte(c.Text))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == b.menuHash {
		return nil
	}
	if err := b.bot.SetCommands(menu); err != nil {
		return err
	}
	b.menuHash = sum
	b.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}

func menuCommands(cmds []commands.Command) []tele.Command {
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Name == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Name
		}
		if r := []rune(d); len(r) > 256 {
			d = string(r[:256])
		}
		out = append(out, tele.Command{Text: strings.ReplaceAll(c.Name, "-", "_"), Description: d})
		if len(out) >= 100 {
			break
		}
	}
	return out
}

var timestampRe = regexp.MustCompile(`<t:(-?\d+)(?::([tTdDfFR]))?>`)

// render converts reply markup to Telegram HTML: Discord timestamps become
// local times and **bold** becomes <b>bold</b>.
func (b *Bot) render(s string) string {
	return toHTML(renderTimestamps(s, b.cfg.Location))
}

func renderTimestamps(s string, loc *time.Location) string {
	return timestampRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := timestampRe.FindStringSubmatch(m)
		sec, err := strconv.ParseInt(sub[1], 10, 64)
		if err != nil {
			return m
		}
		t := time.Unix(sec, 0).In(loc)
		switch sub[2] {
		case "t", "R":
			return t.Format("15:04")
		case "T":
			return t.Format("15:04:05")
		case "d", "D":
			return t.Format("02/01/2006")
		default:
			return t.Format("02/01/2006 15:04")
		}
	})
}

func toHTML(s string) string {
	parts := strings.Split(html.EscapeString(s), "**")
	var out strings.Builder
	open := false
	for i, p := range parts {
		if i > 0 {
			if open {
				out.WriteString("</b>")
			} else {
				out.WriteString("<b>")
			}
			open = !open
		}
		out.WriteString(p)
	}
	if open {
		out.WriteString("</b>")
	}
	return out.String()
}
