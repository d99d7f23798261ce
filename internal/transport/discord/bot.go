// Package discord connects the command router and the announcement pipeline
// to Discord: slash commands, autocomplete, voice channels and text alerts.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"mvpbot/internal/commands"
	"mvpbot/internal/voice"
	"mvpbot/pkg/logx"
)

type Config struct {
	Token string
	// GuildIDs limits command registration; empty registers global commands.
	GuildIDs      []string
	TextChannelID string
	FFmpegPath    string
}

// Completer answers autocomplete queries for boss names.
type Completer interface {
	Complete(ctx context.Context, query string) ([]commands.Choice, error)
}

const (
	// deferAfter is how long a command may run before the interaction is
	// deferred; Discord drops interactions not answered within three seconds.
	deferAfter = 2 * time.Second
	// interactionTokenTTL is how long an interaction token accepts edits and
	// followups.
	interactionTokenTTL = 15 * time.Minute
	autocompleteTimeout = 3 * time.Second
)

type Bot struct {
	cfg      Config
	s        *discordgo.Session
	router   *commands.Router
	complete Completer
	voice    *VoiceTransport
	log      logx.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	remove  []func()
	running bool
	wg      sync.WaitGroup

	deferAfter time.Duration
}

func New(cfg Config, router *commands.Router, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	s.ShouldReconnectOnError = true

	log = log.Component("discord")
	bridgeLogger(log)
	s.LogLevel = discordgo.LogWarning

	return &Bot{
		cfg:        cfg,
		s:          s,
		router:     router,
		voice:      NewVoiceTransport(s, cfg.FFmpegPath, log),
		log:        log,
		deferAfter: deferAfter,
	}, nil
}

// bridgeLogger routes discordgo's own logging through logx.
func bridgeLogger(log logx.Logger) {
	discordgo.Logger = func(msgL, _ int, format string, a ...interface{}) {
		msg := fmt.Sprintf(format, a...)
		switch msgL {
		case discordgo.LogError:
			log.Error("discordgo", logx.String("msg", msg))
		case discordgo.LogWarning:
			log.Warn("discordgo", logx.String("msg", msg))
		case discordgo.LogInformational:
			log.Info("discordgo", logx.String("msg", msg))
		default:
			log.Debug("discordgo", logx.String("msg", msg))
		}
	}
}

// SetCompleter installs the autocomplete source. Call it before Start.
func (b *Bot) SetCompleter(c Completer) { b.complete = c }

// Voice returns the transport the announcement pipeline connects through.
func (b *Bot) Voice() *VoiceTransport { return b.voice }

// Start opens the gateway and registers the slash commands.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.remove = append(b.remove,
		b.s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			b.log.Info("gateway ready", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
		}),
		b.s.AddHandler(b.onInteraction),
	)
	b.running = true
	b.mu.Unlock()

	if err := b.s.Open(); err != nil {
		_ = b.Stop(context.Background())
		return fmt.Errorf("discord open: %w", err)
	}
	if err := b.registerCommands(ctx); err != nil {
		b.log.Error("slash command registration failed", logx.Err(err))
	}
	return nil
}

func (b *Bot) registerCommands(ctx context.Context) error {
	if b.s.State == nil || b.s.State.User == nil {
		return errors.New("session has no application user")
	}
	appID := b.s.State.User.ID
	cmds := toApplicationCommands(b.router.Commands())
	guilds := b.cfg.GuildIDs
	if len(guilds) == 0 {
		guilds = []string{""}
	}
	var errList []error
	for _, g := range guilds {
		if _, err := b.s.ApplicationCommandBulkOverwrite(appID, g, cmds, discordgo.WithContext(ctx)); err != nil {
			errList = append(errList, fmt.Errorf("guild %q: %w", g, err))
			continue
		}
		b.log.Info("slash commands registered", logx.String("guild", g), logx.Int("count", len(cmds)))
	}
	return errors.Join(errList...)
}

// Stop removes the handlers, waits for in-flight interactions until ctx
// ends and closes the gateway.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	for _, rm := range b.remove {
		rm()
	}
	b.remove = nil
	cancel := b.cancel
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn("interactions still running at shutdown", logx.Err(ctx.Err()))
	}
	if cancel != nil {
		cancel()
	}
	if err := b.s.Close(); err != nil {
		return fmt.Errorf("discord close: %w", err)
	}
	b.log.Info("gateway closed")
	return nil
}

func (b *Bot) baseContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

func (b *Bot) onInteraction(s *discordgo.Session, ic *discordgo.InteractionCreate) {
	b.wg.Add(1)
	defer b.wg.Done()

	switch ic.Type {
	case discordgo.InteractionApplicationCommandAutocomplete:
		ctx, cancel := context.WithTimeout(b.baseContext(), autocompleteTimeout)
		defer cancel()
		b.autocomplete(ctx, s, ic)
	case discordgo.InteractionApplicationCommand:
		b.command(b.baseContext(), s, ic)
	}
}

// command runs the handler for as long as the interaction token lives. The
// reply is sent on its own context so a handler that outlives the dispatch
// context (an inline announcement drain, shutdown) still gets answered.
func (b *Bot) command(parent context.Context, s *discordgo.Session, ic *discordgo.InteractionCreate) {
	expires := time.Now().Add(interactionTokenTTL)
	ctx, cancel := context.WithDeadline(parent, expires)
	defer cancel()
	replyCtx, cancelReply := context.WithDeadline(context.WithoutCancel(parent), expires)
	defer cancelReply()

	data := ic.ApplicationCommandData()
	userID, username := userOf(ic)
	req := commands.Request{
		Command:  data.Name,
		Options:  optionValues(data.Options),
		UserID:   userID,
		Username: username,
		GuildID:  ic.GuildID,
		Surface:  commands.SurfaceDiscord,
	}

	replies := make(chan commands.Reply, 1)
	go func() { replies <- b.router.Dispatch(ctx, req) }()

	deferred := false
	var rep commands.Reply
	select {
	case rep = <-replies:
	case <-time.After(b.deferAfter):
		deferred = true
		err := s.InteractionRespond(ic.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		}, discordgo.WithContext(replyCtx))
		if err != nil {
			b.log.Warn("defer interaction failed", logx.String("cmd", data.Name), logx.Err(err))
		}
		rep = <-replies
	}

	chunks := rep.Chunks(commands.MessageLimit)
	var flags discordgo.MessageFlags
	if rep.Ephemeral && !deferred {
		flags = discordgo.MessageFlagsEphemeral
	}

	var err error
	if deferred {
		_, err = s.InteractionResponseEdit(ic.Interaction, &discordgo.WebhookEdit{Content: &chunks[0]}, discordgo.WithContext(replyCtx))
	} else {
		err = s.InteractionRespond(ic.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: chunks[0], Flags: flags},
		}, discordgo.WithContext(replyCtx))
	}
	if err != nil {
		b.log.Warn("interaction reply failed", logx.String("cmd", data.Name), logx.Err(err))
		return
	}
	for _, c := range chunks[1:] {
		if _, err := s.FollowupMessageCreate(ic.Interaction, true, &discordgo.WebhookParams{Content: c, Flags: flags}, discordgo.WithContext(replyCtx)); err != nil {
			b.log.Warn("interaction followup failed", logx.String("cmd", data.Name), logx.Err(err))
			return
		}
	}
}

func (b *Bot) autocomplete(ctx context.Context, s *discordgo.Session, ic *discordgo.InteractionCreate) {
	if b.complete == nil {
		return
	}
	query := focusedValue(ic.ApplicationCommandData().Options)
	choices, err := b.complete.Complete(ctx, query)
	if err != nil {
		b.log.Warn("autocomplete failed", logx.String("query", query), logx.Err(err))
		choices = nil
	}
	err = s.InteractionRespond(ic.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: toChoices(choices)},
	}, discordgo.WithContext(ctx))
	if err != nil {
		b.log.Debug("autocomplete reply failed", logx.Err(err))
	}
}

// SendAlert posts text to the configured alert channel. Without one it is a
// no-op.
func (b *Bot) SendAlert(ctx context.Context, text string) error {
	if b.cfg.TextChannelID == "" {
		return nil
	}
	for _, c := range (commands.Reply{Text: text}).Chunks(commands.MessageLimit) {
		if _, err := b.s.ChannelMessageSend(b.cfg.TextChannelID, c, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord alert: %w", err)
		}
	}
	return nil
}

// VoiceCandidates lists the voice channels of the guilds in the session
// state, with the number of members in each (the bot excluded).
func (b *Bot) VoiceCandidates(_ context.Context, guildID string) ([]voice.Candidate, error) {
	st := b.s.State
	if st == nil {
		return nil, errors.New("discord state unavailable")
	}
	botID := ""
	st.RLock()
	if st.User != nil {
		botID = st.User.ID
	}
	snaps := make([]guildSnapshot, 0, len(st.Guilds))
	for _, g := range st.Guilds {
		if guildID != "" && g.ID != guildID {
			continue
		}
		snaps = append(snaps, snapshotGuild(g))
	}
	st.RUnlock()

	canJoin := func(channelID string) bool {
		if botID == "" {
			return false
		}
		perms, err := st.UserChannelPermissions(botID, channelID)
		if err != nil {
			return false
		}
		return hasVoicePerms(perms)
	}

	var out []voice.Candidate
	for _, snap := range snaps {
		out = append(out, buildCandidates(snap, botID, canJoin)...)
	}
	return out, nil
}

type guildSnapshot struct {
	id       string
	channels []discordgo.Channel
	states   []discordgo.VoiceState
}

func snapshotGuild(g *discordgo.Guild) guildSnapshot {
	snap := guildSnapshot{id: g.ID}
	for _, c := range g.Channels {
		if c != nil && c.Type == discordgo.ChannelTypeGuildVoice {
			snap.channels = append(snap.channels, *c)
		}
	}
	for _, vs := range g.VoiceStates {
		if vs != nil {
			snap.states = append(snap.states, *vs)
		}
	}
	return snap
}

func buildCandidates(snap guildSnapshot, botID string, canJoin func(channelID string) bool) []voice.Candidate {
	members := map[string]int{}
	for _, vs := range snap.states {
		if vs.ChannelID == "" || vs.UserID == botID {
			continue
		}
		members[vs.ChannelID]++
	}
	out := make([]voice.Candidate, 0, len(snap.channels))
	for _, c := range snap.channels {
		out = append(out, voice.Candidate{
			Group:    voice.Group{GuildID: snap.id, ChannelID: c.ID, Name: c.Name},
			Members:  members[c.ID],
			Joinable: canJoin(c.ID),
			Position: c.Position,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func hasVoicePerms(perms int64) bool {
	const need = discordgo.PermissionViewChannel | discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak
	return perms&discordgo.PermissionAdministrator != 0 || perms&need == need
}

func toApplicationCommands(cmds []commands.Command) []*discordgo.ApplicationCommand {
	out := make([]*discordgo.ApplicationCommand, 0, len(cmds))
	for _, c := range cmds {
		ac := &discordgo.ApplicationCommand{Name: c.Name, Description: c.Description}
		// Discord requires required options first.
		opts := append([]commands.Option(nil), c.Options...)
		sort.SliceStable(opts, func(i, j int) bool { return opts[i].Required && !opts[j].Required })
		for _, o := range opts {
			ao := &discordgo.ApplicationCommandOption{
				Name:         o.Name,
				Description:  o.Description,
				Required:     o.Required,
				Autocomplete: o.Autocomplete,
			}
			switch o.Kind {
			case commands.OptInteger:
				ao.Type = discordgo.ApplicationCommandOptionInteger
				if o.Min != nil {
					v := float64(*o.Min)
					ao.MinValue = &v
				}
				if o.Max != nil {
					ao.MaxValue = float64(*o.Max)
				}
			case commands.OptBoolean:
				ao.Type = discordgo.ApplicationCommandOptionBoolean
			default:
				ao.Type = discordgo.ApplicationCommandOptionString
			}
			ac.Options = append(ac.Options, ao)
		}
		out = append(out, ac)
	}
	return out
}

func optionValues(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]string {
	out := make(map[string]string, len(opts))
	for _, o := range opts {
		switch o.Type {
		case discordgo.ApplicationCommandOptionInteger:
			out[o.Name] = strconv.FormatInt(o.IntValue(), 10)
		case discordgo.ApplicationCommandOptionBoolean:
			out[o.Name] = strconv.FormatBool(o.BoolValue())
		case discordgo.ApplicationCommandOptionString:
			out[o.Name] = o.StringValue()
		default:
			out[o.Name] = fmt.Sprint(o.Value)
		}
	}
	return out
}

func focusedValue(opts []*discordgo.ApplicationCommandInteractionDataOption) string {
	for _, o := range opts {
		if o.Focused {
			if s, ok := o.Value.(string); ok {
				return s
			}
			return fmt.Sprint(o.Value)
		}
	}
	return ""
}

func toChoices(in []commands.Choice) []*discordgo.ApplicationCommandOptionChoice {
	out := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(in))
	for _, c := range in {
		name := c.Name
		if r := []rune(name); len(r) > 100 {
			name = string(r[:100])
		}
		out = append(out, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: c.Value})
		if len(out) == commands.MaxSuggestions {
			break
		}
	}
	return out
}

func userOf(ic *discordgo.InteractionCreate) (id, name string) {
	var u *discordgo.User
	nick := ""
	if ic.Member != nil {
		u = ic.Member.User
		nick = ic.Member.Nick
	}
	if u == nil {
		u = ic.User
	}
	if u == nil {
		return "", ""
	}
	switch {
	case nick != "":
		return u.ID, nick
	case u.GlobalName != "":
		return u.ID, u.GlobalName
	}
	return u.ID, u.Username
}
