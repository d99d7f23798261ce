// Package commands routes chat commands from any transport to the mvp
// domain service and renders the replies.
package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"mvpbot/internal/errs"
	"mvpbot/pkg/logx"
)

// Surface names the transport a request came from; it changes how
// timestamps are rendered.
type Surface string

const (
	SurfaceDiscord  Surface = "discord"
	SurfaceTelegram Surface = "telegram"
)

type OptionKind int

const (
	OptString OptionKind = iota
	OptInteger
	OptBoolean
)

type Option struct {
	Name         string
	Description  string
	Kind         OptionKind
	Required     bool
	Autocomplete bool
	Min, Max     *int
}

type HandlerFunc func(ctx context.Context, req Request) (Reply, error)

type Middleware func(next HandlerFunc) HandlerFunc

type Command struct {
	Name        string
	Description string
	// Options are declared in positional order for text transports.
	Options []Option
	// Mutates marks commands a read-only caller may not run.
	Mutates bool
	Timeout time.Duration
	Handle  HandlerFunc
}

func (c Command) option(name string) (Option, bool) {
	for _, o := range c.Options {
		if o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}

type Request struct {
	Command  string
	Options  map[string]string
	UserID   string
	Username string
	GuildID  string
	Surface  Surface
	// ReadOnly callers may only run commands that do not mutate state.
	ReadOnly bool
}

func (r Request) String(name string) string {
	return strings.TrimSpace(r.Options[name])
}

// Has reports whether the option was given with a non-blank value.
func (r Request) Has(name string) bool { return r.String(name) != "" }

func (r Request) Int(name string, def int) (int, error) {
	raw := r.String(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Validation("%s deve ser um número inteiro", name)
	}
	return n, nil
}

func (r Request) Bool(name string) bool {
	switch strings.ToLower(r.String(name)) {
	case "1", "true", "sim", "yes", "s", "y":
		return true
	}
	return false
}

type Reply struct {
	Text      string
	Ephemeral bool
}

// MessageLimit is the size at which long replies are split.
const MessageLimit = 1800

// Chunks splits the reply text on line boundaries so each part stays
// within limit bytes. A single longer line is cut hard.
func (r Reply) Chunks(limit int) []string {
	if limit <= 0 {
		limit = MessageLimit
	}
	if len(r.Text) <= limit {
		return []string{r.Text}
	}
	var (
		out []string
		buf strings.Builder
	)
	for _, line := range strings.SplitAfter(r.Text, "\n") {
		for len(line) > limit {
			if buf.Len() > 0 {
				out = append(out, buf.String())
				buf.Reset()
			}
			out = append(out, line[:limit])
			line = line[limit:]
		}
		if buf.Len()+len(line) > limit {
			out = append(out, buf.String())
			buf.Reset()
		}
		buf.WriteString(line)
	}
	if buf.Len() > 0 {
		out = append(out, buf.String())
	}
	return out
}

const errorPrefix = "❌ **Erro:** "

type Router struct {
	cmds  map[string]Command
	order []string
	mw    []Middleware
	log   logx.Logger
}

func NewRouter(log logx.Logger) *Router {
	log = log.Component("commands")
	return &Router{
		cmds: map[string]Command{},
		log:  log,
		mw:   []Middleware{MWRequestLog(log), MWPanicRecover(log), MWReadOnly()},
	}
}

// Use appends middleware after the built-in ones.
func (r *Router) Use(m ...Middleware) { r.mw = append(r.mw, m...) }

func (r *Router) Register(cmds ...Command) {
	for _, c := range cmds {
		if c.Name == "" || c.Handle == nil {
			continue
		}
		if _, ok := r.cmds[c.Name]; !ok {
			r.order = append(r.order, c.Name)
		}
		r.cmds[c.Name] = c
	}
}

// Commands returns the registered commands in registration order.
func (r *Router) Commands() []Command {
	out := make([]Command, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.cmds[n])
	}
	return out
}

func (r *Router) Lookup(name string) (Command, bool) {
	c, ok := r.cmds[NormalizeName(name)]
	return c, ok
}

// NormalizeName maps "/mvp_timers@bot" and "MVP-Timers" to "mvp-timers".
func NormalizeName(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// Dispatch runs the command named in req and always returns a reply.
// NotFound and Validation errors are shown to the user; any other error is
// logged and replaced by a generic message.
func (r *Router) Dispatch(ctx context.Context, req Request) Reply {
	req.Command = NormalizeName(req.Command)
	cmd, ok := r.cmds[req.Command]
	if !ok {
		return Reply{Text: errorPrefix + fmt.Sprintf("Comando desconhecido: %s", req.Command), Ephemeral: true}
	}
	if err := checkOptions(cmd, req); err != nil {
		return errorReply(err)
	}

	h := cmd.Handle
	if cmd.Timeout > 0 {
		h = MWTimeout(cmd.Timeout)(h)
	}
	h = Chain(h, r.mw...)
	ctx = withCommand(ctx, cmd)

	rep, err := h(ctx, req)
	if err != nil {
		if _, known := errs.UserMessage(err); !known {
			r.log.Error("command failed", logx.String("cmd", req.Command), logx.String("user", req.Username), logx.Err(err))
		}
		return errorReply(err)
	}
	return rep
}

func errorReply(err error) Reply {
	msg, _ := errs.UserMessage(err)
	return Reply{Text: errorPrefix + msg, Ephemeral: true}
}

func checkOptions(cmd Command, req Request) error {
	for _, o := range cmd.Options {
		if o.Required && !req.Has(o.Name) {
			return errs.Validation("opção obrigatória ausente: %s", o.Name)
		}
		if o.Kind != OptInteger || !req.Has(o.Name) {
			continue
		}
		n, err := req.Int(o.Name, 0)
		if err != nil {
			return err
		}
		if o.Min != nil && n < *o.Min {
			return errs.Validation("%s deve ser no mínimo %d", o.Name, *o.Min)
		}
		if o.Max != nil && n > *o.Max {
			return errs.Validation("%s deve ser no máximo %d", o.Name, *o.Max)
		}
	}
	return nil
}

type cmdKey struct{}

func withCommand(ctx context.Context, c Command) context.Context {
	return context.WithValue(ctx, cmdKey{}, c)
}

func commandFrom(ctx context.Context) (Command, bool) {
	c, ok := ctx.Value(cmdKey{}).(Command)
	return c, ok
}

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req Request) (Reply, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req Request) (rep Reply, err error) {
			defer func() {
				if p := recover(); p != nil {
					log.Error("panic recovered",
						logx.String("cmd", req.Command),
						logx.Any("panic", p),
						logx.Stack(string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req Request) (Reply, error) {
			start := time.Now()
			rep, err := next(ctx, req)
			fields := []logx.Field{
				logx.String("cmd", req.Command),
				logx.String("surface", string(req.Surface)),
				logx.String("user", req.Username),
				logx.Strings("opts", optionKeys(req.Options)),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				log.Warn("request failed", append(fields, logx.Err(err))...)
			} else {
				log.Info("request ok", fields...)
			}
			return rep, err
		}
	}
}

// MWReadOnly rejects mutating commands from read-only callers.
func MWReadOnly() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req Request) (Reply, error) {
			if c, ok := commandFrom(ctx); ok && c.Mutates && req.ReadOnly {
				return Reply{}, errs.Validation("Você não tem permissão para usar este comando")
			}
			return next(ctx, req)
		}
	}
}

func optionKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func intPtr(v int) *int { return &v }
