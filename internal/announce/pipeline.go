// Package announce serializes voice announcements. Jobs are played strictly
// one after another; each job resolves its speech artifact, borrows the
// guild's voice connection, plays the artifact, waits a cool-down and then
// releases the connection.
package announce

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"mvpbot/internal/errs"
	"mvpbot/internal/eventbus"
	"mvpbot/internal/voice"
	"mvpbot/pkg/logx"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultLanguage       = "pt-BR"
)

// Job is consumed exactly once by the pipeline.
type Job struct {
	Text        string
	Lang        string // empty means the pipeline default
	Group       voice.Group
	RepeatCount int
	RepeatDelay time.Duration
	CoolDown    time.Duration
}

// Resolver maps text to a playable artifact location.
type Resolver interface {
	Resolve(ctx context.Context, text, lang string) (string, error)
}

type State int

const (
	Idle State = iota
	Draining
)

func (s State) String() string {
	if s == Draining {
		return "draining"
	}
	return "idle"
}

type Option func(*Pipeline)

func WithLogger(log logx.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(p *Pipeline) {
		if bus != nil {
			p.bus = bus
		}
	}
}

func WithLanguage(lang string) Option {
	return func(p *Pipeline) {
		if lang != "" {
			p.lang = lang
		}
	}
}

// WithConnectTimeout bounds how long a new connection may take to become ready.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.connectTimeout = d
		}
	}
}

type Pipeline struct {
	cache          Resolver
	transport      voice.Transport
	clock          clockwork.Clock
	log            logx.Logger
	bus            eventbus.Bus
	lang           string
	connectTimeout time.Duration

	mu     sync.Mutex
	queue  []Job
	state  State
	idle   chan struct{} // closed when a drain finishes
	closed bool
	conns  map[string]voice.Conn
}

func New(cache Resolver, transport voice.Transport, clock clockwork.Clock, opts ...Option) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	idle := make(chan struct{})
	close(idle)
	p := &Pipeline{
		cache:          cache,
		transport:      transport,
		clock:          clock,
		log:            logx.Nop(),
		bus:            eventbus.Nop{},
		lang:           DefaultLanguage,
		connectTimeout: DefaultConnectTimeout,
		idle:           idle,
		conns:          map[string]voice.Conn{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enqueue appends job. If the pipeline is idle the caller becomes the drainer:
// Enqueue returns only once the queue is empty, including jobs appended by
// others in the meantime, and reports true. If a drain is already running the
// job is queued and Enqueue returns false at once.
//
// ctx only carries values; cancelling it does not abort a job in progress.
func (p *Pipeline) Enqueue(ctx context.Context, job Job) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.Warn("announcement dropped, pipeline closed", logx.String("guild", job.Group.GuildID))
		return false
	}
	p.queue = append(p.queue, job)
	if p.state == Draining {
		depth := len(p.queue)
		p.mu.Unlock()
		p.log.Debug("announcement queued behind running drain", logx.Int("queue", depth))
		return false
	}
	p.state = Draining
	p.idle = make(chan struct{})
	p.mu.Unlock()

	p.drain(context.WithoutCancel(ctx))
	return true
}

func (p *Pipeline) drain(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.state = Idle
			close(p.idle)
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue[0] = Job{}
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.process(ctx, job)
	}
}

func (p *Pipeline) process(ctx context.Context, job Job) {
	key := job.Group.Key()
	log := p.log.With(logx.String("guild", key), logx.String("channel", job.Group.Name))
	started := p.clock.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("announcement panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return p.run(ctx, job, log)
	}()
	if err != nil {
		log.Error("announcement failed", logx.Err(err))
		p.release(key)
		p.publish(eventbus.AnnounceFailed, job, err)
		return
	}
	log.Info("announcement finished", logx.Duration("took", p.clock.Since(started)))
	p.publish(eventbus.AnnounceFinished, job, nil)
}

func (p *Pipeline) run(ctx context.Context, job Job, log logx.Logger) error {
	if job.Group.GuildID == "" {
		return errs.Validation("announcement has no target group")
	}
	if job.RepeatCount < 1 {
		return errs.Validation("announcement repeat count %d is below 1", job.RepeatCount)
	}
	lang := job.Lang
	if lang == "" {
		lang = p.lang
	}
	path, err := p.cache.Resolve(ctx, job.Text, lang)
	if err != nil {
		return fmt.Errorf("resolve speech: %w", err)
	}

	conn, err := p.acquire(ctx, job.Group)
	if err != nil {
		return err
	}

	plays := job.RepeatCount
	for i := 0; i < plays; i++ {
		if i > 0 {
			p.sleep(ctx, job.RepeatDelay)
		}
		log.Debug("playing announcement", logx.Int("play", i+1), logx.Int("of", plays))
		if err := conn.Play(ctx, path); err != nil {
			return fmt.Errorf("play %d/%d: %w", i+1, plays, err)
		}
	}

	p.sleep(ctx, job.CoolDown)
	p.release(job.Group.Key())
	return nil
}

// acquire reuses a live connection for the group's guild or opens one.
func (p *Pipeline) acquire(ctx context.Context, g voice.Group) (voice.Conn, error) {
	key := g.Key()
	p.mu.Lock()
	c, ok := p.conns[key]
	p.mu.Unlock()
	if ok && !c.Destroyed() {
		return c, nil
	}

	cctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	c, err := p.transport.Connect(cctx, g)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("connect %s after %s: %w", g.Name, p.connectTimeout, errs.ErrConnectionTimeout)
		}
		if errors.Is(err, errs.ErrExternalService) {
			return nil, fmt.Errorf("connect %s: %w", g.Name, err)
		}
		return nil, fmt.Errorf("connect %s: %w", g.Name, errs.External("voice", err))
	}

	p.mu.Lock()
	p.conns[key] = c
	p.mu.Unlock()
	return c, nil
}

func (p *Pipeline) release(key string) {
	p.mu.Lock()
	c, ok := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := c.Destroy(); err != nil {
		p.log.Warn("voice disconnect failed", logx.String("guild", key), logx.Err(err))
	}
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-p.clock.After(d):
	case <-ctx.Done():
	}
}

// DrainAndDisconnectAll stops accepting jobs, waits until the running drain
// finishes or ctx ends, and destroys every remaining connection.
func (p *Pipeline) DrainAndDisconnectAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	pending := len(p.queue)
	p.mu.Unlock()

	var waitErr error
	select {
	case <-idle:
	case <-ctx.Done():
		waitErr = ctx.Err()
		p.log.Warn("gave up waiting for announcements", logx.Int("queued", pending), logx.Err(waitErr))
	}

	p.mu.Lock()
	conns := p.conns
	p.conns = map[string]voice.Conn{}
	p.mu.Unlock()
	for key, c := range conns {
		if err := c.Destroy(); err != nil {
			p.log.Warn("voice disconnect failed", logx.String("guild", key), logx.Err(err))
		}
	}
	p.log.Info("voice connections released", logx.Int("count", len(conns)))
	return waitErr
}

// ActiveConnections lists guild IDs with a live connection, sorted.
func (p *Pipeline) ActiveConnections() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.conns))
	for k := range p.conns {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) publish(topic string, job Job, err error) {
	data := map[string]string{
		"guild":   job.Group.GuildID,
		"channel": job.Group.ChannelID,
		"text":    job.Text,
		"plays":   strconv.Itoa(job.RepeatCount),
	}
	if err != nil {
		data["err"] = err.Error()
	}
	p.bus.Publish(eventbus.Event{Type: topic, Data: data})
}
