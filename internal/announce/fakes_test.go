package announce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"mvpbot/internal/voice"
)

var t0 = time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC)

type call struct {
	op    string // connect, play, destroy
	guild string
	path  string
	at    time.Time
}

// fakeResolver maps text to "/cache/<text>.mp3". A non-nil gate blocks the
// first resolve until closed.
type fakeResolver struct {
	calls   atomic.Int32
	fail    map[string]error
	gate    chan struct{}
	entered chan string
	once    sync.Once
}

func (r *fakeResolver) Resolve(ctx context.Context, text, lang string) (string, error) {
	r.calls.Add(1)
	if r.entered != nil {
		r.entered <- text
	}
	if r.gate != nil {
		r.once.Do(func() { <-r.gate })
	}
	if err := r.fail[text]; err != nil {
		return "", err
	}
	return "/cache/" + text + ".mp3", nil
}

type fakeTransport struct {
	clock clockwork.Clock

	mu         sync.Mutex
	calls      []call
	connectErr error
	hang       bool
	playErr    map[string]error
	destroyed  chan string
}

func newFakeTransport(clock clockwork.Clock) *fakeTransport {
	return &fakeTransport{clock: clock, destroyed: make(chan string, 16)}
}

func (t *fakeTransport) record(c call) {
	c.at = t.clock.Now()
	t.mu.Lock()
	t.calls = append(t.calls, c)
	t.mu.Unlock()
}

func (t *fakeTransport) snapshot() []call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]call(nil), t.calls...)
}

func (t *fakeTransport) ops(op string) []call {
	var out []call
	for _, c := range t.snapshot() {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (t *fakeTransport) Connect(ctx context.Context, g voice.Group) (voice.Conn, error) {
	t.record(call{op: "connect", guild: g.GuildID})
	if t.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	return &fakeConn{t: t, guild: g.GuildID}, nil
}

type fakeConn struct {
	t         *fakeTransport
	guild     string
	destroyed atomic.Bool
}

func (c *fakeConn) Play(ctx context.Context, path string) error {
	c.t.record(call{op: "play", guild: c.guild, path: path})
	if err := c.t.playErr[path]; err != nil {
		return err
	}
	return nil
}

func (c *fakeConn) Destroy() error {
	if c.destroyed.Swap(true) {
		return nil
	}
	c.t.record(call{op: "destroy", guild: c.guild})
	c.t.destroyed <- c.guild
	return nil
}

func (c *fakeConn) Destroyed() bool { return c.destroyed.Load() }

var errBoom = errors.New("boom")

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
