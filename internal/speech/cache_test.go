package speech

import (
	"context"
	"errors"
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"

	"mvpbot/internal/errs"
)

type fakeSynth struct {
	calls atomic.Int32
	err   error
	body  string
	gate  chan struct{}
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, lang string, speed float64) (io.ReadCloser, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	body := f.body
	if body == "" {
		body = "ID3" + lang + ":" + text
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func newTestCache(t *testing.T, synth Synthesizer, opts ...CacheOption) (*Cache, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	c, err := NewCache(fs, "/cache", synth, opts...)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c, fs
}

func TestKeyIsDeterministic(t *testing.T) {
	t.Parallel()
	if Key("Daqui 5 minutos", "pt-BR") != Key("Daqui 5 minutos", "pt-BR") {
		t.Fatalf("same input must give same key")
	}
	pairs := [][2]string{
		{"Daqui 5 minutos", "pt-br"},
		{"Daqui 5 minutos ", "pt-BR"},
		// Without a separator these two would collide.
		{"abc", "d"},
		{"ab", "cd"},
	}
	seen := map[string]bool{Key("Daqui 5 minutos", "pt-BR"): true}
	for _, p := range pairs {
		k := Key(p[0], p[1])
		if seen[k] {
			t.Fatalf("collision for %q/%q", p[0], p[1])
		}
		seen[k] = true
	}
	if len(Key("x", "y")) != 64 {
		t.Fatalf("expected hex sha256 key")
	}
}

func TestResolveMissThenHit(t *testing.T) {
	t.Parallel()
	synth := &fakeSynth{}
	c, fs := newTestCache(t, synth)
	ctx := context.Background()

	p1, err := c.Resolve(ctx, "Daqui 5 minutos o MVP Baphomet vai nascer!", "pt-BR")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p2, err := c.Resolve(ctx, "Daqui 5 minutos o MVP Baphomet vai nascer!", "pt-BR")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("paths differ: %q vs %q", p1, p2)
	}
	if synth.calls.Load() != 1 {
		t.Fatalf("synth calls=%d, want exactly 1", synth.calls.Load())
	}
	b, err := afero.ReadFile(fs, p1)
	if err != nil || !strings.HasPrefix(string(b), "ID3pt-BR:") {
		t.Fatalf("artifact content %q err=%v", b, err)
	}
}

func TestResolveFailureLeavesNoArtifact(t *testing.T) {
	t.Parallel()
	synth := &fakeSynth{err: errors.New("connection reset")}
	c, fs := newTestCache(t, synth)

	_, err := c.Resolve(context.Background(), "hello", "en")
	if !errors.Is(err, errs.ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
	entries, _ := afero.ReadDir(fs, "/cache")
	if len(entries) != 0 {
		t.Fatalf("expected empty cache dir, found %d entries", len(entries))
	}

	// The next call tries again since nothing was cached.
	synth.err = nil
	if _, err := c.Resolve(context.Background(), "hello", "en"); err != nil {
		t.Fatalf("resolve after recovery: %v", err)
	}
	if synth.calls.Load() != 2 {
		t.Fatalf("calls=%d", synth.calls.Load())
	}
}

func TestResolveRejectsEmptyText(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, &fakeSynth{})
	if _, err := c.Resolve(context.Background(), "   ", "pt-BR"); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestConcurrentMissesRace(t *testing.T) {
	t.Parallel()
	for _, coalesce := range []bool{false, true} {
		synth := &fakeSynth{gate: make(chan struct{})}
		c, _ := newTestCache(t, synth, WithCoalescedMisses(coalesce))

		var wg sync.WaitGroup
		paths := make([]string, 2)
		for i := range paths {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p, err := c.Resolve(context.Background(), "Orc Hero", "pt-BR")
				if err != nil {
					t.Errorf("resolve: %v", err)
				}
				paths[i] = p
			}(i)
		}
		if !coalesce {
			// Both callers miss and reach the synthesizer.
			for synth.calls.Load() < 2 {
				runtime.Gosched()
			}
		} else {
			for synth.calls.Load() < 1 {
				runtime.Gosched()
			}
		}
		close(synth.gate)
		wg.Wait()

		if paths[0] != paths[1] || paths[0] == "" {
			t.Fatalf("coalesce=%v paths=%v", coalesce, paths)
		}
		want := int32(2)
		if coalesce {
			want = 1
		}
		if got := synth.calls.Load(); got > want {
			t.Fatalf("coalesce=%v calls=%d, want <= %d", coalesce, got, want)
		}
	}
}

func TestStatsAndClear(t *testing.T) {
	t.Parallel()
	synth := &fakeSynth{body: "0123456789"}
	c, fs := newTestCache(t, synth)
	ctx := context.Background()
	for _, txt := range []string{"a", "b", "c"} {
		if _, err := c.Resolve(ctx, txt, "pt-BR"); err != nil {
			t.Fatalf("resolve %q: %v", txt, err)
		}
	}
	// Foreign files are not cache entries.
	_ = afero.WriteFile(fs, "/cache/notes.txt", []byte("keep"), 0o644)

	st, err := c.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Files != 3 || st.Bytes != 30 {
		t.Fatalf("stats=%+v", st)
	}

	n, err := c.Clear()
	if err != nil || n != 3 {
		t.Fatalf("clear n=%d err=%v", n, err)
	}
	if st, _ := c.Stats(); st.Files != 0 {
		t.Fatalf("stats after clear=%+v", st)
	}
	if ok, _ := afero.Exists(fs, "/cache/notes.txt"); !ok {
		t.Fatalf("clear removed a foreign file")
	}
}
