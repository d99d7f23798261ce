// Package speech resolves announcement text to synthesized audio files kept
// in a content-addressed on-disk cache.
package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"mvpbot/internal/errs"
	"mvpbot/internal/eventbus"
	"mvpbot/pkg/logx"
)

const artifactExt = ".mp3"

// Synthesizer turns text into an audio stream. Failures should be
// errs.ExternalServiceError; the cache wraps anything else.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, lang string, speed float64) (io.ReadCloser, error)
}

type Stats struct {
	Files int
	Bytes int64
}

type CacheOption func(*Cache)

func WithLogger(log logx.Logger) CacheOption {
	return func(c *Cache) { c.log = log }
}

func WithBus(bus eventbus.Bus) CacheOption {
	return func(c *Cache) {
		if bus != nil {
			c.bus = bus
		}
	}
}

// WithSpeed sets the speed passed to the synthesizer (1 is normal).
func WithSpeed(speed float64) CacheOption {
	return func(c *Cache) {
		if speed > 0 {
			c.speed = speed
		}
	}
}

// WithCoalescedMisses makes concurrent misses for one key share a single
// synthesis. Off by default: racing misses each synthesize and the last
// rename wins.
func WithCoalescedMisses(enabled bool) CacheOption {
	return func(c *Cache) { c.coalesce = enabled }
}

type Cache struct {
	fs    afero.Fs
	dir   string
	synth Synthesizer
	speed float64
	log   logx.Logger
	bus   eventbus.Bus

	coalesce bool
	group    singleflight.Group
}

// NewCache creates dir on fs when missing.
func NewCache(fs afero.Fs, dir string, synth Synthesizer, opts ...CacheOption) (*Cache, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "./audio-cache"
	}
	c := &Cache{
		fs:    fs,
		dir:   dir,
		synth: synth,
		speed: 1,
		log:   logx.Nop(),
		bus:   eventbus.Nop{},
	}
	for _, o := range opts {
		o(c)
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %q: %w", dir, err)
	}
	return c, nil
}

// Key returns the hex sha256 of text, a NUL separator, and lang.
func Key(text, lang string) string {
	sum := sha256.Sum256([]byte(text + "\x00" + lang))
	return hex.EncodeToString(sum[:])
}

// Path returns the artifact location for key.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.dir, key+artifactExt)
}

func (c *Cache) Dir() string { return c.dir }

// Resolve returns the artifact location for (text, lang), synthesizing it
// on a miss.
func (c *Cache) Resolve(ctx context.Context, text, lang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errs.Validation("announcement text is empty")
	}
	key := Key(text, lang)
	path := c.Path(key)
	if c.exists(path) {
		c.log.Debug("speech cache hit", logx.String("key", key))
		return path, nil
	}

	var err error
	if c.coalesce {
		var shared bool
		_, err, shared = c.group.Do(key, func() (any, error) {
			if c.exists(path) {
				return nil, nil
			}
			return nil, c.fill(ctx, key, text, lang)
		})
		if shared {
			c.log.Debug("speech miss coalesced", logx.String("key", key))
		}
	} else {
		err = c.fill(ctx, key, text, lang)
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

func (c *Cache) exists(path string) bool {
	fi, err := c.fs.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

// fill streams a fresh synthesis into a temp file and renames it onto the
// key path, so readers never see a partial artifact.
func (c *Cache) fill(ctx context.Context, key, text, lang string) error {
	if c.synth == nil {
		return errs.External("tts", errors.New("no synthesizer configured"))
	}
	c.log.Info("speech cache miss, synthesizing", logx.String("key", key), logx.String("lang", lang), logx.Int("chars", len([]rune(text))))

	rc, err := c.synth.Synthesize(ctx, text, lang, c.speed)
	if err != nil {
		if errors.Is(err, errs.ErrExternalService) || errors.Is(err, errs.ErrValidation) {
			return err
		}
		return errs.External("tts", err)
	}
	defer rc.Close()

	tmp, err := afero.TempFile(c.fs, c.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	n, copyErr := io.Copy(tmp, rc)
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		_ = c.fs.Remove(tmpName)
		return errs.External("tts", fmt.Errorf("read audio stream: %w", copyErr))
	case closeErr != nil:
		_ = c.fs.Remove(tmpName)
		return fmt.Errorf("write temp artifact: %w", closeErr)
	case n == 0:
		_ = c.fs.Remove(tmpName)
		return errs.External("tts", errors.New("empty audio stream"))
	}

	if err := c.fs.Rename(tmpName, c.Path(key)); err != nil {
		_ = c.fs.Remove(tmpName)
		return fmt.Errorf("commit artifact: %w", err)
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.SpeechSynthesized, Data: map[string]string{"key": key, "lang": lang}})
	return nil
}

// Clear deletes every cached artifact and returns how many were removed.
func (c *Cache) Clear() (int, error) {
	infos, err := c.artifacts()
	if err != nil {
		return 0, err
	}
	removed := 0
	var errsJoined error
	for _, fi := range infos {
		if err := c.fs.Remove(filepath.Join(c.dir, fi.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errsJoined = errors.Join(errsJoined, err)
			continue
		}
		removed++
	}
	c.log.Info("speech cache cleared", logx.Int("removed", removed))
	return removed, errsJoined
}

// Stats reports the number and total size of cached artifacts.
func (c *Cache) Stats() (Stats, error) {
	infos, err := c.artifacts()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, fi := range infos {
		st.Files++
		st.Bytes += fi.Size()
	}
	return st, nil
}

func (c *Cache) artifacts() ([]os.FileInfo, error) {
	infos, err := afero.ReadDir(c.fs, c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache dir: %w", err)
	}
	out := infos[:0]
	for _, fi := range infos {
		if fi.Mode().IsRegular() && strings.HasSuffix(fi.Name(), artifactExt) {
			out = append(out, fi)
		}
	}
	return out, nil
}
