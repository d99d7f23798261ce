package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"mvpbot/internal/errs"
	"mvpbot/internal/voice"
	"mvpbot/pkg/logx"
)

// VoiceTransport joins voice channels through a discordgo session and plays
// artifacts by transcoding them to Ogg Opus with ffmpeg.
type VoiceTransport struct {
	s      *discordgo.Session
	ffmpeg string
	log    logx.Logger
}

func NewVoiceTransport(s *discordgo.Session, ffmpegPath string, log logx.Logger) *VoiceTransport {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &VoiceTransport{s: s, ffmpeg: ffmpegPath, log: log.Component("voice")}
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Connect joins g and returns once discordgo reports the connection ready.
// A join that completes after ctx ended is disconnected in the background.
func (t *VoiceTransport) Connect(ctx context.Context, g voice.Group) (voice.Conn, error) {
	ch := make(chan joinResult, 1)
	go func() {
		vc, err := t.s.ChannelVoiceJoin(g.GuildID, g.ChannelID, false, true)
		ch <- joinResult{vc: vc, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if r.vc != nil {
				_ = r.vc.Disconnect()
			}
			return nil, errs.External("discord voice", r.err)
		}
		t.log.Debug("voice joined", logx.String("guild", g.GuildID), logx.String("channel", g.ChannelID))
		return &conn{vc: r.vc, group: g, ffmpeg: t.ffmpeg, log: t.log}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

type conn struct {
	vc     *discordgo.VoiceConnection
	group  voice.Group
	ffmpeg string
	log    logx.Logger

	once       sync.Once
	destroyed  atomic.Bool
	destroyErr error
}

func ffmpegArgs(path string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-ac", "2", "-ar", "48000",
		"-c:a", "libopus", "-b:a", "96k",
		"-frame_duration", "20", "-application", "voip",
		"-page_duration", "20000",
		"-f", "ogg", "pipe:1",
	}
}

func (c *conn) Play(ctx context.Context, path string) error {
	if c.destroyed.Load() {
		return errs.External("discord voice", errors.New("connection destroyed"))
	}
	cmd := exec.CommandContext(ctx, c.ffmpeg, ffmpegArgs(path)...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return errs.External("ffmpeg", err)
	}

	if err := c.vc.Speaking(true); err != nil {
		c.log.Warn("speaking on failed", logx.String("guild", c.group.GuildID), logx.Err(err))
	}
	defer func() {
		if err := c.vc.Speaking(false); err != nil {
			c.log.Debug("speaking off failed", logx.String("guild", c.group.GuildID), logx.Err(err))
		}
	}()

	sendErr := c.stream(ctx, out)
	if sendErr != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_, _ = io.Copy(io.Discard, out)
	waitErr := cmd.Wait()

	switch {
	case sendErr != nil:
		return sendErr
	case ctx.Err() != nil:
		return ctx.Err()
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		return errs.External("ffmpeg", fmt.Errorf("%w: %s", waitErr, msg))
	}
	return nil
}

// stream forwards Opus packets to the voice connection. discordgo paces
// OpusSend at one frame per 20ms.
func (c *conn) stream(ctx context.Context, r io.Reader) error {
	return sendOpus(ctx, r, c.vc.OpusSend)
}

func (c *conn) Destroy() error {
	c.once.Do(func() {
		c.destroyed.Store(true)
		c.destroyErr = c.vc.Disconnect()
		c.log.Debug("voice left", logx.String("guild", c.group.GuildID))
	})
	return c.destroyErr
}

func (c *conn) Destroyed() bool { return c.destroyed.Load() }
