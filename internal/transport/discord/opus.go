package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jonas747/ogg"

	"mvpbot/internal/errs"
)

// sendOpus demuxes an Ogg Opus stream and forwards its audio packets to out,
// skipping the OpusHead and OpusTags headers. It returns nil at a clean end
// of stream.
func sendOpus(ctx context.Context, r io.Reader, out chan<- []byte) error {
	dec := ogg.NewPacketDecoder(ogg.NewDecoder(r))
	for {
		p, _, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errs.External("ffmpeg", fmt.Errorf("demux: %w", err))
		}
		if len(p) == 0 || isOpusHeader(p) {
			continue
		}
		select {
		case out <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isOpusHeader reports the identification and comment packets that open
// every Ogg Opus stream.
func isOpusHeader(p []byte) bool {
	return bytes.HasPrefix(p, []byte("OpusHead")) || bytes.HasPrefix(p, []byte("OpusTags"))
}
