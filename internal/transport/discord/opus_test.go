package discord

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/jonas747/ogg"

	"mvpbot/internal/errs"
)

func fill(b byte, n int) []byte { return bytes.Repeat([]byte{b}, n) }

// opusStream encodes a header pair, the given audio packets and an EOS page.
func opusStream(t *testing.T, packets ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := ogg.NewEncoder(7, &buf)
	if err := enc.EncodeBOS(0, []byte("OpusHead-----------")); err != nil {
		t.Fatal(err)
	}
	if err := enc.Encode(0, []byte("OpusTags-mvpbot")); err != nil {
		t.Fatal(err)
	}
	for i, p := range packets {
		if err := enc.Encode(int64(960*(i+1)), p); err != nil {
			t.Fatal(err)
		}
	}
	if err := enc.EncodeEOS(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestSendOpusForwardsAudioPackets(t *testing.T) {
	stream := opusStream(t, fill('a', 10), fill('b', 300), fill('c', 3))
	out := make(chan []byte, 8)
	if err := sendOpus(context.Background(), bytes.NewReader(stream), out); err != nil {
		t.Fatalf("send: %v", err)
	}
	close(out)

	var got [][]byte
	for p := range out {
		got = append(got, p)
	}
	want := [][]byte{fill('a', 10), fill('b', 300), fill('c', 3)}
	if len(got) != len(want) {
		t.Fatalf("packets = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("packet %d: len %d, want %d", i, len(got[i]), len(want[i]))
		}
	}
}

func TestSendOpusErrors(t *testing.T) {
	stream := opusStream(t, fill('a', 40))

	corrupt := append([]byte(nil), stream...)
	corrupt[len(corrupt)-40] ^= 0xff
	err := sendOpus(context.Background(), bytes.NewReader(corrupt), make(chan []byte, 8))
	if !errors.Is(err, errs.ErrExternalService) {
		t.Fatalf("bad checksum: %v", err)
	}

	truncated := stream[:len(stream)-10]
	err = sendOpus(context.Background(), bytes.NewReader(truncated), make(chan []byte, 8))
	if !errors.Is(err, errs.ErrExternalService) {
		t.Fatalf("truncated: %v", err)
	}

	if err := sendOpus(context.Background(), bytes.NewReader(nil), make(chan []byte)); err != nil {
		t.Fatalf("empty stream: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sendOpus(ctx, bytes.NewReader(stream), make(chan []byte)); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled: %v", err)
	}
}

func TestIsOpusHeader(t *testing.T) {
	if !isOpusHeader([]byte("OpusHead\x01")) || !isOpusHeader([]byte("OpusTags")) || isOpusHeader(fill('x', 8)) {
		t.Fatalf("header detection wrong")
	}
}
