package wsproto

import (
	"context"
	"testing"
	"time"

	"github.com/malcolmhoward/dawn/internal/worker"
)

type fakeCodec struct{}

func (fakeCodec) DecodeToPCM(compressed []byte, codec worker.Codec) ([]byte, error) {
	return compressed, nil
}
func (fakeCodec) EncodeFromPCM(pcm []byte, codec worker.Codec) ([]byte, error) { return pcm, nil }

type fakeASR struct{ text string }

func (f fakeASR) Transcribe(ctx context.Context, pcm []byte) (string, error) { return f.text, nil }

type fakeTTS struct{}

func (fakeTTS) Synthesize(ctx context.Context, sentence string) ([]byte, error) {
	return []byte(sentence), nil
}

func TestAppendAudio_AccumulatesAcrossFragments(t *testing.T) {
	d := newTestDispatcher()
	c := newConnection(nil, "1.2.3.4", nil, nil)

	d.appendAudio(c, []byte{1, 2, 3})
	d.appendAudio(c, []byte{4, 5, 6})

	c.audioMu.Lock()
	got := append([]byte(nil), c.audioBuf...)
	c.audioMu.Unlock()

	if len(got) != 6 {
		t.Fatalf("expected 6 accumulated bytes, got %d", len(got))
	}
}

func TestAppendAudio_RejectsOversizedAccumulation(t *testing.T) {
	d := newTestDispatcher()
	c := newConnection(nil, "1.2.3.4", nil, nil)
	c.outbound = make(chan []byte, 4)

	big := make([]byte, maxAudioAccumBytes+1)
	d.appendAudio(c, big)

	select {
	case msg := <-c.outbound:
		if len(msg) == 0 {
			t.Fatal("expected an error envelope queued for the oversized utterance")
		}
	case <-time.After(time.Second):
		t.Fatal("expected an error envelope, got none")
	}

	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	if len(c.audioBuf) != 0 {
		t.Fatal("buffer should be reset after rejecting an oversized utterance")
	}
}

func TestFinishAudio_WithoutAudioBackendReturnsNotConfigured(t *testing.T) {
	d := newTestDispatcher() // d.Audio left nil
	c := newConnection(nil, "1.2.3.4", nil, nil)
	c.outbound = make(chan []byte, 4)

	d.finishAudio(c)

	select {
	case <-c.outbound:
	case <-time.After(time.Second):
		t.Fatal("expected a NOT_CONFIGURED error envelope")
	}
}
