package worker

import (
	"context"
	"regexp"
	"strings"

	"github.com/malcolmhoward/dawn/internal/queue"
	"github.com/malcolmhoward/dawn/internal/session"
)

// Codec is the audio transport format negotiated for a connection (spec
// §4.6 "Capability negotiation").
type Codec int

const (
	CodecPCM Codec = iota
	CodecOpus
)

// AudioCodec is the byte-stream decode/encode contract the core depends on
// (spec §1 "only the byte-stream framing" for ASR/TTS). DAWN's core never
// implements the codecs themselves.
type AudioCodec interface {
	DecodeToPCM(compressed []byte, codec Codec) ([]byte, error)
	EncodeFromPCM(pcm []byte, codec Codec) ([]byte, error)
}

// ASR transcribes a complete utterance buffer to text.
type ASR interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// TTS synthesizes one sentence of text to PCM audio.
type TTS interface {
	Synthesize(ctx context.Context, sentence string) ([]byte, error)
}

// AudioDeps extends Deps with the audio-specific collaborators.
type AudioDeps struct {
	Deps
	Codec AudioCodec
	ASR   ASR
	TTS   TTS
}

var sentenceBoundary = regexp.MustCompile(`([.!?])\s+`)

// RunAudio executes the audio worker variant (spec §4.7 "Audio worker
// variant"): decode, transcribe, then hand the text to RunTextWithTTS,
// which synthesizes and emits the reply one sentence at a time so playback
// can start before every sentence is synthesized. Unlike RunText, command
// blocks in the reply are not published to the command bus.
func RunAudio(ctx context.Context, d AudioDeps, ref *session.Ref, compressed []byte, codec Codec) {
	sess := ref.Session()

	pcm, err := d.Codec.DecodeToPCM(compressed, codec)
	if err != nil {
		d.Queue.Enqueue(queue.Envelope{Tag: queue.TagError, SessionID: sess.ID, ErrorCode: "AUDIO_DECODE", ErrorMessage: err.Error(), Recoverable: true})
		ref.Release()
		return
	}

	text, err := d.ASR.Transcribe(ctx, pcm)
	if err != nil {
		d.Queue.Enqueue(queue.Envelope{Tag: queue.TagError, SessionID: sess.ID, ErrorCode: "ASR_FAILED", ErrorMessage: err.Error(), Recoverable: true})
		ref.Release()
		return
	}

	generation := sess.RequestGeneration()

	// RunTextWithTTS takes over ref and releases it when done.
	RunTextWithTTS(ctx, d, ref, text, generation, codec)
}

// RunTextWithTTS makes one streamed LLM call for userMessage, then
// synthesizes and emits audio for each sentence of the filtered reply.
// Command blocks are stripped from the reply but not published to the
// command bus, and no follow-up LLM call is made.
func RunTextWithTTS(ctx context.Context, d AudioDeps, ref *session.Ref, userMessage string, _ uint64, codec Codec) {
	sess := ref.Session()
	defer ref.Release()

	generation := sess.AdvanceRequestGeneration()
	d.Queue.Enqueue(queue.Envelope{Tag: queue.TagState, SessionID: sess.ID, State: "thinking"})
	sess.AppendHistory(session.Message{Role: session.RoleUser, Content: userMessage})
	d.Queue.Enqueue(queue.Envelope{Tag: queue.TagTranscript, SessionID: sess.ID, Role: string(session.RoleUser), Content: userMessage})

	if superseded(sess, generation) {
		return
	}

	reply, ok := d.Deps.streamReply(ctx, sess, generation, sess.History())
	if !ok {
		return
	}

	final := sess.FilterDelta(reply)
	if sess.StreamHadContent() {
		sess.AppendHistory(session.Message{Role: session.RoleAssistant, Content: final})
	}

	for _, sentence := range splitSentences(final) {
		if superseded(sess, generation) {
			return
		}
		clean := cleanForTTS(sentence)
		if clean == "" {
			continue
		}
		pcm, err := d.TTS.Synthesize(ctx, clean)
		if err != nil {
			d.Queue.Enqueue(queue.Envelope{Tag: queue.TagError, SessionID: sess.ID, ErrorCode: "TTS_FAILED", ErrorMessage: err.Error(), Recoverable: true})
			continue
		}
		out, err := d.Codec.EncodeFromPCM(pcm, codec)
		if err != nil {
			d.Queue.Enqueue(queue.Envelope{Tag: queue.TagError, SessionID: sess.ID, ErrorCode: "AUDIO_ENCODE", ErrorMessage: err.Error(), Recoverable: true})
			continue
		}
		d.Queue.Enqueue(queue.Envelope{Tag: queue.TagAudioChunk, SessionID: sess.ID, AudioData: out})
		d.Queue.Enqueue(queue.Envelope{Tag: queue.TagAudioEnd, SessionID: sess.ID, AudioFinal: true})
	}

	d.Queue.Enqueue(queue.Envelope{Tag: queue.TagContextUsage, SessionID: sess.ID, UsedTokens: len(sess.History())})
	d.Queue.Enqueue(queue.Envelope{Tag: queue.TagState, SessionID: sess.ID, State: "idle"})
}

// splitSentences does minimal sentence detection, sufficient for
// per-sentence TTS pacing (spec §4.7 "per-sentence TTS callback").
func splitSentences(text string) []string {
	parts := sentenceBoundary.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// cleanForTTS strips markdown-ish artifacts that read poorly aloud (spec
// §4.7 "minimal text cleanup for TTS intelligibility").
func cleanForTTS(sentence string) string {
	s := strings.ReplaceAll(sentence, "**", "")
	s = strings.ReplaceAll(s, "*", "")
	s = strings.ReplaceAll(s, "`", "")
	return strings.TrimSpace(s)
}
