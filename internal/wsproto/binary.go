package wsproto

import (
	"context"

	"github.com/malcolmhoward/dawn/internal/worker"
)

// DispatchBinary handles one inbound binary frame (spec §4.6 "Binary
// messages"). The first byte is an opcode; the remainder is payload. Audio
// frames accumulate into the connection's audio buffer until an end opcode
// arrives, matching the spec's "fragmentation driven by the first fragment's
// opcode" rule: a frame arriving mid-accumulation never changes what kind of
// data is being assembled.
func (d *Dispatcher) DispatchBinary(c *Connection, frame []byte) {
	if len(frame) == 0 {
		return
	}
	opcode := frame[0]
	payload := frame[1:]

	switch opcode {
	case OpcodeAudioIn:
		d.appendAudio(c, payload)
	case OpcodeAudioInEnd:
		d.appendAudio(c, payload)
		d.finishAudio(c)
	default:
		c.sendJSON(errorEnvelope("BAD_REQUEST", "unrecognized binary opcode", true))
	}
}

// appendAudio accumulates payload into the connection's inbound audio
// buffer, capped at maxAudioAccumBytes (spec §4.6 "growable up to a hard
// cap"); an oversized utterance is rejected rather than silently truncated,
// so the client can react instead of sending audio that's quietly dropped.
func (d *Dispatcher) appendAudio(c *Connection, payload []byte) {
	c.audioMu.Lock()
	if !c.fragActive {
		c.fragActive = true
		c.audioBuf = c.audioBuf[:0]
	}

	overflow := len(c.audioBuf)+len(payload) > maxAudioAccumBytes
	if overflow {
		c.audioBuf = c.audioBuf[:0]
		c.fragActive = false
	} else {
		c.audioBuf = append(c.audioBuf, payload...)
	}
	c.audioMu.Unlock()

	if overflow {
		c.sendJSON(errorEnvelope("AUDIO_TOO_LARGE", "utterance exceeds the maximum accepted size", true))
	}
}

// finishAudio hands the accumulated buffer off to the audio worker and
// resets accumulation state for the next utterance.
func (d *Dispatcher) finishAudio(c *Connection) {
	c.audioMu.Lock()
	buf := make([]byte, len(c.audioBuf))
	copy(buf, c.audioBuf)
	c.audioBuf = c.audioBuf[:0]
	c.fragActive = false
	c.audioMu.Unlock()

	if d.Audio == nil {
		c.sendJSON(errorEnvelope("NOT_CONFIGURED", "audio backend not configured", false))
		return
	}
	ref := c.SessionRef()
	if ref == nil {
		c.sendJSON(errorEnvelope("NO_SESSION", "send init before sending audio", true))
		return
	}
	workerRef, err := d.Manager.Get(ref.Session().ID)
	if err != nil {
		c.sendJSON(errorEnvelope("NO_SESSION", "session no longer exists", true))
		return
	}

	codec := worker.CodecPCM
	if c.OpusCapable {
		codec = worker.CodecOpus
	}
	d.queriesTotal.Add(1)
	if d.Metrics != nil {
		d.Metrics.QueriesTotal.Inc()
	}
	go worker.RunAudio(context.Background(), *d.Audio, workerRef, buf, codec)
}
