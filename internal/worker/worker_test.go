package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/malcolmhoward/dawn/internal/commandbus"
	"github.com/malcolmhoward/dawn/internal/queue"
	"github.com/malcolmhoward/dawn/internal/session"
)

type stubLLM struct {
	reply  string
	deltas []string
	err    error
}

func (s *stubLLM) Stream(ctx context.Context, history []session.Message, onDelta func(StreamDelta)) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	for _, d := range s.deltas {
		onDelta(StreamDelta{Content: d})
	}
	return s.reply, nil
}

func newTestManager() *session.Manager {
	return session.NewManager(32, session.LLMConfig{Provider: "local", Model: "test"}, nil, time.Hour)
}

func TestRunText_SimpleReplyAppendsHistoryAndEmitsEnvelopes(t *testing.T) {
	mgr := newTestManager()
	ref, err := mgr.Create(session.TypeWebSocket)
	if err != nil {
		t.Fatal(err)
	}
	q := queue.New(128)
	d := Deps{Manager: mgr, Queue: q, Bus: commandbus.New(), LLM: &stubLLM{reply: "hello there", deltas: []string{"hello ", "there"}}}

	RunText(context.Background(), d, ref, "hi")

	var sawStreamEnd, sawIdle bool
	for {
		env, ok := q.Dequeue()
		if !ok {
			break
		}
		if env.Tag == queue.TagStreamEnd {
			sawStreamEnd = true
		}
		if env.Tag == queue.TagState && env.State == "idle" {
			sawIdle = true
		}
	}
	if !sawStreamEnd || !sawIdle {
		t.Fatalf("expected stream-end and idle-state envelopes, streamEnd=%v idle=%v", sawStreamEnd, sawIdle)
	}
}

func TestRunText_CommandBlockRoundTrips(t *testing.T) {
	mgr := newTestManager()
	ref, _ := mgr.Create(session.TypeWebSocket)
	q := queue.New(128)
	bus := commandbus.New()

	bus.Subscribe("device.light", func(topic string, payload []byte) {
		var env struct {
			RequestID string `json:"request_id"`
		}
		_ = json.Unmarshal(payload, &env)
		bus.Reply(env.RequestID, []byte(`{"status":"ok"}`))
	})

	llm := &stubLLM{
		reply:  `<command>{"topic":"device.light","payload":{"room":"kitchen"}}</command>`,
		deltas: []string{`<command>{"topic":"device.light","payload":{"room":"kitchen"}}</command>`},
	}
	// After the tool round-trip, the follow-up call returns a plain reply
	// with no further command blocks so the loop terminates.
	seq := []*stubLLM{llm, {reply: "turned it on", deltas: []string{"turned it on"}}}
	call := 0
	multi := &sequenceLLM{seq: seq, call: &call}

	d := Deps{Manager: mgr, Queue: q, Bus: bus, LLM: multi}
	RunText(context.Background(), d, ref, "turn on the kitchen light")

	found := false
	for {
		env, ok := q.Dequeue()
		if !ok {
			break
		}
		if env.Tag == queue.TagTranscript && env.Role == "debug" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a debug transcript envelope with the tool result")
	}
}

type sequenceLLM struct {
	seq  []*stubLLM
	call *int
}

func (s *sequenceLLM) Stream(ctx context.Context, history []session.Message, onDelta func(StreamDelta)) (string, error) {
	idx := *s.call
	if idx >= len(s.seq) {
		idx = len(s.seq) - 1
	}
	*s.call++
	return s.seq[idx].Stream(ctx, history, onDelta)
}
