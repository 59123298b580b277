// Package worker implements the detached per-query workers that call the
// LLM backend and execute any embedded tool/device commands (spec §4.7).
// Workers never touch the wire directly; results are delivered through the
// shared response queue to the dispatch loop (spec §5 "All socket I/O ...
// runs on the service loop only").
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/malcolmhoward/dawn/internal/commandbus"
	"github.com/malcolmhoward/dawn/internal/queue"
	"github.com/malcolmhoward/dawn/internal/session"
)

// maxFollowupIterations guards against a non-convergent model looping
// forever on tool calls (spec §4.7 step 5).
const maxFollowupIterations = 5

// commandReplyTimeout bounds how long a worker waits for a device/tool
// command reply (spec §4.7 step 4, §5 "the only explicit timeout").
const commandReplyTimeout = 10 * time.Second

// StreamDelta is one incremental chunk of an LLM response.
type StreamDelta struct {
	Content string
	Done    bool
}

// LLM is the streaming-token callback contract the core depends on (spec
// §1 "only the streaming-token callback contract is specified"). The core
// never implements a concrete LLM backend.
type LLM interface {
	// Stream issues history to the model and invokes onDelta for each
	// incremental chunk of output, returning the full response text on
	// completion.
	Stream(ctx context.Context, history []session.Message, onDelta func(StreamDelta)) (string, error)
}

// Deps bundles a worker's collaborators.
type Deps struct {
	Manager *session.Manager
	Queue   *queue.Queue
	Bus     *commandbus.Bus
	LLM     LLM
	Logger  *slog.Logger
}

// pendingCommand is one parsed <command> block awaiting a bus reply.
type pendingCommand struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// RunText executes the full text pipeline for one user query (spec §4.7
// steps 1-6). userMessage has already been appended to the connection's
// pending input; this runs the session's turn and emits envelopes for the
// dispatch loop to deliver.
func RunText(ctx context.Context, d Deps, ref *session.Ref, userMessage string) {
	sess := ref.Session()
	defer ref.Release()

	generation := sess.AdvanceRequestGeneration()

	d.Queue.Enqueue(queue.Envelope{Tag: queue.TagState, SessionID: sess.ID, State: "thinking"})
	sess.AppendHistory(session.Message{Role: session.RoleUser, Content: userMessage})
	d.Queue.Enqueue(queue.Envelope{Tag: queue.TagTranscript, SessionID: sess.ID, Role: string(session.RoleUser), Content: userMessage})

	if superseded(sess, generation) {
		return
	}

	history := sess.History()
	reply, ok := d.streamReply(ctx, sess, generation, history)
	if !ok {
		return
	}

	for iter := 0; iter < maxFollowupIterations; iter++ {
		blocks := extractCommandBlocks(reply)
		if len(blocks) == 0 {
			break
		}

		results := d.runCommands(ctx, sess, blocks)
		if superseded(sess, generation) {
			return
		}
		d.Queue.Enqueue(queue.Envelope{
			Tag: queue.TagTranscript, SessionID: sess.ID,
			Role: "debug", Content: strings.Join(results, "\n"),
		})

		sess.AppendHistory(session.Message{Role: session.RoleAssistant, Content: reply})
		sess.AppendHistory(session.Message{Role: session.RoleUser, Content: strings.Join(results, "\n")})

		reply, ok = d.streamReply(ctx, sess, generation, sess.History())
		if !ok {
			return
		}
	}

	final := sess.FilterDelta(reply)
	if sess.StreamHadContent() {
		sess.AppendHistory(session.Message{Role: session.RoleAssistant, Content: final})
	}

	d.Queue.Enqueue(queue.Envelope{Tag: queue.TagContextUsage, SessionID: sess.ID, UsedTokens: len(sess.History())})
	d.Queue.Enqueue(queue.Envelope{Tag: queue.TagState, SessionID: sess.ID, State: "idle"})
}

// streamReply issues one LLM call and streams its deltas through the
// queue, honoring cancellation/supersession at each checkpoint (spec §4.7
// step 3, §5 "Cancellation and timeouts").
func (d Deps) streamReply(ctx context.Context, sess *session.Session, generation uint64, history []session.Message) (string, bool) {
	streamID := sess.BeginStream()
	defer sess.EndStream()

	sess.ResetCommandFilter()
	d.Queue.Enqueue(queue.Envelope{Tag: queue.TagStreamStart, SessionID: sess.ID, StreamID: streamID})

	reply, err := d.LLM.Stream(ctx, history, func(delta StreamDelta) {
		if superseded(sess, generation) {
			return
		}
		visible := sess.FilterDelta(delta.Content)
		if visible == "" {
			return
		}
		sess.MarkStreamHadContent()
		d.Queue.Enqueue(queue.Envelope{
			Tag: queue.TagStreamDelta, SessionID: sess.ID,
			StreamID: streamID, Content: visible,
		})
	})

	reason := "complete"
	if err != nil {
		reason = "error"
		d.Queue.Enqueue(queue.Envelope{Tag: queue.TagError, SessionID: sess.ID, ErrorCode: "LLM_ERROR", ErrorMessage: err.Error(), Recoverable: true})
	}
	d.Queue.Enqueue(queue.Envelope{Tag: queue.TagStreamEnd, SessionID: sess.ID, StreamID: streamID, Reason: reason})

	if err != nil || superseded(sess, generation) {
		return "", false
	}
	return reply, true
}

// runCommands parses and dispatches each embedded command block, awaiting a
// bus reply for each with a bounded timeout, and returns their results in
// order (spec §4.7 step 4).
func (d Deps) runCommands(ctx context.Context, sess *session.Session, blocks []string) []string {
	results := make([]string, 0, len(blocks))
	for _, block := range blocks {
		var cmd pendingCommand
		if err := json.Unmarshal([]byte(block), &cmd); err != nil {
			results = append(results, `{"error":"malformed command"}`)
			continue
		}

		requestID, reply, cancel := d.Bus.Register()
		envelope := map[string]any{"request_id": requestID, "payload": json.RawMessage(cmd.Payload)}
		body, _ := json.Marshal(envelope)

		if err := d.Bus.Publish(ctx, cmd.Topic, body); err != nil {
			cancel()
			results = append(results, `{"error":"publish failed"}`)
			continue
		}

		waitCtx, done := context.WithTimeout(ctx, commandReplyTimeout)
		payload, err := commandbus.Await(waitCtx, reply)
		done()
		cancel()
		if err != nil {
			results = append(results, `{"error":"command timed out"}`)
			continue
		}
		results = append(results, string(payload))
	}
	return results
}

// extractCommandBlocks pulls the JSON bodies of any <command>...</command>
// blocks out of text (nesting is handled by the session's command filter
// during streaming; by the time we see the full reply, blocks are intact
// top-level substrings).
func extractCommandBlocks(text string) []string {
	var blocks []string
	for {
		start := strings.Index(text, "<command>")
		if start == -1 {
			break
		}
		end := strings.Index(text[start:], "</command>")
		if end == -1 {
			break
		}
		body := strings.TrimSpace(text[start+len("<command>") : start+end])
		if body != "" {
			blocks = append(blocks, body)
		}
		text = text[start+end+len("</command>"):]
	}
	return blocks
}

// superseded reports whether the session has been cancelled or moved on to
// a newer request generation since this worker began (spec §4.6
// "Cancellation", §5).
func superseded(sess *session.Session, generation uint64) bool {
	return sess.Disconnected() || sess.RequestGeneration() != generation
}
