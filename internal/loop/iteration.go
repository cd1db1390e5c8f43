package loop

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/codefionn/turnloop/internal/backend"
	"github.com/codefionn/turnloop/internal/conversation"
	"github.com/codefionn/turnloop/internal/progress"
	"github.com/google/uuid"
)

// pendingCall is a tool invocation being streamed.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// response is one fully received backend answer.
type response struct {
	text       strings.Builder
	calls      []*pendingCall
	byID       map[string]*pendingCall
	usage      backend.Usage
	stopReason string
}

func newResponse() *response {
	return &response{byID: make(map[string]*pendingCall)}
}

// batch returns the invocations in the order the backend issued them.
func (r *response) batch() []conversation.ToolInvocation {
	out := make([]conversation.ToolInvocation, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, conversation.ToolInvocation{
			ID:        c.id,
			Name:      c.name,
			Arguments: normalizeArguments(c.args.String()),
		})
	}
	return out
}

// message builds the assistant message, or false when the response is empty.
func (r *response) message() (conversation.Message, bool) {
	msg := conversation.Message{Role: conversation.RoleAssistant}
	if text := r.text.String(); text != "" {
		msg.Content = append(msg.Content, conversation.TextBlock(text))
	}
	for _, inv := range r.batch() {
		msg.Content = append(msg.Content, conversation.InvocationBlock(inv.ID, inv.Name, inv.Arguments))
	}
	return msg, len(msg.Content) > 0
}

// normalizeArguments keeps valid JSON as is, maps empty input to an empty
// object and wraps anything else in a JSON string so the history stays
// serializable and the tool reports invalid arguments.
func normalizeArguments(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

// collect drains stream into a response. Nothing is written to history here;
// on any error the partial response is dropped by the caller.
func (l *Loop) collect(stream backend.Stream) (*response, error) {
	resp := newResponse()
	if l.prefetch != nil {
		l.prefetch.Discard()
	}
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			if l.prefetch != nil {
				l.prefetch.Flush()
			}
			return resp, nil
		}
		if err != nil {
			return nil, err
		}

		switch ev := ev.(type) {
		case backend.TextDelta:
			l.setState(StateStreamingText)
			resp.text.WriteString(ev.Text)
			l.emit(progress.Update{Kind: progress.KindText, Message: ev.Text})
			if l.prefetch != nil {
				l.prefetch.Observe(ev.Text)
			}
		case backend.ToolCallStart:
			l.setState(StateStreamingTools)
			resp.start(ev.ID, ev.Name)
		case backend.ToolCallArguments:
			call, ok := resp.byID[ev.ID]
			if !ok {
				l.log.Warn("arguments for unknown tool call %q", ev.ID)
				continue
			}
			call.args.WriteString(ev.Fragment)
		case backend.ToolCallEnd:
			if _, ok := resp.byID[ev.ID]; !ok {
				l.log.Warn("end of unknown tool call %q", ev.ID)
			}
		case backend.Done:
			resp.usage = ev.Usage
			resp.stopReason = ev.StopReason
		}
	}
}

func (r *response) start(id, name string) {
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	streamID := id
	if _, dup := r.byID[id]; dup {
		// A repeated id would break result pairing. Later fragments for the
		// stream id belong to the newest call.
		id = id + "_" + uuid.NewString()[:8]
	}
	call := &pendingCall{id: id, name: name}
	r.calls = append(r.calls, call)
	r.byID[streamID] = call
	r.byID[id] = call
}
