package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/codefionn/turnloop/internal/conversation"
	"github.com/codefionn/turnloop/internal/logger"
	"github.com/google/uuid"
	"google.golang.org/genai"
)

const defaultGoogleModel = "gemini-2.5-flash"

// Google streams responses from the Gemini API.
type Google struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

// NewGoogle creates a Gemini backend.
func NewGoogle(ctx context.Context, cfg Config) (*Google, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("google backend requires an API key")
	}
	model := strings.TrimPrefix(strings.TrimSpace(cfg.Model), "models/")
	if model == "" {
		model = defaultGoogleModel
	}

	clientCfg := &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google GenAI client: %w", err)
	}
	return &Google{client: client, model: model, maxTokens: int32(cfg.MaxTokens)}, nil
}

func (g *Google) Send(ctx context.Context, req Request) (Stream, error) {
	contents := googleContents(req.Messages)
	if len(contents) == 0 {
		return nil, &TransportError{Provider: "google", Err: fmt.Errorf("request has no messages")}
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if g.maxTokens > 0 {
		cfg.MaxOutputTokens = g.maxTokens
	}
	if tools := googleTools(req.Tools); len(tools) > 0 {
		cfg.Tools = tools
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		}
	}

	logger.Debug("google: sending %d contents, %d tools", len(contents), len(req.Tools))
	return newGoogleStream(g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg)), nil
}

type googleStream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	usage   Usage
	reason  string
	pending []Event
	done    bool
}

func newGoogleStream(seq iter.Seq2[*genai.GenerateContentResponse, error]) *googleStream {
	next, stop := iter.Pull2(seq)
	return &googleStream{next: next, stop: stop}
}

func (s *googleStream) Next() (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}

		resp, err, ok := s.next()
		if !ok {
			s.done = true
			s.stop()
			s.pending = append(s.pending, Done{Usage: s.usage, StopReason: s.reason})
			continue
		}
		if err != nil {
			return nil, transportError("google", err)
		}
		s.pending = append(s.pending, s.translate(resp)...)
	}
}

func (s *googleStream) translate(resp *genai.GenerateContentResponse) []Event {
	if resp == nil {
		return nil
	}
	if resp.UsageMetadata != nil {
		s.usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		s.reason = string(cand.FinishReason)
	}

	var events []Event
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.Text != "" {
			events = append(events, TextDelta{Text: part.Text})
		}
		if fc := part.FunctionCall; fc != nil {
			// Gemini delivers each call whole.
			id := fc.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			args, err := json.Marshal(fc.Args)
			if err != nil || fc.Args == nil {
				args = []byte("{}")
			}
			events = append(events,
				ToolCallStart{ID: id, Name: fc.Name},
				ToolCallArguments{ID: id, Fragment: string(args)},
				ToolCallEnd{ID: id},
			)
		}
	}
	return events
}

func (s *googleStream) Close() error {
	s.done = true
	s.pending = nil
	s.stop()
	return nil
}

// googleContents converts the history. Function responses need the tool
// name, which is looked up from the matching invocation.
func googleContents(msgs []conversation.Message) []*genai.Content {
	names := make(map[string]string)
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if m.Role == conversation.RoleAssistant {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		for _, b := range m.Content {
			switch b.Type {
			case conversation.BlockText:
				if b.Text != "" {
					parts = append(parts, genai.NewPartFromText(b.Text))
				}
			case conversation.BlockInvocation:
				names[b.Invocation.ID] = b.Invocation.Name
				part := genai.NewPartFromFunctionCall(b.Invocation.Name, argumentsObject(b.Invocation.Arguments))
				part.FunctionCall.ID = b.Invocation.ID
				parts = append(parts, part)
			case conversation.BlockResult:
				key := "output"
				if b.Result.IsError {
					key = "error"
				}
				part := genai.NewPartFromFunctionResponse(names[b.Result.InvocationID], map[string]any{key: b.Result.Payload})
				part.FunctionResponse.ID = b.Result.InvocationID
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, genai.NewContentFromParts(parts, role))
	}
	return out
}

func googleTools(schemas []ToolSchema) []*genai.Tool {
	if len(schemas) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: s.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
