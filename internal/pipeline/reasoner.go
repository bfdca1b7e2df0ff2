package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/memgo-dev/memgo/pkg/memorybank"
	"github.com/memgo-dev/memgo/pkg/session"
)

// RecallFunc lets a reasoner query archived memory mid-turn with its own
// query. It is only provided in on-demand retrieval mode.
type RecallFunc func(ctx context.Context, query string) (*memorybank.RetrievalResult, error)

// Prompt carries everything a reasoner may use to produce a reply.
type Prompt struct {
	// History is the session transcript before the current message.
	History []*session.Turn
	// Message is the current user message.
	Message string
	// Memory holds eagerly retrieved records, nil or empty otherwise.
	Memory *memorybank.RetrievalResult
	// Recall is non-nil in on-demand mode.
	Recall RecallFunc
}

// Reasoner produces the agent reply for one turn.
type Reasoner interface {
	Respond(ctx context.Context, p Prompt) (string, error)
}

// ReasonerFunc adapts a function to the Reasoner interface.
type ReasonerFunc func(ctx context.Context, p Prompt) (string, error)

func (f ReasonerFunc) Respond(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

// NewEchoReasoner returns a deterministic reasoner for local development
// and tests. It acknowledges the message and cites any memory it was
// given; in on-demand mode it recalls with the raw message first.
func NewEchoReasoner() Reasoner {
	return ReasonerFunc(func(ctx context.Context, p Prompt) (string, error) {
		memory := p.Memory
		if memory.Empty() && p.Recall != nil {
			recalled, err := p.Recall(ctx, p.Message)
			if err == nil {
				memory = recalled
			}
		}

		var b strings.Builder
		b.WriteString("You said: ")
		b.WriteString(p.Message)
		if !memory.Empty() {
			fmt.Fprintf(&b, " (recalling %d earlier conversation", len(memory.Records))
			if len(memory.Records) > 1 {
				b.WriteByte('s')
			}
			b.WriteByte(')')
		}
		return b.String(), nil
	})
}

// OpenAIClient is the chat completion surface the OpenAI reasoner needs.
// Satisfied by *openai.Client; narrowed for testability.
type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIReasoner replies with an OpenAI chat model. Eagerly retrieved
// memory is injected into the system prompt; in on-demand mode the model
// is given a load_memory tool and decides itself when to consult memory.
type OpenAIReasoner struct {
	client OpenAIClient
	model  string
	system string
}

const defaultSystemPrompt = "You are a helpful assistant. Use the provided " +
	"past-conversation context when it is relevant, and say so when you rely on it."

// loadMemoryTool is the tool definition exposed in on-demand mode.
var loadMemoryTool = openai.Tool{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        "load_memory",
		Description: "Search the user's past conversations for relevant context.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "What to search past conversations for"}
			},
			"required": ["query"]
		}`),
	},
}

// NewOpenAIReasoner creates a reasoner backed by the OpenAI API.
func NewOpenAIReasoner(apiKey, model string) (*OpenAIReasoner, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	return NewOpenAIReasonerWithClient(openai.NewClient(apiKey), model), nil
}

// NewOpenAIReasonerWithClient creates a reasoner with a custom client
// (useful for testing).
func NewOpenAIReasonerWithClient(client OpenAIClient, model string) *OpenAIReasoner {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIReasoner{
		client: client,
		model:  model,
		system: defaultSystemPrompt,
	}
}

// Respond produces the reply for one turn. In on-demand mode the model may
// call load_memory; the loop is bounded so a confused model cannot spin.
func (r *OpenAIReasoner) Respond(ctx context.Context, p Prompt) (string, error) {
	messages := r.buildMessages(p)

	req := openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: messages,
	}
	if p.Recall != nil {
		req.Tools = []openai.Tool{loadMemoryTool}
	}

	const maxToolRounds = 3
	for round := 0; ; round++ {
		resp, err := r.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("no choices in response")
		}

		choice := resp.Choices[0]
		if len(choice.Message.ToolCalls) == 0 || p.Recall == nil || round >= maxToolRounds {
			return choice.Message.Content, nil
		}

		req.Messages = append(req.Messages, choice.Message)
		for _, call := range choice.Message.ToolCalls {
			content, err := r.runToolCall(ctx, p.Recall, call)
			if err != nil {
				content = fmt.Sprintf("memory lookup failed: %v", err)
			}
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    content,
			})
		}
	}
}

func (r *OpenAIReasoner) buildMessages(p Prompt) []openai.ChatCompletionMessage {
	system := r.system
	if !p.Memory.Empty() {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\nRelevant past conversations:\n")
		for _, rec := range p.Memory.Records {
			b.WriteString(rec.Record.Content)
			b.WriteString("\n---\n")
		}
		system = b.String()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(p.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})

	for _, turn := range p.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == session.RoleAgent {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}

	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: p.Message,
	})
}

func (r *OpenAIReasoner) runToolCall(ctx context.Context, recall RecallFunc, call openai.ToolCall) (string, error) {
	if call.Function.Name != "load_memory" {
		return "", fmt.Errorf("unknown tool: %s", call.Function.Name)
	}

	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return "", fmt.Errorf("parse tool arguments: %w", err)
	}

	result, err := recall(ctx, args.Query)
	if err != nil {
		return "", err
	}
	if result.Empty() {
		return "No relevant past conversations found.", nil
	}

	var b strings.Builder
	for _, rec := range result.Records {
		b.WriteString(rec.Record.Content)
		b.WriteString("\n---\n")
	}
	return b.String(), nil
}
