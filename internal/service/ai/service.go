package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"shopassist/internal/config"
	"shopassist/internal/models"
)

// ErrModelStream marks a failure while reading an already open model
// stream.
var ErrModelStream = errors.New("model processing failed")

// Emitter receives the pieces of a response as they are generated.
type Emitter interface {
	Text(delta string) error
	Part(p models.Part) error
}

// Service streams assistant responses from a chat model, running tools
// through a react agent when any are configured.
type Service struct {
	chatModel    model.ToolCallingChatModel
	agent        *react.Agent
	tools        []tool.BaseTool
	systemPrompt string
	log          zerolog.Logger
}

type modelFactory func(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error)

const claudeMaxTokens = 3000

var modelFactories = map[string]modelFactory{
	"openai": func(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	},
	"gemini": func(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client:         client,
			Model:          cfg.Model,
			ThinkingConfig: &genai.ThinkingConfig{IncludeThoughts: true},
		})
	},
	"claude": func(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
		c := &claude.Config{APIKey: cfg.APIKey, Model: cfg.Model, MaxTokens: claudeMaxTokens}
		if cfg.BaseURL != "" {
			baseURL := cfg.BaseURL
			c.BaseURL = &baseURL
		}
		return claude.NewChatModel(ctx, c)
	},
}

// NewChatModel builds the eino chat model for a provider: openai, gemini
// or claude.
func NewChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	build, ok := modelFactories[provider]
	if !ok {
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	m, err := build(ctx, provCfg)
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", provider, err)
	}
	return m, nil
}

// NewService wraps chatModel. Tools, when present, are observed so every
// call is reported to the emitter as a tool invocation part.
func NewService(ctx context.Context, chatModel model.ToolCallingChatModel, tools []tool.BaseTool, systemPrompt string, log zerolog.Logger) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	s := &Service{
		chatModel:    chatModel,
		systemPrompt: systemPrompt,
		log:          log.With().Str("component", "ai").Logger(),
	}
	for _, t := range tools {
		if it, ok := t.(tool.InvokableTool); ok {
			s.tools = append(s.tools, observe(it))
		}
	}
	if len(s.tools) > 0 {
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: s.tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		s.agent = agent
	}
	return s, nil
}

// Tools lists the tools the service can call.
func (s *Service) Tools() []tool.BaseTool {
	return s.tools
}

// StreamChat generates a response to history, reporting it through emit.
// A step-start part opens the response; reasoning collected before the
// first text is sent once as a single part.
func (s *Service) StreamChat(ctx context.Context, history []models.Message, emit Emitter) error {
	if len(history) == 0 {
		return errors.New("history cannot be empty")
	}
	ctx = withToolObserver(ctx, func(inv models.ToolInvocation) {
		if err := emit.Part(models.Part{Type: models.PartToolInvocation, ToolInvocation: &inv}); err != nil {
			s.log.Debug().Err(err).Str("tool", inv.ToolName).Msg("tool part not delivered")
		}
	})

	sr, err := s.open(ctx, s.convertMessages(history))
	if err != nil {
		return fmt.Errorf("generate ai stream failed: %w", err)
	}
	defer sr.Close()

	if err := emit.Part(models.Part{Type: models.PartStepStart}); err != nil {
		return err
	}
	r := relay{emit: emit}
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrModelStream, err)
		}
		if err := r.forward(chunk); err != nil {
			return err
		}
	}
}

func (s *Service) open(ctx context.Context, input []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	if s.agent != nil {
		return s.agent.Stream(ctx, input)
	}
	return s.chatModel.Stream(ctx, input)
}

// relay turns model chunks into emitter calls.
type relay struct {
	emit      Emitter
	reasoning strings.Builder
	flushed   bool
}

func (r *relay) forward(chunk *schema.Message) error {
	if chunk == nil {
		return nil
	}
	r.reasoning.WriteString(chunk.ReasoningContent)
	if chunk.Content == "" {
		return nil
	}
	if !r.flushed && r.reasoning.Len() > 0 {
		r.flushed = true
		if err := r.emit.Part(models.Part{Type: models.PartReasoning, Reasoning: r.reasoning.String()}); err != nil {
			return err
		}
	}
	return r.emit.Text(chunk.Content)
}

var schemaRoles = map[models.Role]schema.RoleType{
	models.RoleUser:      schema.User,
	models.RoleAssistant: schema.Assistant,
	models.RoleSystem:    schema.System,
}

// convertMessages prepends the system prompt and drops client notices and
// messages without text.
func (s *Service) convertMessages(history []models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history)+1)
	if s.systemPrompt != "" {
		out = append(out, schema.SystemMessage(s.systemPrompt))
	}
	for _, msg := range history {
		text := msg.Text()
		if msg.Synthetic || text == "" {
			continue
		}
		role, ok := schemaRoles[msg.Role]
		if !ok {
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: text})
	}
	return out
}
