package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"agentchat/internal/config"
	"agentchat/internal/logging"
	"agentchat/internal/models"
)

const claudeMaxTokens = 3000

// Model answers with an eino chat model, wrapped in a ReAct agent when tools
// are available.
type Model struct {
	chatModel    model.ToolCallingChatModel
	agent        *react.Agent
	systemPrompt string
	provider     string
}

// New picks the agent for cfg. A missing provider or api key yields Echo.
func New(ctx context.Context, cfg *config.Config) (Agent, error) {
	log := logging.FromContext(ctx)
	provider := strings.ToLower(strings.TrimSpace(cfg.Agent.Provider))
	if provider == "" || provider == "echo" {
		log.Info("agent: using echo agent")
		return Echo{}, nil
	}
	provCfg, ok := cfg.Providers[provider]
	if !ok || provCfg.APIKey == "" {
		log.Warn("agent: provider has no api key, using echo agent", zap.String("provider", provider))
		return Echo{}, nil
	}

	var tools []tool.BaseTool
	if cfg.Agent.WebSearch {
		tools = InitToolsChain(ctx, cfg.Agent)
	}
	return NewModel(ctx, provider, provCfg, cfg.Agent.SystemPrompt, tools)
}

// NewModel builds a provider backed agent.
func NewModel(ctx context.Context, provider string, provCfg config.ProviderConfig, systemPrompt string, tools []tool.BaseTool) (*Model, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURL *string
		if provCfg.BaseURL != "" {
			baseURL = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURL,
			MaxTokens: claudeMaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", provider, err)
	}

	m := &Model{chatModel: chatModel, systemPrompt: systemPrompt, provider: provider}
	if len(tools) > 0 {
		m.agent, err = react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
	}
	return m, nil
}

func (m *Model) Reply(ctx context.Context, history []*models.Message) (string, error) {
	if _, ok := LastUserText(history); !ok {
		return "", ErrNoInput
	}
	input := ConvertMessages(m.systemPrompt, history)

	var (
		out *schema.Message
		err error
	)
	if m.agent != nil {
		out, err = m.agent.Generate(ctx, input)
	} else {
		out, err = m.chatModel.Generate(ctx, input)
	}
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", m.provider, err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", errors.New(m.provider + " returned an empty reply")
	}
	return out.Content, nil
}

// ConvertMessages maps stored messages to eino messages. Images are passed
// as their caption since the reply is text only.
func ConvertMessages(systemPrompt string, history []*models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, &schema.Message{Role: schema.System, Content: systemPrompt})
	}
	for _, msg := range history {
		if msg == nil {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		content := msg.Content.Text
		if msg.Content.Type == models.ContentImage {
			content = "[image: " + msg.Content.Caption + "]"
		}
		messages = append(messages, &schema.Message{Role: role, Content: content})
	}
	return messages
}
