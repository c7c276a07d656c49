package simulation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentmux/agentmux/internal/common/config"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Generator produces one simulated agent's reply to an incoming
// message, given the agent's bounded conversation window.
type Generator interface {
	Generate(ctx context.Context, agent v1.SimAgent, window []v1.ConversationEntry, incoming string) (string, *v1.Usage, error)
}

// stubReply synthesizes a deterministic reply. The digest covers only
// (from, target, tick, content) so repeated runs with the same inputs
// produce byte-identical output.
func stubReply(from, target string, tick int, content string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", from, target, tick, content)))
	hash := hex.EncodeToString(sum[:])[:8]
	return fmt.Sprintf("[STUB] %s -> %s @ tick %d (%s)", from, target, tick, hash)
}

// defaultSystemPrompt returns the role's baseline instructions, used
// when a roster entry carries no system prompt of its own.
func defaultSystemPrompt(role v1.SimRole) string {
	switch role {
	case v1.RoleOrchestrator:
		return "You coordinate a team of coding agents. Break the incoming request into concrete instructions for your downstream agents. Reply in at most three sentences."
	case v1.RoleReviewer:
		return "You review work produced by other coding agents. Point out the most important problem, or approve. Reply in at most three sentences."
	case v1.RoleFixer:
		return "You fix problems reported by reviewers. Describe the fix you would apply. Reply in at most three sentences."
	case v1.RoleForeman:
		return "You supervise progress and report status upward. Summarize the state of the work. Reply in at most three sentences."
	default:
		return "You are a coding agent working on your part of a shared task. Reply with what you did or would do next, in at most three sentences."
	}
}

// MessagesClient is the subset of the Anthropic SDK used by the
// generator. It is satisfied by *sdk.MessageService so tests can pass
// a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicGenerator backs simulated agents with the Claude Messages
// API: the role's system prompt, the window as alternating
// user/assistant turns, and the incoming message as the final user
// turn.
type AnthropicGenerator struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// NewAnthropicGenerator builds a model-backed generator, or returns
// nil when no API key is configured so the engine stays in stub mode.
func NewAnthropicGenerator(cfg config.SimulationConfig) *AnthropicGenerator {
	if cfg.AnthropicAPIKey == "" {
		return nil
	}
	client := sdk.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
	return newAnthropicGenerator(&client.Messages, cfg)
}

func newAnthropicGenerator(msg MessagesClient, cfg config.SimulationConfig) *AnthropicGenerator {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicGenerator{
		msg:          msg,
		defaultModel: cfg.DefaultModel,
		maxTokens:    maxTokens,
		temperature:  cfg.DefaultTemperature,
	}
}

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, agent v1.SimAgent, window []v1.ConversationEntry, incoming string) (string, *v1.Usage, error) {
	system := agent.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt(agent.Role)
	}
	model := agent.ModelLabel
	if model == "" {
		model = g.defaultModel
	}
	if model == "" {
		return "", nil, fmt.Errorf("no model configured for agent %s", agent.AgentID)
	}

	msgs := make([]sdk.MessageParam, 0, len(window)+1)
	for _, entry := range window {
		if entry.Content == "" {
			continue
		}
		block := sdk.NewTextBlock(entry.Content)
		if entry.Role == "assistant" {
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, sdk.NewUserMessage(block))
		}
	}
	msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(incoming)))

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(g.maxTokens),
		Messages:  msgs,
		System:    []sdk.TextBlockParam{{Text: system}},
	}
	if g.temperature > 0 {
		params.Temperature = sdk.Float(g.temperature)
	}

	resp, err := g.msg.New(ctx, params)
	if err != nil {
		return "", nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", nil, fmt.Errorf("anthropic returned no text content")
	}

	usage := &v1.Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}
	return text.String(), usage, nil
}
