package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
)

// GenerativeModel is the part of *genai.GenerativeModel the Gemini
// completer depends on.
type GenerativeModel interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type GeminiConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// GeminiCompleter sends the conversation to a Gemini model. System turns
// become the model's system instruction.
type GeminiCompleter struct {
	newModel func(system string) GenerativeModel
}

func NewGeminiCompleter(client *genai.Client, cfg GeminiConfig) *GeminiCompleter {
	return &GeminiCompleter{
		newModel: func(system string) GenerativeModel {
			model := client.GenerativeModel(cfg.Model)
			model.SetMaxOutputTokens(int32(cfg.MaxTokens))
			model.SetTemperature(float32(cfg.Temperature))
			if system != "" {
				model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
			}
			return model
		},
	}
}

func (c *GeminiCompleter) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	var system []string
	var parts []genai.Part
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		parts = append(parts, genai.Text(m.Content))
	}
	if len(parts) == 0 {
		return nil, errors.New("no user content to send")
	}

	resp, err := c.newModel(strings.Join(system, "\n")).GenerateContent(ctx, parts...)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, p := range resp.Candidates[0].Content.Parts {
			if t, ok := p.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
	}
	if sb.Len() == 0 {
		return nil, errors.New("completion returned no text")
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return &Completion{Text: strings.TrimSpace(sb.String()), TokensUsed: tokens}, nil
}
