// Package generation writes answers grounded in retrieved passages using an
// OpenAI-compatible chat completions endpoint.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/fyrsmithlabs/retaind/internal/config"
	"github.com/fyrsmithlabs/retaind/internal/errs"
)

const systemPrompt = `You are a helpful assistant that answers questions using only the provided document excerpts.

Rules:
1. Use only information from the provided context. Do not use outside knowledge.
2. Cite sources in the form "According to <document name>, Page <n>".
3. Quote directly when it helps accuracy.
4. If the context does not contain the answer, say "The provided documents don't contain information about this."`

// Generator produces an answer to question from context.
type Generator interface {
	Generate(ctx context.Context, question, context string) (string, error)
}

// OpenAI is a Generator backed by go-openai.
type OpenAI struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

// New creates an OpenAI generator from cfg.
func New(cfg config.GenerationConfig) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, errs.Validation("generation model required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey.Value())
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: 0.3,
		timeout:     cfg.Timeout.Duration(),
	}, nil
}

// Generate implements Generator. Failures are errs.ErrProvider.
func (g *OpenAI) Generate(ctx context.Context, question, passages string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", errs.Validation("question cannot be empty")
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(question, passages)},
		},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return "", errs.Provider("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", errs.Provider("chat completion", errors.New("no choices returned"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func userPrompt(question, passages string) string {
	return fmt.Sprintf("Based on the following document excerpts, please answer the question.\n\nQUESTION: %s\n\nDOCUMENT CONTEXT:\n%s\n\nANSWER:", question, passages)
}
