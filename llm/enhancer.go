// Package llm runs the optional language-model quality pass over a draft
// translation. Callers treat any failure here as nonessential and fall back
// to the draft.
package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type Request struct {
	Original   string
	Draft      string
	SourceLang string
	TargetLang string
}

type Enhancer interface {
	Enhance(ctx context.Context, req Request) (string, error)
}

type OpenAIEnhancer struct {
	client *openai.Client
	model  string
}

func NewOpenAIEnhancer(apiKey string) *OpenAIEnhancer {
	return &OpenAIEnhancer{
		client: openai.NewClient(apiKey),
		model:  openai.GPT4oMini,
	}
}

const systemPrompt = `You polish machine translations for spoken conversation.
Given the original utterance and a draft translation, return only the improved
translation in the target language: natural, idiomatic, same meaning, no
commentary.`

func (e *OpenAIEnhancer) Enhance(ctx context.Context, req Request) (string, error) {
	prompt := fmt.Sprintf(
		"Original (%s): %s\nDraft translation (%s): %s",
		req.SourceLang, req.Original, req.TargetLang, req.Draft,
	)

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   512,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("enhancement request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("enhancement returned no choices")
	}

	improved := strings.TrimSpace(resp.Choices[0].Message.Content)
	if improved == "" {
		return "", fmt.Errorf("enhancement returned empty text")
	}
	return improved, nil
}
