package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"content-curator/internal/ratelimit"
)

const rewriteSystemInstruction = "你是 AFP 逻辑架构师，负责将非结构化语料转为结构化深度文稿。只输出 Markdown 正文。"

// GeminiService is the production Generator.
type GeminiService struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	limiter *ratelimit.Limiter
}

func NewGeminiService(ctx context.Context, apiKey, modelName string, limiter *ratelimit.Limiter, opts ...option.ClientOption) (*GeminiService, error) {
	clientOpts := append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	client, err := genai.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	if modelName == "" {
		modelName = "gemini-3-flash-preview"
	}
	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.3)
	model.SetTopP(0.95)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(rewriteSystemInstruction)}}

	if limiter == nil {
		limiter = ratelimit.New("gemini", 60)
	}

	return &GeminiService{
		client:  client,
		model:   model,
		limiter: limiter,
	}, nil
}

func (s *GeminiService) Close() {
	s.client.Close()
}

// Generate issues one synchronous call and returns the concatenated text.
func (s *GeminiService) Generate(ctx context.Context, prompt string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := s.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("Gemini API error: %w", err)
	}

	for i, cand := range resp.Candidates {
		if cand.FinishReason != genai.FinishReasonStop {
			slog.Warn("Gemini stopped early", slog.Int("candidate", i), slog.String("reason", cand.FinishReason.String()))
		}
	}

	text := strings.TrimSpace(extractText(resp))
	if text == "" {
		return "", fmt.Errorf("Gemini returned no text")
	}
	return text, nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
