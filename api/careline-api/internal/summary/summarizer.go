// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rapidaai/careline/api/careline-api/config"
	internal_transcript "github.com/rapidaai/careline/api/careline-api/internal/transcript"
	"github.com/rapidaai/careline/pkg/commons"
)

const summaryInstructions = "You summarize check-in calls made to elderly patients. " +
	"Write 2-4 sentences for the care team: how the patient sounded, anything they " +
	"reported about medication, meals, sleep or pain, and anything that needs follow-up. " +
	"Do not invent details not present in the transcript."

// Summarizer produces a care-team summary from a finished call transcript.
type Summarizer struct {
	logger commons.Logger
	client openai.Client
	model  string
}

// NewSummarizer builds the post-call summarizer. Extra request options are
// passed through to the client (tests point it at a local server).
func NewSummarizer(cfg config.AIConfig, logger commons.Logger, opts ...option.RequestOption) *Summarizer {
	model := cfg.SummaryModel
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	clientOpts := append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	return &Summarizer{
		logger: logger,
		client: openai.NewClient(clientOpts...),
		model:  model,
	}
}

// Summarize renders the transcript and asks the model for the summary.
func (s *Summarizer) Summarize(ctx context.Context, messages []internal_transcript.ConversationMessage) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("cannot summarize an empty transcript")
	}
	started := time.Now()

	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Text)
		sb.WriteString("\n")
	}

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summaryInstructions),
			openai.UserMessage(sb.String()),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summary completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summary completion returned no choices")
	}

	s.logger.Benchmark("call_summary", time.Since(started))
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
