// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/rapidaai/careline/pkg/commons"
	"github.com/rapidaai/careline/pkg/connectors"
	"github.com/rapidaai/careline/pkg/utils"
)

// Store persists conversations and their transcripts.
type Store struct {
	logger    commons.Logger
	connector connectors.PostgresConnector
}

// NewStore creates the transcript store and migrates its tables.
func NewStore(connector connectors.PostgresConnector, logger commons.Logger) (*Store, error) {
	store := &Store{logger: logger, connector: connector}
	if err := connector.DB(context.Background()).AutoMigrate(
		&Conversation{},
		&ConversationMessage{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate transcript tables: %w", err)
	}
	return store, nil
}

// CreateConversation records a call attempt at dial time.
func (s *Store) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.Status == "" {
		conv.Status = ConversationActive
	}
	if conv.StartedAt.IsZero() {
		conv.StartedAt = time.Now()
	}
	if err := s.connector.DB(ctx).Create(conv).Error; err != nil {
		return fmt.Errorf("failed to create conversation %s: %w", conv.ID, err)
	}
	return nil
}

// AppendMessage persists one finalized turn.
func (s *Store) AppendMessage(ctx context.Context, msg *ConversationMessage) error {
	if err := s.connector.DB(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to append message to conversation %s: %w",
			msg.ConversationID, err)
	}
	return nil
}

// MarkConversationEnded finalizes the conversation row. Idempotent: a second
// call for the same conversation keeps the first outcome.
func (s *Store) MarkConversationEnded(ctx context.Context, conversationID, status, failureReason string) error {
	result := s.connector.DB(ctx).
		Model(&Conversation{}).
		Where("id = ? AND ended_at IS NULL", conversationID).
		Updates(map[string]interface{}{
			"status":         status,
			"failure_reason": failureReason,
			"ended_at":       utils.Ptr(time.Now()),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to end conversation %s: %w", conversationID, result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Debugw("Conversation already ended", "conversation", conversationID)
	}
	return nil
}

// SetSummary stores the post-call summary.
func (s *Store) SetSummary(ctx context.Context, conversationID, summary string) error {
	if err := s.connector.DB(ctx).
		Model(&Conversation{}).
		Where("id = ?", conversationID).
		Update("summary", summary).Error; err != nil {
		return fmt.Errorf("failed to set summary for conversation %s: %w", conversationID, err)
	}
	return nil
}

// GetConversation loads one conversation row.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	if err := s.connector.DB(ctx).
		Where("id = ?", conversationID).
		First(&conv).Error; err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	return &conv, nil
}

// GetTranscript returns the conversation's turns ordered by when each
// speaker started talking.
func (s *Store) GetTranscript(ctx context.Context, conversationID string) ([]ConversationMessage, error) {
	var messages []ConversationMessage
	if err := s.connector.DB(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to load transcript for conversation %s: %w",
			conversationID, err)
	}
	return messages, nil
}
