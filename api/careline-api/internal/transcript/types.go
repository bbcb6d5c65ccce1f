// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transcript

import (
	"time"
)

// Conversation status values.
const (
	ConversationActive    = "active"
	ConversationCompleted = "completed"
	ConversationFailed    = "failed"
)

// Conversation is one call attempt and its outcome.
type Conversation struct {
	ID string `gorm:"primaryKey;size:64"`
	// Direction is outbound or inbound.
	Direction   string `gorm:"size:16"`
	PatientName string `gorm:"size:255"`
	// ToNumber is the far-end number for either direction.
	ToNumber string `gorm:"size:32;index"`
	Status   string `gorm:"size:32;index"`
	// FailureReason is set only for failed conversations
	// (no_answer, ai_unavailable, ports_exhausted, control_plane_down).
	FailureReason string `gorm:"size:64"`
	Summary       string `gorm:"type:text"`

	StartedAt time.Time
	EndedAt   *time.Time
}

func (Conversation) TableName() string {
	return "careline_conversations"
}

// ConversationMessage is one finalized conversational turn.
//
// CreatedAt is stamped when the speaker STARTS talking and never changes;
// FinalizedAt records when the text arrived. Readers order by CreatedAt, so
// the transcript reflects who spoke first even when the provider finalizes
// turns out of order.
type ConversationMessage struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"size:64;index:idx_conversation_created,priority:1"`
	// Role is patient or assistant.
	Role string `gorm:"size:16"`
	Text string `gorm:"type:text"`

	CreatedAt   time.Time `gorm:"index:idx_conversation_created,priority:2"`
	FinalizedAt time.Time
}

func (ConversationMessage) TableName() string {
	return "careline_conversation_messages"
}
