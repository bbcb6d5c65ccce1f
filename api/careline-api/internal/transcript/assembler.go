// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transcript

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	internal_aibridge "github.com/rapidaai/careline/api/careline-api/internal/aibridge"
	"github.com/rapidaai/careline/pkg/commons"
)

// Sink persists finalized turns. The assembler keeps working when the sink
// errors; a transcript write failure must not end a live call.
type Sink interface {
	AppendMessage(ctx context.Context, msg *ConversationMessage) error
}

// Assembler turns raw speech-boundary events into an ordered transcript.
//
// A turn opens as a placeholder when its speaker starts talking; its
// createdAt is stamped then, exactly once. The finalized text may arrive much
// later, and turns of different speakers finalize out of order (the patient's
// transcription can lag the assistant's), so emission order is createdAt
// order, never finalization order.
type Assembler struct {
	logger         commons.Logger
	conversationID string
	sink           Sink

	mu sync.Mutex
	// open holds placeholders keyed by role+turnID until their text arrives.
	open  map[string]*ConversationMessage
	final []*ConversationMessage

	now func() time.Time
}

// NewAssembler creates an assembler for one conversation. sink may be nil
// when persistence is not wired (tests, dry runs).
func NewAssembler(conversationID string, sink Sink, logger commons.Logger) *Assembler {
	return &Assembler{
		logger:         logger,
		conversationID: conversationID,
		sink:           sink,
		open:           make(map[string]*ConversationMessage),
		now:            time.Now,
	}
}

func turnKey(role internal_aibridge.SpeakerRole, turnID string) string {
	return string(role) + "|" + turnID
}

// Observe applies one speech-boundary event.
func (a *Assembler) Observe(ctx context.Context, ev internal_aibridge.SpeechEvent) {
	switch ev.Type {
	case internal_aibridge.SpeechStarted:
		a.openTurn(ev)
	case internal_aibridge.SpeechFinalized:
		a.finalizeTurn(ctx, ev)
	default:
		a.logger.Debugw("Ignoring speech event", "type", string(ev.Type))
	}
}

func (a *Assembler) openTurn(ev internal_aibridge.SpeechEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := turnKey(ev.Role, ev.TurnID)
	if _, exists := a.open[key]; exists {
		// Duplicate start for the same turn; the first stamp wins.
		return
	}

	createdAt := ev.Timestamp
	if createdAt.IsZero() {
		createdAt = a.now()
	}
	a.open[key] = &ConversationMessage{
		ID:             uuid.NewString(),
		ConversationID: a.conversationID,
		Role:           string(ev.Role),
		CreatedAt:      createdAt,
	}
}

func (a *Assembler) finalizeTurn(ctx context.Context, ev internal_aibridge.SpeechEvent) {
	a.mu.Lock()

	key := turnKey(ev.Role, ev.TurnID)
	msg, exists := a.open[key]
	if !exists {
		// Text for a turn whose start we never saw. Admit it with the
		// finalization time as its best-known start.
		createdAt := ev.Timestamp
		if createdAt.IsZero() {
			createdAt = a.now()
		}
		msg = &ConversationMessage{
			ID:             uuid.NewString(),
			ConversationID: a.conversationID,
			Role:           string(ev.Role),
			CreatedAt:      createdAt,
		}
	}
	delete(a.open, key)

	msg.Text = ev.Text
	finalizedAt := ev.Timestamp
	if finalizedAt.IsZero() {
		finalizedAt = a.now()
	}
	msg.FinalizedAt = finalizedAt
	a.final = append(a.final, msg)
	a.mu.Unlock()

	if a.sink != nil {
		if err := a.sink.AppendMessage(ctx, msg); err != nil {
			a.logger.Error("Transcript write failed, call continues",
				"conversation", a.conversationID,
				"message", msg.ID,
				"error", err)
		}
	}
}

// Run consumes events until the stream closes or ctx ends.
func (a *Assembler) Run(ctx context.Context, events <-chan internal_aibridge.SpeechEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.Observe(ctx, ev)
		}
	}
}

// Transcript returns the finalized turns ordered by when each speaker
// started talking. Unfinalized placeholders are excluded.
func (a *Assembler) Transcript() []ConversationMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]ConversationMessage, 0, len(a.final))
	for _, msg := range a.final {
		out = append(out, *msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Abandoned reports how many turns opened but never got text (call ended
// mid-utterance). Used for teardown logging.
func (a *Assembler) Abandoned() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}
