// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_aibridge

import "time"

// Provider event types on the realtime socket. The schema is
// provider-defined and versioned; anything not listed here is ignorable.
const (
	eventSessionCreated      = "session.created"
	eventSessionUpdated      = "session.updated"
	eventError               = "error"
	eventResponseCreated     = "response.created"
	eventResponseDone        = "response.done"
	eventOutputAudioDelta    = "response.output_audio.delta"
	eventOutputAudioDeltaOld = "response.audio.delta"
	eventOutputTranscript    = "response.output_audio_transcript.done"
	eventSpeechStarted       = "input_audio_buffer.speech_started"
	eventSpeechStopped       = "input_audio_buffer.speech_stopped"
	eventInputTranscriptDone = "conversation.item.input_audio_transcription.completed"
)

// Client → provider message types.
const (
	typeSessionUpdate     = "session.update"
	typeInputAudioAppend  = "input_audio_buffer.append"
	typeResponseCreate    = "response.create"
)

// SpeakerRole identifies who is talking on the call.
type SpeakerRole string

const (
	RolePatient   SpeakerRole = "patient"
	RoleAssistant SpeakerRole = "assistant"
)

// SpeechEventType marks a speech boundary.
type SpeechEventType string

const (
	// SpeechStarted marks the onset of a conversational turn. The transcript
	// assembler stamps the turn's createdAt from this moment.
	SpeechStarted SpeechEventType = "started"
	// SpeechFinalized carries the finished text of a turn. Finalization
	// order across speakers is NOT arrival order.
	SpeechFinalized SpeechEventType = "finalized"
)

// SpeechEvent is a speech-boundary notification for the transcript
// assembler.
type SpeechEvent struct {
	Role      SpeakerRole
	Type      SpeechEventType
	TurnID    string
	Text      string
	Timestamp time.Time
}

// SessionEventType classifies session/control notifications for the
// orchestrator.
type SessionEventType string

const (
	// SessionReady: socket open and provider session configured.
	SessionReady SessionEventType = "ready"
	// SessionInterrupted: the patient started speaking over the assistant;
	// queued playback should be flushed.
	SessionInterrupted SessionEventType = "interrupted"
	// SessionRateLimited: provider rejected traffic; surfaced immediately,
	// the call fails fast rather than queuing.
	SessionRateLimited SessionEventType = "rate_limited"
	// SessionError: provider error fatal to this session only.
	SessionError SessionEventType = "error"
	// SessionLost: socket gone and the resume attempt failed. The
	// orchestrator ends the call gracefully.
	SessionLost SessionEventType = "lost"
)

// SessionEvent is a session/control notification.
type SessionEvent struct {
	Type    SessionEventType
	Message string
}

// providerEvent is the inbound message envelope.
type providerEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Session    *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`
	Response *struct {
		ID string `json:"id"`
	} `json:"response,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
