// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import "fmt"

// State is the lifecycle state of one call session.
type State string

const (
	// StateDialing: resources acquired, outbound leg being placed.
	StateDialing State = "dialing"
	// StateRinging: the patient's phone is ringing.
	StateRinging State = "ringing"
	// StateConnected: the patient answered; media legs being set up.
	StateConnected State = "connected"
	// StateBridged: media legs joined, AI session open, no audio yet.
	StateBridged State = "bridged"
	// StateActive: first audio frame exchanged; the conversation is live.
	StateActive State = "active"
	// StateEnding: teardown in progress.
	StateEnding State = "ending"
	// StateEnded: terminal, call completed.
	StateEnded State = "ended"
	// StateFailed: terminal, call never completed; FailureReason says why.
	StateFailed State = "failed"
)

// Call directions.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Failure reasons recorded on failed conversations.
const (
	ReasonNoAnswer         = "no_answer"
	ReasonAIUnavailable    = "ai_unavailable"
	ReasonPortsExhausted   = "ports_exhausted"
	ReasonControlPlaneDown = "control_plane_down"
	ReasonMediaFailure     = "media_failure"
)

// transitions is the legal state graph. Anything not listed is rejected;
// a rejected transition is a bug in the caller, not a recoverable condition.
var transitions = map[State][]State{
	StateDialing:   {StateRinging, StateConnected, StateEnding, StateFailed},
	StateRinging:   {StateConnected, StateEnding, StateFailed},
	StateConnected: {StateBridged, StateEnding, StateFailed},
	StateBridged:   {StateActive, StateEnding, StateFailed},
	StateActive:    {StateEnding},
	StateEnding:    {StateEnded, StateFailed},
	StateEnded:     {},
	StateFailed:    {},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// canTransition checks the state graph.
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// illegalTransitionError describes a rejected state change.
func illegalTransitionError(sessionID string, from, to State) error {
	return fmt.Errorf("session %s: illegal transition %s -> %s", sessionID, from, to)
}
