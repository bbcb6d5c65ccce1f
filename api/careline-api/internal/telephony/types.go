// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_telephony

import (
	"context"
	"errors"
	"time"
)

// ErrControlPlaneUnavailable is returned when the control-plane circuit
// breaker is open. Callers fail fast; no network attempt is made.
var ErrControlPlaneUnavailable = errors.New("telephony: control plane unavailable")

// ChannelRef is an opaque handle to a call leg on the telephony provider
// (Asterisk channel id, Twilio CallSid).
type ChannelRef string

// EventType enumerates control-plane events delivered to subscribers.
type EventType string

const (
	EventStasisStart   EventType = "stasis_start"
	EventStateChanged  EventType = "state_changed"
	EventHangup        EventType = "hangup"
	EventDTMF          EventType = "dtmf"
	// EventChannelDead is synthesized after a control-connection reconcile
	// finds a subscribed channel no longer alive on the PBX.
	EventChannelDead EventType = "channel_dead"
)

// Channel state names as reported by the PBX.
const (
	StateRinging = "Ringing"
	StateUp      = "Up"
	StateDown    = "Down"
)

// Event is one control-plane occurrence scoped to a channel.
type Event struct {
	Type    EventType
	Channel ChannelRef
	State   string
	// Caller is the far-end number, set on inbound StasisStart events.
	Caller    string
	Cause     string
	Digit     string
	Timestamp time.Time
}

// ControlPlane is the telephony control surface the orchestrator drives.
// Exactly one long-lived implementation exists per process; its circuit
// breaker state is shared by all calls.
type ControlPlane interface {
	// OriginateCall dials the patient number. Fails fast with
	// ErrControlPlaneUnavailable while the breaker is open.
	OriginateCall(ctx context.Context, number string, callerID string, variables map[string]string) (ChannelRef, error)

	// Answer answers a ringing inbound channel.
	Answer(ctx context.Context, ref ChannelRef) error

	// CreateExternalMedia creates the PBX-side RTP leg pointed at the given
	// host:port, µ-law 8kHz.
	CreateExternalMedia(ctx context.Context, rtpHost string, rtpPort int) (ChannelRef, error)

	// Bridge joins the patient channel and the external media channel so
	// audio flows between them. Returns the bridge id for teardown.
	Bridge(ctx context.Context, a, b ChannelRef) (string, error)

	// DestroyBridge tears a bridge down. Idempotent on the PBX side.
	DestroyBridge(ctx context.Context, bridgeID string) error

	// Hangup ends a channel. Hanging up an already-gone channel is not an
	// error — teardown paths race with remote hangups.
	Hangup(ctx context.Context, ref ChannelRef) error

	// LiveChannels lists channels currently alive on the PBX. Used by the
	// reconnect reconcile and the orchestrator's reconciliation sweep.
	LiveChannels(ctx context.Context) (map[ChannelRef]struct{}, error)

	// Subscribe returns the event stream for one channel. Events arrive in
	// receipt order. Unsubscribe closes the stream.
	Subscribe(ref ChannelRef) <-chan Event
	Unsubscribe(ref ChannelRef)

	// Inbound streams StasisStart events for channels this process did not
	// create: incoming patient calls waiting to be answered.
	Inbound() <-chan Event
}

// Dialer is an alternate outbound-call provider (the Twilio path). It can
// only originate; events still arrive over the primary control plane once
// the provider leg lands on the PBX.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, toNumber, fromNumber string) (ChannelRef, error)
	CancelDial(ctx context.Context, ref ChannelRef) error
}
