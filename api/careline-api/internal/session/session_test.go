// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_aibridge "github.com/rapidaai/careline/api/careline-api/internal/aibridge"
	internal_audio "github.com/rapidaai/careline/api/careline-api/internal/audio"
	internal_rtp "github.com/rapidaai/careline/api/careline-api/internal/rtp"
	internal_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony"
	internal_transcript "github.com/rapidaai/careline/api/careline-api/internal/transcript"
	"github.com/rapidaai/careline/pkg/commons"
)

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(
		commons.Name("test-session"),
		commons.Path(t.TempDir()),
		commons.Level("debug"),
		commons.Console(false),
	)
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return logger
}

// fakeControl is an in-memory control plane.
type fakeControl struct {
	mu           sync.Mutex
	subs         map[internal_telephony.ChannelRef]chan internal_telephony.Event
	originated   int
	originateErr error
	answered     map[internal_telephony.ChannelRef]int
	answerErr    error
	mediaCreated int
	bridged      int
	destroyed    int
	hangups      map[internal_telephony.ChannelRef]int
	live         map[internal_telephony.ChannelRef]struct{}
	inbound      chan internal_telephony.Event
}

func newFakeControl() *fakeControl {
	return &fakeControl{
		subs:     make(map[internal_telephony.ChannelRef]chan internal_telephony.Event),
		answered: make(map[internal_telephony.ChannelRef]int),
		hangups:  make(map[internal_telephony.ChannelRef]int),
		live:     make(map[internal_telephony.ChannelRef]struct{}),
		inbound:  make(chan internal_telephony.Event, 4),
	}
}

func (f *fakeControl) OriginateCall(_ context.Context, _, _ string, _ map[string]string) (internal_telephony.ChannelRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.originateErr != nil {
		return "", f.originateErr
	}
	f.originated++
	ref := internal_telephony.ChannelRef(fmt.Sprintf("patient-%d", f.originated))
	f.live[ref] = struct{}{}
	return ref, nil
}

func (f *fakeControl) Answer(_ context.Context, ref internal_telephony.ChannelRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerErr != nil {
		return f.answerErr
	}
	f.answered[ref]++
	f.live[ref] = struct{}{}
	return nil
}

func (f *fakeControl) Inbound() <-chan internal_telephony.Event { return f.inbound }

func (f *fakeControl) CreateExternalMedia(_ context.Context, _ string, _ int) (internal_telephony.ChannelRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaCreated++
	ref := internal_telephony.ChannelRef(fmt.Sprintf("media-%d", f.mediaCreated))
	f.live[ref] = struct{}{}
	return ref, nil
}

func (f *fakeControl) Bridge(_ context.Context, _, _ internal_telephony.ChannelRef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridged++
	return fmt.Sprintf("bridge-%d", f.bridged), nil
}

func (f *fakeControl) DestroyBridge(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

func (f *fakeControl) Hangup(_ context.Context, ref internal_telephony.ChannelRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups[ref]++
	delete(f.live, ref)
	return nil
}

func (f *fakeControl) LiveChannels(context.Context) (map[internal_telephony.ChannelRef]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[internal_telephony.ChannelRef]struct{}, len(f.live))
	for ref := range f.live {
		out[ref] = struct{}{}
	}
	return out, nil
}

func (f *fakeControl) Subscribe(ref internal_telephony.ChannelRef) <-chan internal_telephony.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.subs[ref]; ok {
		return existing
	}
	ch := make(chan internal_telephony.Event, 16)
	f.subs[ref] = ch
	return ch
}

func (f *fakeControl) Unsubscribe(ref internal_telephony.ChannelRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[ref]; ok {
		delete(f.subs, ref)
		close(ch)
	}
}

func (f *fakeControl) emit(ref internal_telephony.ChannelRef, ev internal_telephony.Event) {
	f.mu.Lock()
	ch, ok := f.subs[ref]
	f.mu.Unlock()
	if ok {
		ev.Channel = ref
		ch <- ev
	}
}

func (f *fakeControl) dropChannel(ref internal_telephony.ChannelRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, ref)
}

func (f *fakeControl) firstChannel() internal_telephony.ChannelRef {
	return internal_telephony.ChannelRef("patient-1")
}

// fakeAI is an in-memory realtime leg.
type fakeAI struct {
	connectErr error

	mu     sync.Mutex
	sent   []internal_audio.Frame
	closed int

	audioOut chan internal_audio.Frame
	speech   chan internal_aibridge.SpeechEvent
	events   chan internal_aibridge.SessionEvent
}

func newFakeAI() *fakeAI {
	return &fakeAI{
		audioOut: make(chan internal_audio.Frame, 16),
		speech:   make(chan internal_aibridge.SpeechEvent, 16),
		events:   make(chan internal_aibridge.SessionEvent, 16),
	}
}

func (f *fakeAI) Connect(context.Context) error { return f.connectErr }

func (f *fakeAI) SendAudio(frame internal_audio.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeAI) AudioOut() <-chan internal_audio.Frame                 { return f.audioOut }
func (f *fakeAI) SpeechEvents() <-chan internal_aibridge.SpeechEvent    { return f.speech }
func (f *fakeAI) Events() <-chan internal_aibridge.SessionEvent         { return f.events }

func (f *fakeAI) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeAI) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAI) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeTransport is an in-memory media leg.
type fakeTransport struct {
	bindErr error

	mu      sync.Mutex
	played  []internal_audio.Frame
	cleared int
	stopped int

	inbound chan internal_audio.Frame
	idle    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan internal_audio.Frame, 16),
		idle:    make(chan struct{}, 1),
	}
}

func (f *fakeTransport) Start(context.Context) {}

func (f *fakeTransport) Inbound() <-chan internal_audio.Frame { return f.inbound }
func (f *fakeTransport) Idle() <-chan struct{}                { return f.idle }

func (f *fakeTransport) Play(frame internal_audio.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, frame)
	return nil
}

func (f *fakeTransport) ClearPlayback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeTransport) clearedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

func (f *fakeTransport) playedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.played)
}

// fakeStore records conversation lifecycle calls.
type fakeStore struct {
	mu         sync.Mutex
	created    []string
	directions map[string]string
	callers    map[string]string
	appended   []*internal_transcript.ConversationMessage
	ended      map[string][2]string // id -> status, reason
	summary    map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		directions: make(map[string]string),
		callers:    make(map[string]string),
		ended:      make(map[string][2]string),
		summary:    make(map[string]string),
	}
}

func (f *fakeStore) CreateConversation(_ context.Context, conv *internal_transcript.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, conv.ID)
	f.directions[conv.ID] = conv.Direction
	f.callers[conv.ID] = conv.ToNumber
	return nil
}

func (f *fakeStore) AppendMessage(_ context.Context, msg *internal_transcript.ConversationMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, msg)
	return nil
}

func (f *fakeStore) MarkConversationEnded(_ context.Context, id, status, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.ended[id]; !done {
		f.ended[id] = [2]string{status, reason}
	}
	return nil
}

func (f *fakeStore) SetSummary(_ context.Context, id, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summary[id] = summary
	return nil
}

func (f *fakeStore) outcome(id string) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.ended[id]
	return out[0], out[1]
}

type harness struct {
	orch      *Orchestrator
	control   *fakeControl
	allocator *internal_rtp.Allocator
	ai        *fakeAI
	transport *fakeTransport
	store     *fakeStore
}

func newHarness(t *testing.T, opts ...OrchestratorOption) *harness {
	t.Helper()
	logger := newTestLogger(t)

	h := &harness{
		control:   newFakeControl(),
		allocator: internal_rtp.NewAllocator(logger, 40000, 40020),
		ai:        newFakeAI(),
		transport: newFakeTransport(),
		store:     newFakeStore(),
	}
	h.orch = NewOrchestrator(
		logger,
		h.control,
		h.allocator,
		h.store,
		func(string) AISession { return h.ai },
		func(string, internal_rtp.PortPair) (MediaTransport, error) {
			return h.transport, h.transport.bindErr
		},
		append([]OrchestratorOption{WithAnswerTimeout(2 * time.Second), WithRTPHost("127.0.0.1")}, opts...)...,
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.orch.Start(ctx)
	return h
}

func (h *harness) placeAndAnswer(t *testing.T) string {
	t.Helper()
	id, err := h.orch.PlaceCall(context.Background(), CallRequest{
		PatientName: "Dorothy",
		ToNumber:    "PJSIP/+15550001111",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.control.mu.Lock()
		defer h.control.mu.Unlock()
		return h.control.originated == 1
	}, 2*time.Second, 10*time.Millisecond, "call never dialed")

	h.control.emit(h.control.firstChannel(), internal_telephony.Event{
		Type: internal_telephony.EventStateChanged, State: internal_telephony.StateRinging,
	})
	h.control.emit(h.control.firstChannel(), internal_telephony.Event{
		Type: internal_telephony.EventStateChanged, State: internal_telephony.StateUp,
	})

	require.Eventually(t, func() bool {
		for _, snap := range h.orch.Active() {
			if snap.SessionID == id && snap.State == StateBridged {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "call never bridged")
	return id
}

func (h *harness) waitEnded(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, snap := range h.orch.Active() {
			if snap.SessionID == id {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "session never finished")
}

func TestHappyPathCallLifecycle(t *testing.T) {
	h := newHarness(t)
	id := h.placeAndAnswer(t)

	// Patient audio flows to the AI leg.
	h.transport.inbound <- internal_audio.Frame{
		Data: make([]byte, 320), Encoding: internal_audio.EncodingPCM16,
		SampleRate: internal_audio.TelephonySampleRate,
	}
	require.Eventually(t, func() bool { return h.ai.sentCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Assistant audio flows to the wire.
	h.ai.audioOut <- internal_audio.Frame{
		Data: make([]byte, 320), Encoding: internal_audio.EncodingPCM16,
		SampleRate: internal_audio.TelephonySampleRate,
	}
	require.Eventually(t, func() bool { return h.transport.playedCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Remote hangup ends the call.
	h.control.emit(h.control.firstChannel(), internal_telephony.Event{
		Type: internal_telephony.EventHangup, Cause: "Normal Clearing",
	})
	h.waitEnded(t, id)

	status, reason := h.store.outcome(id)
	assert.Equal(t, internal_transcript.ConversationCompleted, status)
	assert.Empty(t, reason)
	h.store.mu.Lock()
	assert.Equal(t, DirectionOutbound, h.store.directions[id])
	h.store.mu.Unlock()
	assert.Equal(t, 1, h.ai.closedCount())
	assert.Equal(t, 10, h.allocator.Available(), "lease returned to pool")

	h.control.mu.Lock()
	assert.Equal(t, 1, h.control.destroyed, "bridge destroyed")
	h.control.mu.Unlock()
}

func TestPortsExhaustedFailsFast(t *testing.T) {
	h := newHarness(t)

	// Drain the pool.
	for i := 0; i < 10; i++ {
		_, err := h.allocator.Acquire(context.Background(), fmt.Sprintf("hog-%d", i))
		require.NoError(t, err)
	}

	id, err := h.orch.PlaceCall(context.Background(), CallRequest{ToNumber: "PJSIP/x"})
	require.NoError(t, err)
	h.waitEnded(t, id)

	status, reason := h.store.outcome(id)
	assert.Equal(t, internal_transcript.ConversationFailed, status)
	assert.Equal(t, ReasonPortsExhausted, reason)

	h.control.mu.Lock()
	assert.Zero(t, h.control.originated, "must not ring a patient without media ports")
	h.control.mu.Unlock()
}

func TestAIUnavailableFailsBeforeDialing(t *testing.T) {
	h := newHarness(t)
	h.ai.connectErr = fmt.Errorf("provider down")

	id, err := h.orch.PlaceCall(context.Background(), CallRequest{ToNumber: "PJSIP/x"})
	require.NoError(t, err)
	h.waitEnded(t, id)

	_, reason := h.store.outcome(id)
	assert.Equal(t, ReasonAIUnavailable, reason)
	assert.Equal(t, 10, h.allocator.Available(), "lease released on failed bring-up")

	h.control.mu.Lock()
	assert.Zero(t, h.control.originated, "must not ring a patient the AI cannot talk to")
	h.control.mu.Unlock()
}

func TestControlPlaneDownFailure(t *testing.T) {
	h := newHarness(t)
	h.control.originateErr = internal_telephony.ErrControlPlaneUnavailable

	id, err := h.orch.PlaceCall(context.Background(), CallRequest{ToNumber: "PJSIP/x"})
	require.NoError(t, err)
	h.waitEnded(t, id)

	_, reason := h.store.outcome(id)
	assert.Equal(t, ReasonControlPlaneDown, reason)
	assert.Equal(t, 1, h.ai.closedCount(), "AI session closed on failed bring-up")
}

func TestNoAnswerTimeout(t *testing.T) {
	h := newHarness(t, WithAnswerTimeout(100*time.Millisecond))

	id, err := h.orch.PlaceCall(context.Background(), CallRequest{ToNumber: "PJSIP/x"})
	require.NoError(t, err)
	h.waitEnded(t, id)

	_, reason := h.store.outcome(id)
	assert.Equal(t, ReasonNoAnswer, reason)

	h.control.mu.Lock()
	assert.Equal(t, 1, h.control.hangups[h.control.firstChannel()], "ringing leg hung up")
	h.control.mu.Unlock()
}

func TestBargeInClearsPlayback(t *testing.T) {
	h := newHarness(t)
	id := h.placeAndAnswer(t)

	h.ai.events <- internal_aibridge.SessionEvent{Type: internal_aibridge.SessionInterrupted}
	require.Eventually(t, func() bool { return h.transport.clearedCount() == 1 },
		2*time.Second, 10*time.Millisecond, "playback not flushed on barge-in")

	require.NoError(t, h.orch.EndCall(id))
	h.waitEnded(t, id)
}

func TestAISessionLostEndsCallGracefully(t *testing.T) {
	h := newHarness(t)
	id := h.placeAndAnswer(t)

	h.ai.events <- internal_aibridge.SessionEvent{Type: internal_aibridge.SessionLost, Message: "socket gone"}
	h.waitEnded(t, id)

	status, _ := h.store.outcome(id)
	assert.Equal(t, internal_transcript.ConversationCompleted, status,
		"mid-call AI loss ends the call, it does not fail it")

	h.control.mu.Lock()
	assert.Equal(t, 1, h.control.hangups[h.control.firstChannel()])
	h.control.mu.Unlock()
}

func TestSilenceTimeoutEndsCall(t *testing.T) {
	h := newHarness(t)
	id := h.placeAndAnswer(t)

	h.transport.idle <- struct{}{}
	h.waitEnded(t, id)

	status, _ := h.store.outcome(id)
	assert.Equal(t, internal_transcript.ConversationCompleted, status)
}

func TestTeardownExactlyOnceUnderRacingPaths(t *testing.T) {
	h := newHarness(t)
	id := h.placeAndAnswer(t)

	// Hangup event, operator stop and idle watchdog all at once.
	h.control.emit(h.control.firstChannel(), internal_telephony.Event{
		Type: internal_telephony.EventHangup,
	})
	h.orch.EndCall(id)
	select {
	case h.transport.idle <- struct{}{}:
	default:
	}
	h.waitEnded(t, id)

	assert.Equal(t, 1, h.ai.closedCount(), "AI session closed exactly once")
	h.transport.mu.Lock()
	assert.Equal(t, 1, h.transport.stopped, "transport stopped exactly once")
	h.transport.mu.Unlock()
	h.control.mu.Lock()
	assert.Equal(t, 1, h.control.destroyed, "bridge destroyed exactly once")
	h.control.mu.Unlock()
	assert.Equal(t, 10, h.allocator.Available())
}

func TestIllegalTransitionsRejected(t *testing.T) {
	s := &CallSession{id: "s1", state: StateEnded, logger: newTestLogger(t)}
	assert.False(t, s.transition(StateBridged), "terminal states admit no transitions")

	s = &CallSession{id: "s2", state: StateRinging, logger: newTestLogger(t)}
	assert.False(t, s.transition(StateActive), "ringing cannot jump straight to active")

	s = &CallSession{id: "s3", state: StateDialing, logger: newTestLogger(t)}
	assert.False(t, s.transition(StateBridged), "dialing cannot jump straight to bridged")
	assert.True(t, s.transition(StateRinging))
	assert.True(t, s.transition(StateConnected))
	assert.True(t, s.transition(StateBridged))
	assert.True(t, s.transition(StateActive))
	assert.True(t, s.transition(StateEnding))
	assert.True(t, s.transition(StateEnded))
	assert.True(t, StateEnded.Terminal())
}

func TestFirstAudioFrameMarksCallActive(t *testing.T) {
	h := newHarness(t)
	id := h.placeAndAnswer(t)

	h.transport.inbound <- internal_audio.Frame{
		Data: make([]byte, 320), Encoding: internal_audio.EncodingPCM16,
		SampleRate: internal_audio.TelephonySampleRate,
	}

	require.Eventually(t, func() bool {
		for _, snap := range h.orch.Active() {
			if snap.SessionID == id && snap.State == StateActive {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "first audio frame must mark the call active")

	h.control.emit(h.control.firstChannel(), internal_telephony.Event{
		Type: internal_telephony.EventHangup,
	})
	h.waitEnded(t, id)
}

func TestDuplicateRingingEventsEmitSingleTransition(t *testing.T) {
	h := newHarness(t)
	id, err := h.orch.PlaceCall(context.Background(), CallRequest{ToNumber: "PJSIP/x"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.control.mu.Lock()
		defer h.control.mu.Unlock()
		_, subscribed := h.control.subs[h.control.firstChannel()]
		return h.control.originated == 1 && subscribed
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		h.control.emit(h.control.firstChannel(), internal_telephony.Event{
			Type: internal_telephony.EventStateChanged, State: internal_telephony.StateRinging,
		})
	}
	h.control.emit(h.control.firstChannel(), internal_telephony.Event{
		Type: internal_telephony.EventStateChanged, State: internal_telephony.StateUp,
	})

	require.NoError(t, h.orch.EndCall(id))
	h.waitEnded(t, id)

	ringing := 0
drain:
	for {
		select {
		case up := <-h.orch.Updates():
			if up.SessionID == id && up.State == StateRinging {
				ringing++
			}
		default:
			break drain
		}
	}
	assert.Equal(t, 1, ringing, "repeated PBX ringing events are not new transitions")
}

func TestInboundCallAnsweredAndBridged(t *testing.T) {
	h := newHarness(t)

	h.control.inbound <- internal_telephony.Event{
		Type:    internal_telephony.EventStasisStart,
		Channel: "inbound-1",
		State:   internal_telephony.StateRinging,
		Caller:  "+15550002222",
	}

	var id string
	require.Eventually(t, func() bool {
		for _, snap := range h.orch.Active() {
			if snap.Direction == DirectionInbound && snap.State == StateBridged {
				id = snap.SessionID
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "inbound call never bridged")

	h.control.mu.Lock()
	assert.Equal(t, 1, h.control.answered["inbound-1"], "ringing channel answered")
	assert.Zero(t, h.control.originated, "an accepted call must not dial")
	h.control.mu.Unlock()

	h.control.emit("inbound-1", internal_telephony.Event{
		Type: internal_telephony.EventHangup, Cause: "Normal Clearing",
	})
	h.waitEnded(t, id)

	status, reason := h.store.outcome(id)
	assert.Equal(t, internal_transcript.ConversationCompleted, status)
	assert.Empty(t, reason)
	h.store.mu.Lock()
	assert.Equal(t, DirectionInbound, h.store.directions[id])
	assert.Equal(t, "+15550002222", h.store.callers[id])
	h.store.mu.Unlock()
	assert.Equal(t, 10, h.allocator.Available(), "lease returned to pool")
}

func TestInboundAnswerFailureEndsSession(t *testing.T) {
	h := newHarness(t)
	h.control.answerErr = fmt.Errorf("channel gone")

	h.control.inbound <- internal_telephony.Event{
		Type:    internal_telephony.EventStasisStart,
		Channel: "inbound-2",
		Caller:  "+15550003333",
	}

	var id string
	require.Eventually(t, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		for convID, dir := range h.store.directions {
			if dir == DirectionInbound {
				id = convID
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "inbound session never recorded")
	h.waitEnded(t, id)

	_, reason := h.store.outcome(id)
	assert.Equal(t, ReasonControlPlaneDown, reason)
	assert.Equal(t, 10, h.allocator.Available())
}
