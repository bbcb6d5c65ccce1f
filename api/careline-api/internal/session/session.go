// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	internal_aibridge "github.com/rapidaai/careline/api/careline-api/internal/aibridge"
	internal_audio "github.com/rapidaai/careline/api/careline-api/internal/audio"
	internal_rtp "github.com/rapidaai/careline/api/careline-api/internal/rtp"
	internal_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony"
	internal_transcript "github.com/rapidaai/careline/api/careline-api/internal/transcript"
	"github.com/rapidaai/careline/pkg/commons"
	"github.com/rapidaai/careline/pkg/utils"
)

// AISession is the realtime provider leg of one call.
type AISession interface {
	Connect(ctx context.Context) error
	SendAudio(frame internal_audio.Frame) error
	AudioOut() <-chan internal_audio.Frame
	SpeechEvents() <-chan internal_aibridge.SpeechEvent
	Events() <-chan internal_aibridge.SessionEvent
	Close()
}

// MediaTransport is the RTP leg of one call.
type MediaTransport interface {
	Start(ctx context.Context)
	Inbound() <-chan internal_audio.Frame
	Idle() <-chan struct{}
	Play(frame internal_audio.Frame) error
	ClearPlayback()
	Stop()
}

// ConversationStore persists call outcomes and transcripts.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *internal_transcript.Conversation) error
	AppendMessage(ctx context.Context, msg *internal_transcript.ConversationMessage) error
	MarkConversationEnded(ctx context.Context, conversationID, status, failureReason string) error
	SetSummary(ctx context.Context, conversationID, summary string) error
}

// Summarizer produces the post-call summary. Optional; nil means skip.
type Summarizer interface {
	Summarize(ctx context.Context, messages []internal_transcript.ConversationMessage) (string, error)
}

// CallRequest describes one outbound patient call.
type CallRequest struct {
	PatientName string
	// ToNumber is the dialable endpoint (PJSIP/+1555... for the ARI dialer).
	ToNumber string
	CallerID string
}

// Update is a state-change notification emitted by a session.
type Update struct {
	SessionID     string
	State         State
	FailureReason string
	Timestamp     time.Time
}

// CallSession drives one call from dial to teardown on its own goroutine.
// Every resource it acquires (port lease, sockets, AI socket, PBX channels,
// bridge) is torn down exactly once no matter how many paths request it.
type CallSession struct {
	id        string
	direction string
	request   CallRequest
	logger    commons.Logger

	control    internal_telephony.ControlPlane
	allocator  *internal_rtp.Allocator
	store      ConversationStore
	summarizer Summarizer

	newAI        func(sessionID string) AISession
	newTransport func(sessionID string, pair internal_rtp.PortPair) (MediaTransport, error)

	rtpHost       string
	answerTimeout time.Duration

	mu        sync.Mutex
	state     State
	reason    string
	startedAt time.Time

	// live resources, populated during bring-up.
	lease       *internal_rtp.Lease
	transport   MediaTransport
	ai          AISession
	patientChan internal_telephony.ChannelRef
	mediaChan   internal_telephony.ChannelRef
	bridgeID    string
	assembler   *internal_transcript.Assembler

	updates chan<- Update

	stopCh   chan struct{}
	stopOnce sync.Once

	activeOnce   sync.Once
	teardownOnce sync.Once
	done         chan struct{}
}

// ID returns the session id, which is also the conversation id.
func (s *CallSession) ID() string {
	return s.id
}

// Snapshot is the orchestrator-facing view of a session.
type Snapshot struct {
	SessionID   string
	Direction   string
	PatientName string
	ToNumber    string
	State       State
	PatientChan internal_telephony.ChannelRef
	StartedAt   time.Time
}

func (s *CallSession) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:   s.id,
		Direction:   s.direction,
		PatientName: s.request.PatientName,
		ToNumber:    s.request.ToNumber,
		State:       s.state,
		PatientChan: s.patientChan,
		StartedAt:   s.startedAt,
	}
}

func (s *CallSession) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// markActive records the first audio frame exchange. Only a bridged call can
// go active; a racing teardown wins quietly.
func (s *CallSession) markActive() {
	s.activeOnce.Do(func() {
		if s.currentState() == StateBridged {
			s.transition(StateActive)
		}
	})
}

// transition moves the session through the state graph. Illegal transitions
// are rejected and logged, never applied.
func (s *CallSession) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		s.logger.Error("Rejected state transition",
			"session", s.id,
			"error", illegalTransitionError(s.id, from, to))
		return false
	}
	s.state = to
	reason := s.reason
	s.mu.Unlock()

	s.logger.Info("Call state changed",
		"session", s.id,
		"from", string(from),
		"to", string(to))
	if s.updates != nil {
		select {
		case s.updates <- Update{SessionID: s.id, State: to, FailureReason: reason, Timestamp: time.Now()}:
		default:
		}
	}
	return true
}

func (s *CallSession) setReason(reason string) {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
}

// Stop requests teardown. Safe from any goroutine, any number of times.
func (s *CallSession) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done closes once the session has fully torn down.
func (s *CallSession) Done() <-chan struct{} {
	return s.done
}

// run is the session's entire lifecycle. Invoked once, on its own goroutine.
func (s *CallSession) run(ctx context.Context) {
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	s.mu.Lock()
	s.startedAt = start
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.CreateConversation(ctx, &internal_transcript.Conversation{
			ID:          s.id,
			Direction:   s.direction,
			PatientName: s.request.PatientName,
			ToNumber:    s.request.ToNumber,
			StartedAt:   start,
		}); err != nil {
			s.logger.Error("Failed to record conversation, call continues",
				"session", s.id, "error", err)
		}
	}

	if !s.bringUp(ctx) {
		s.teardown(ctx)
		return
	}
	s.logger.Benchmark("call_bring_up", time.Since(start))

	s.bridgeLoops(ctx, cancel)

	<-ctx.Done()
	s.teardown(context.Background())
}

// bringUp acquires every resource in dependency order. Any failure sets the
// failure reason and returns false; teardown releases whatever was acquired.
func (s *CallSession) bringUp(ctx context.Context) bool {
	// 1. Media port pair. Exhaustion sheds this call, never queues.
	lease, err := s.allocator.Acquire(ctx, s.id)
	if err != nil {
		if errors.Is(err, internal_rtp.ErrPoolExhausted) {
			s.setReason(ReasonPortsExhausted)
		} else {
			s.setReason(ReasonMediaFailure)
		}
		s.logger.Error("Cannot place call, no media ports", "session", s.id, "error", err)
		return false
	}
	s.mu.Lock()
	s.lease = lease
	s.mu.Unlock()

	// 2. Bind the sockets. A bind failure is fatal to this call only.
	transport, err := s.newTransport(s.id, lease.Pair)
	if err != nil {
		s.setReason(ReasonMediaFailure)
		s.logger.Error("Cannot bind media transport", "session", s.id, "error", err)
		return false
	}
	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	// 3. AI session before dialing: never ring a patient we cannot talk to.
	ai := s.newAI(s.id)
	if err := ai.Connect(ctx); err != nil {
		s.setReason(ReasonAIUnavailable)
		s.logger.Error("AI session connect failed", "session", s.id, "error", err)
		return false
	}
	s.mu.Lock()
	s.ai = ai
	s.mu.Unlock()

	// 4. The patient leg. Outbound dials and waits for the answer; inbound
	// already has a ringing channel and answers it.
	if s.direction == DirectionInbound {
		if !s.answerInbound(ctx) {
			return false
		}
	} else {
		patientChan, err := s.control.OriginateCall(ctx, s.request.ToNumber, s.request.CallerID, map[string]string{
			"CARELINE_SESSION": s.id,
		})
		if err != nil {
			s.setReason(ReasonControlPlaneDown)
			if !errors.Is(err, internal_telephony.ErrControlPlaneUnavailable) {
				s.logger.Error("Originate failed", "session", s.id, "error", err)
			}
			return false
		}
		s.mu.Lock()
		s.patientChan = patientChan
		s.mu.Unlock()

		if !s.awaitAnswer(ctx, patientChan) {
			return false
		}
	}
	if !s.transition(StateConnected) {
		return false
	}
	s.mu.Lock()
	patientChan := s.patientChan
	s.mu.Unlock()

	// 6. External media leg and bridge. Parallel teardown later needs both
	// refs recorded even when one step fails.
	mediaChan, err := s.control.CreateExternalMedia(ctx, s.rtpHost, lease.Pair.RTP)
	if err != nil {
		s.setReason(ReasonMediaFailure)
		s.logger.Error("External media create failed", "session", s.id, "error", err)
		return false
	}
	s.mu.Lock()
	s.mediaChan = mediaChan
	s.mu.Unlock()

	bridgeID, err := s.control.Bridge(ctx, patientChan, mediaChan)
	if err != nil {
		s.setReason(ReasonMediaFailure)
		s.logger.Error("Bridge failed", "session", s.id, "error", err)
		return false
	}
	s.mu.Lock()
	s.bridgeID = bridgeID
	s.mu.Unlock()

	transport.Start(ctx)
	return s.transition(StateBridged)
}

// awaitAnswer consumes control-plane events until the channel comes Up,
// hangs up, or the answer window elapses.
func (s *CallSession) awaitAnswer(ctx context.Context, ref internal_telephony.ChannelRef) bool {
	events := s.control.Subscribe(ref)

	timeout := s.answerTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		case <-deadline.C:
			s.setReason(ReasonNoAnswer)
			s.logger.Info("Patient did not answer", "session", s.id, "timeout", timeout.String())
			return false
		case ev, ok := <-events:
			if !ok {
				s.setReason(ReasonNoAnswer)
				return false
			}
			switch ev.Type {
			case internal_telephony.EventStateChanged, internal_telephony.EventStasisStart:
				// The PBX repeats Ringing; only the first one is a transition.
				if ev.State == internal_telephony.StateRinging && s.currentState() == StateDialing {
					s.transition(StateRinging)
				}
				if ev.State == internal_telephony.StateUp {
					return true
				}
			case internal_telephony.EventHangup, internal_telephony.EventChannelDead:
				s.setReason(ReasonNoAnswer)
				s.logger.Info("Call ended before answer",
					"session", s.id,
					"cause", ev.Cause)
				return false
			}
		}
	}
}

// answerInbound picks up the ringing patient channel. Subscribing before the
// answer keeps a hangup racing the pickup from getting lost.
func (s *CallSession) answerInbound(ctx context.Context) bool {
	s.mu.Lock()
	ref := s.patientChan
	s.mu.Unlock()

	s.control.Subscribe(ref)
	if err := s.control.Answer(ctx, ref); err != nil {
		s.setReason(ReasonControlPlaneDown)
		s.logger.Error("Cannot answer inbound call",
			"session", s.id,
			"channel", ref,
			"error", err)
		return false
	}
	s.logger.Info("Answered inbound call", "session", s.id, "channel", ref)
	return true
}

// bridgeLoops runs the steady-state pumps: patient audio to the provider,
// assistant audio to the wire, speech boundaries into the transcript, and
// control events into teardown decisions.
func (s *CallSession) bridgeLoops(ctx context.Context, cancel context.CancelFunc) {
	s.mu.Lock()
	transport, ai := s.transport, s.ai
	patient := s.patientChan
	s.mu.Unlock()

	assembler := internal_transcript.NewAssembler(s.id, storeSink(s.store), s.logger)
	s.mu.Lock()
	s.assembler = assembler
	s.mu.Unlock()

	// Patient audio -> provider.
	utils.Go(ctx, func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-transport.Inbound():
				if !ok {
					return
				}
				s.markActive()
				if err := ai.SendAudio(frame); err != nil {
					s.logger.Debugf("dropping patient frame for session %s: %v", s.id, err)
				}
			}
		}
	})

	// Assistant audio -> wire.
	utils.Go(ctx, func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-ai.AudioOut():
				if !ok {
					return
				}
				s.markActive()
				if err := transport.Play(frame); err != nil {
					s.logger.Warn("Playback rejected frame", "session", s.id, "error", err)
				}
			}
		}
	})

	// Speech boundaries -> transcript.
	utils.Go(ctx, func() { assembler.Run(ctx, ai.SpeechEvents()) })

	// Control loop: any of these ends the call.
	utils.Go(ctx, func() {
		defer cancel()
		events := s.control.Subscribe(patient)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				s.logger.Info("Call end requested", "session", s.id)
				return
			case <-transport.Idle():
				s.logger.Info("Ending call on silence timeout", "session", s.id)
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Type {
				case internal_telephony.EventHangup, internal_telephony.EventChannelDead:
					s.logger.Info("Patient leg ended",
						"session", s.id,
						"type", string(ev.Type),
						"cause", ev.Cause)
					return
				case internal_telephony.EventDTMF:
					s.logger.Debugw("DTMF received", "session", s.id, "digit", ev.Digit)
				}
			case ev, ok := <-ai.Events():
				if !ok {
					return
				}
				switch ev.Type {
				case internal_aibridge.SessionInterrupted:
					// Barge-in: stop the assistant talking over the patient.
					transport.ClearPlayback()
				case internal_aibridge.SessionLost, internal_aibridge.SessionRateLimited:
					s.logger.Warn("AI session gone, ending call gracefully",
						"session", s.id,
						"type", string(ev.Type),
						"message", ev.Message)
					return
				case internal_aibridge.SessionError:
					s.logger.Error("AI session error, ending call",
						"session", s.id,
						"message", ev.Message)
					return
				}
			}
		}
	})
}

// teardown releases every acquired resource exactly once. Paths racing into
// it (hangup event, idle watchdog, AI loss, operator stop, sweep) all
// converge on the same sync.Once.
func (s *CallSession) teardown(ctx context.Context) {
	s.teardownOnce.Do(func() {
		started := time.Now()
		s.transition(StateEnding)

		s.mu.Lock()
		lease := s.lease
		transport := s.transport
		ai := s.ai
		patient, media := s.patientChan, s.mediaChan
		bridgeID := s.bridgeID
		assembler := s.assembler
		reason := s.reason
		s.mu.Unlock()

		opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		// PBX-side cleanup can run in parallel; each op tolerates "already
		// gone".
		g, gctx := errgroup.WithContext(opCtx)
		if bridgeID != "" {
			g.Go(func() error {
				if err := s.control.DestroyBridge(gctx, bridgeID); err != nil {
					s.logger.Warn("Bridge destroy failed", "session", s.id, "error", err)
				}
				return nil
			})
		}
		if patient != "" {
			g.Go(func() error {
				if err := s.control.Hangup(gctx, patient); err != nil {
					s.logger.Warn("Patient hangup failed", "session", s.id, "error", err)
				}
				return nil
			})
		}
		if media != "" {
			g.Go(func() error {
				if err := s.control.Hangup(gctx, media); err != nil {
					s.logger.Warn("Media hangup failed", "session", s.id, "error", err)
				}
				return nil
			})
		}
		g.Wait()

		if patient != "" {
			s.control.Unsubscribe(patient)
		}
		if ai != nil {
			ai.Close()
		}
		if transport != nil {
			transport.Stop()
		}
		s.allocator.Release(lease)

		status := internal_transcript.ConversationCompleted
		if reason != "" {
			status = internal_transcript.ConversationFailed
		}
		if s.store != nil {
			if err := s.store.MarkConversationEnded(opCtx, s.id, status, reason); err != nil {
				s.logger.Error("Failed to finalize conversation record",
					"session", s.id, "error", err)
			}
		}

		if assembler != nil && assembler.Abandoned() > 0 {
			s.logger.Info("Call ended with unfinalized turns",
				"session", s.id,
				"abandoned", assembler.Abandoned())
		}

		if reason != "" {
			s.transition(StateFailed)
		} else {
			s.transition(StateEnded)
			s.summarize(assembler)
		}
		s.logger.Benchmark("call_teardown", time.Since(started))
	})
}

// summarize writes the post-call summary off the teardown path. Summary
// failures are logged and forgotten; the call is already over.
func (s *CallSession) summarize(assembler *internal_transcript.Assembler) {
	if s.summarizer == nil || s.store == nil || assembler == nil {
		return
	}
	messages := assembler.Transcript()
	if len(messages) == 0 {
		return
	}

	utils.Go(context.Background(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		summary, err := s.summarizer.Summarize(ctx, messages)
		if err != nil {
			s.logger.Warn("Post-call summary failed", "session", s.id, "error", err)
			return
		}
		if err := s.store.SetSummary(ctx, s.id, summary); err != nil {
			s.logger.Warn("Failed to store summary", "session", s.id, "error", err)
		}
	})
}

// storeSink adapts the conversation store to the transcript sink, keeping a
// nil store usable.
func storeSink(store ConversationStore) internal_transcript.Sink {
	if store == nil {
		return nil
	}
	return sinkFunc(store.AppendMessage)
}

type sinkFunc func(ctx context.Context, msg *internal_transcript.ConversationMessage) error

func (f sinkFunc) AppendMessage(ctx context.Context, msg *internal_transcript.ConversationMessage) error {
	return f(ctx, msg)
}
