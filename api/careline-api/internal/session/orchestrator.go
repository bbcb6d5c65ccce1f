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
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	internal_rtp "github.com/rapidaai/careline/api/careline-api/internal/rtp"
	internal_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony"
	"github.com/rapidaai/careline/pkg/commons"
	"github.com/rapidaai/careline/pkg/utils"
)

// Orchestrator owns the active call set. One session per call, each on its
// own goroutine; a failure in one call never touches the others.
type Orchestrator struct {
	logger    commons.Logger
	control   internal_telephony.ControlPlane
	allocator *internal_rtp.Allocator
	store     ConversationStore

	newAI        func(sessionID string) AISession
	newTransport func(sessionID string, pair internal_rtp.PortPair) (MediaTransport, error)
	summarizer   Summarizer
	journal      internal_rtp.LeaseJournal

	rtpHost       string
	answerTimeout time.Duration
	sweepInterval time.Duration
	sweepGrace    time.Duration

	mu     sync.Mutex
	active map[string]*CallSession

	updates chan Update

	runCtx context.Context
	cancel context.CancelFunc
}

// OrchestratorOption configures NewOrchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSummarizer enables post-call summaries.
func WithSummarizer(s Summarizer) OrchestratorOption {
	return func(o *Orchestrator) { o.summarizer = s }
}

// WithLeaseJournal lets the startup sweep reclaim journal entries left by a
// crashed incarnation.
func WithLeaseJournal(j internal_rtp.LeaseJournal) OrchestratorOption {
	return func(o *Orchestrator) { o.journal = j }
}

// WithAnswerTimeout overrides how long a call may ring before no_answer.
func WithAnswerTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.answerTimeout = d }
}

// WithSweepInterval overrides the reconciliation cadence.
func WithSweepInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.sweepInterval = d }
}

// WithRTPHost overrides the advertised media address.
func WithRTPHost(host string) OrchestratorOption {
	return func(o *Orchestrator) { o.rtpHost = host }
}

// NewOrchestrator wires the call engine together.
func NewOrchestrator(
	logger commons.Logger,
	control internal_telephony.ControlPlane,
	allocator *internal_rtp.Allocator,
	store ConversationStore,
	newAI func(sessionID string) AISession,
	newTransport func(sessionID string, pair internal_rtp.PortPair) (MediaTransport, error),
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		logger:        logger,
		control:       control,
		allocator:     allocator,
		store:         store,
		newAI:         newAI,
		newTransport:  newTransport,
		rtpHost:       utils.GetLocalIP(),
		answerTimeout: 45 * time.Second,
		sweepInterval: 30 * time.Second,
		sweepGrace:    time.Minute,
		active:        make(map[string]*CallSession),
		updates:       make(chan Update, 64),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the inbound accept loop and the reconciliation sweep. Must
// be called once before PlaceCall.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runCtx, o.cancel = context.WithCancel(ctx)
	o.recoverJournal(o.runCtx)
	utils.Go(o.runCtx, func() { o.acceptLoop(o.runCtx) })
	utils.Go(o.runCtx, func() { o.sweepLoop(o.runCtx) })
}

// PlaceCall starts one outbound patient call and returns its session id.
// The call proceeds asynchronously; progress arrives on Updates.
func (o *Orchestrator) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	if req.ToNumber == "" {
		return "", fmt.Errorf("call request requires a number to dial")
	}
	if o.runCtx == nil {
		return "", fmt.Errorf("orchestrator not started")
	}

	session := o.newSession(DirectionOutbound, req)
	session.state = StateDialing

	o.logger.Info("Placing call",
		"session", session.id,
		"patient", req.PatientName,
		"to", req.ToNumber)

	o.launch(session)
	return session.id, nil
}

// newSession builds an unstarted call session wired to the engine.
func (o *Orchestrator) newSession(direction string, req CallRequest) *CallSession {
	return &CallSession{
		id:            uuid.NewString(),
		direction:     direction,
		request:       req,
		logger:        o.logger,
		control:       o.control,
		allocator:     o.allocator,
		store:         o.store,
		summarizer:    o.summarizer,
		newAI:         o.newAI,
		newTransport:  o.newTransport,
		rtpHost:       o.rtpHost,
		answerTimeout: o.answerTimeout,
		updates:       o.updates,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// launch registers the session as active and runs it on its own goroutine.
func (o *Orchestrator) launch(session *CallSession) {
	o.mu.Lock()
	o.active[session.id] = session
	o.mu.Unlock()

	utils.Go(o.runCtx, func() {
		session.run(o.runCtx)
		o.mu.Lock()
		delete(o.active, session.id)
		o.mu.Unlock()
	})
}

// acceptLoop turns inbound patient calls surfaced by the control plane into
// sessions. The channel is already ringing at the PBX; the session answers it
// and runs the same bring-up as an outbound call from there.
func (o *Orchestrator) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.control.Inbound():
			if !ok {
				return
			}
			session := o.newSession(DirectionInbound, CallRequest{ToNumber: ev.Caller})
			session.state = StateRinging
			session.patientChan = ev.Channel

			o.logger.Info("Accepting inbound call",
				"session", session.id,
				"channel", ev.Channel,
				"caller", ev.Caller)
			o.launch(session)
		}
	}
}

// EndCall requests teardown of one active call.
func (o *Orchestrator) EndCall(sessionID string) error {
	o.mu.Lock()
	session, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active call session %s", sessionID)
	}
	session.Stop()
	return nil
}

// Active snapshots the in-flight calls.
func (o *Orchestrator) Active() []Snapshot {
	o.mu.Lock()
	sessions := make([]*CallSession, 0, len(o.active))
	for _, s := range o.active {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Updates streams state changes for all sessions.
func (o *Orchestrator) Updates() <-chan Update {
	return o.updates
}

// Shutdown stops every active call and waits for teardown to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	sessions := make([]*CallSession, 0, len(o.active))
	for _, s := range o.active {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	o.logger.Info("Shutting down call engine", "active_calls", len(sessions))

	g := new(errgroup.Group)
	for _, session := range sessions {
		session.Stop()
		g.Go(func() error {
			select {
			case <-session.Done():
				return nil
			case <-ctx.Done():
				return fmt.Errorf("session %s did not tear down in time", session.ID())
			}
		})
	}
	err := g.Wait()

	if o.journal != nil {
		if cerr := o.journal.Clear(ctx); cerr != nil {
			o.logger.Warn("Failed to clear lease journal on shutdown", "error", cerr)
		}
	}
	if o.cancel != nil {
		o.cancel()
	}
	return err
}
