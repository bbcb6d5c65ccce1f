// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_aibridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/careline/api/careline-api/config"
	internal_audio "github.com/rapidaai/careline/api/careline-api/internal/audio"
	"github.com/rapidaai/careline/pkg/commons"
	"github.com/rapidaai/careline/pkg/utils"
)

// ErrAISessionLost is returned once the socket is gone and the single resume
// attempt has failed.
var ErrAISessionLost = fmt.Errorf("ai realtime session lost")

// sessionConfig is the session.update payload sent right after connect (and
// again after a resume). Both audio legs run µ-law 8kHz so the provider does
// the resampling, not us.
type sessionConfig struct {
	Type    string `json:"type"`
	Session struct {
		Modalities              []string `json:"modalities"`
		Instructions            string   `json:"instructions,omitempty"`
		Voice                   string   `json:"voice,omitempty"`
		InputAudioFormat        string   `json:"input_audio_format"`
		OutputAudioFormat       string   `json:"output_audio_format"`
		InputAudioTranscription *struct {
			Model string `json:"model"`
		} `json:"input_audio_transcription,omitempty"`
		TurnDetection *struct {
			Type string `json:"type"`
		} `json:"turn_detection,omitempty"`
	} `json:"session"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// Session is one realtime provider conversation, bound 1:1 to a call. It
// owns the WebSocket and demultiplexes provider traffic into three streams:
// assistant audio (for the RTP transport), speech boundaries (for the
// transcript assembler) and session/control events (for the orchestrator).
type Session struct {
	logger commons.Logger
	cfg    config.AIConfig
	callID string

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	// pending is the outbound audio queue toward the provider. Bounded;
	// under pressure the OLDEST frame is dropped so the freshest patient
	// audio always goes through.
	pending chan internal_audio.Frame
	dropped atomic.Int64

	audioOut      chan internal_audio.Frame
	speechEvents  chan SpeechEvent
	sessionEvents chan SessionEvent

	lastActivity atomic.Int64

	readySent bool
	resumed   bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates an unconnected session for the given call.
func NewSession(cfg config.AIConfig, callID string, logger commons.Logger) *Session {
	queue := cfg.PendingAudioFrames
	if queue <= 0 {
		queue = 100
	}
	return &Session{
		logger:        logger,
		cfg:           cfg,
		callID:        callID,
		pending:       make(chan internal_audio.Frame, queue),
		audioOut:      make(chan internal_audio.Frame, 512),
		speechEvents:  make(chan SpeechEvent, 32),
		sessionEvents: make(chan SessionEvent, 8),
		done:          make(chan struct{}),
	}
}

// Connect dials the provider, configures the session and starts the IO
// loops. Failure here is surfaced to the caller so the call can be marked
// AI unavailable before any audio flows.
func (s *Session) Connect(ctx context.Context) error {
	started := time.Now()
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	if err := s.configure(); err != nil {
		conn.Close()
		return err
	}
	s.lastActivity.Store(time.Now().UnixNano())
	s.logger.Benchmark("ai_session_connect", time.Since(started))

	utils.Go(ctx, func() { s.readLoop(ctx) })
	utils.Go(ctx, func() { s.sendLoop(ctx) })
	utils.Go(ctx, func() { s.idleWatch(ctx) })
	return nil
}

// idleWatch ends the session when the provider goes quiet for longer than
// the idle window without closing the socket. The RTP silence watchdog
// covers the patient leg; this covers a hung provider.
func (s *Session) idleWatch(ctx context.Context) {
	timeout := s.cfg.IdleTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	tick := timeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if time.Since(s.LastActivity()) <= timeout {
				continue
			}
			s.logger.Warn("Realtime provider idle, ending session",
				"call", s.callID,
				"idle", timeout.String())
			s.emitSession(SessionEvent{Type: SessionLost, Message: "provider idle timeout"})
			return
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	timeout := s.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wsURL := s.cfg.RealtimeURL
	if s.cfg.Model != "" && !strings.Contains(wsURL, "model=") {
		sep := "?"
		if strings.Contains(wsURL, "?") {
			sep = "&"
		}
		wsURL = wsURL + sep + "model=" + s.cfg.Model
	}

	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect realtime socket for call %s: %w", s.callID, err)
	}
	return conn, nil
}

func (s *Session) configure() error {
	cfg := sessionConfig{Type: typeSessionUpdate}
	cfg.Session.Modalities = []string{"audio", "text"}
	cfg.Session.Instructions = s.cfg.Instructions
	cfg.Session.Voice = s.cfg.Voice
	cfg.Session.InputAudioFormat = "g711_ulaw"
	cfg.Session.OutputAudioFormat = "g711_ulaw"
	cfg.Session.InputAudioTranscription = &struct {
		Model string `json:"model"`
	}{Model: "whisper-1"}
	cfg.Session.TurnDetection = &struct {
		Type string `json:"type"`
	}{Type: "server_vad"}

	return s.writeJSON(cfg)
}

// SendAudio queues one patient frame for the provider. Never blocks the RTP
// read path: when the queue is full the oldest frame is dropped.
func (s *Session) SendAudio(frame internal_audio.Frame) error {
	if err := frame.Validate(internal_audio.NewPCM168khzMonoConfig()); err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrAISessionLost
	default:
	}

	select {
	case s.pending <- frame:
		return nil
	default:
	}

	select {
	case <-s.pending:
		if n := s.dropped.Add(1); n%50 == 1 {
			s.logger.Warn("AI outbound audio queue full, dropping oldest",
				"call", s.callID,
				"total_dropped", n)
		}
	default:
	}
	select {
	case s.pending <- frame:
	default:
	}
	return nil
}

func (s *Session) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case frame := <-s.pending:
			msg := audioAppend{
				Type:  typeInputAudioAppend,
				Audio: base64.StdEncoding.EncodeToString(internal_audio.EncodeMulaw(frame.Data)),
			}
			if err := s.writeJSON(msg); err != nil {
				// The read loop owns socket failure handling; it will notice
				// the dead connection and attempt the resume.
				s.logger.Debugf("realtime audio write failed for call %s: %v", s.callID, err)
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			if s.resumed {
				s.logger.Error("Realtime socket lost after resume, giving up",
					"call", s.callID,
					"error", err)
				s.emitSession(SessionEvent{Type: SessionLost, Message: err.Error()})
				return
			}
			s.resumed = true
			if rerr := s.resume(ctx); rerr != nil {
				s.logger.Error("Realtime socket resume failed",
					"call", s.callID,
					"error", rerr)
				s.emitSession(SessionEvent{Type: SessionLost, Message: rerr.Error()})
				return
			}
			continue
		}

		s.lastActivity.Store(time.Now().UnixNano())

		var event providerEvent
		if err := json.Unmarshal(message, &event); err != nil {
			s.logger.Warn("Malformed realtime event, skipping",
				"call", s.callID,
				"error", err)
			continue
		}
		s.handleEvent(event)
	}
}

// resume makes a single best-effort reconnect with the same session config.
// Conversation context on the provider side is gone either way; the point is
// to let the call wind down gracefully instead of going silent.
func (s *Session) resume(ctx context.Context) error {
	s.logger.Warn("Realtime socket dropped mid-call, attempting resume", "call", s.callID)

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	old := s.conn
	s.conn = conn
	s.connMu.Unlock()
	if old != nil {
		old.Close()
	}

	if err := s.configure(); err != nil {
		return err
	}
	s.lastActivity.Store(time.Now().UnixNano())
	s.logger.Info("Realtime socket resumed", "call", s.callID)
	return nil
}

func (s *Session) handleEvent(event providerEvent) {
	switch event.Type {
	case eventSessionCreated:
		if s.readySent {
			return
		}
		s.readySent = true
		s.emitSession(SessionEvent{Type: SessionReady})
		// The assistant greets first: elderly patients will not start
		// talking into silence.
		if err := s.writeJSON(map[string]string{"type": typeResponseCreate}); err != nil {
			s.logger.Warn("Failed to request opening response", "call", s.callID, "error", err)
		}

	case eventSessionUpdated:
		s.logger.Debugw("Realtime session configured", "call", s.callID)

	case eventOutputAudioDelta, eventOutputAudioDeltaOld:
		mulaw, err := base64.StdEncoding.DecodeString(event.Delta)
		if err != nil {
			s.logger.Warn("Undecodable audio delta, skipping", "call", s.callID, "error", err)
			return
		}
		frame := internal_audio.Frame{
			Data:       internal_audio.DecodeMulaw(mulaw),
			Encoding:   internal_audio.EncodingPCM16,
			SampleRate: internal_audio.TelephonySampleRate,
		}
		select {
		case s.audioOut <- frame:
		case <-s.done:
		}

	case eventSpeechStarted:
		// Patient started talking. Barge-in: the orchestrator flushes queued
		// assistant playback on this signal.
		s.emitSpeech(SpeechEvent{
			Role:      RolePatient,
			Type:      SpeechStarted,
			TurnID:    event.ItemID,
			Timestamp: time.Now(),
		})
		s.emitSession(SessionEvent{Type: SessionInterrupted})

	case eventSpeechStopped:
		// Finalized text follows on the transcription event.

	case eventInputTranscriptDone:
		s.emitSpeech(SpeechEvent{
			Role:      RolePatient,
			Type:      SpeechFinalized,
			TurnID:    event.ItemID,
			Text:      event.Transcript,
			Timestamp: time.Now(),
		})

	case eventResponseCreated:
		turnID := event.ResponseID
		if turnID == "" && event.Response != nil {
			turnID = event.Response.ID
		}
		s.emitSpeech(SpeechEvent{
			Role:      RoleAssistant,
			Type:      SpeechStarted,
			TurnID:    turnID,
			Timestamp: time.Now(),
		})

	case eventOutputTranscript:
		s.emitSpeech(SpeechEvent{
			Role:      RoleAssistant,
			Type:      SpeechFinalized,
			TurnID:    event.ResponseID,
			Text:      event.Transcript,
			Timestamp: time.Now(),
		})

	case eventResponseDone:
		// Turn boundary already covered by the transcript event.

	case eventError:
		msg := "realtime provider error"
		code := ""
		if event.Error != nil {
			msg = event.Error.Message
			code = event.Error.Code
		}
		if strings.Contains(code, "rate_limit") || strings.Contains(event.Type, "rate_limit") {
			s.logger.Warn("Realtime provider rate limited", "call", s.callID, "code", code)
			s.emitSession(SessionEvent{Type: SessionRateLimited, Message: msg})
			return
		}
		s.logger.Error("Realtime provider error",
			"call", s.callID,
			"code", code,
			"message", msg)
		s.emitSession(SessionEvent{Type: SessionError, Message: msg})

	default:
		s.logger.Debugw("Ignoring realtime event", "call", s.callID, "type", event.Type)
	}
}

func (s *Session) writeJSON(v interface{}) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("realtime session for call %s not connected", s.callID)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (s *Session) emitSpeech(ev SpeechEvent) {
	select {
	case s.speechEvents <- ev:
	case <-s.done:
	default:
		s.logger.Warn("Speech event stream backed up, dropping",
			"call", s.callID,
			"type", string(ev.Type))
	}
}

func (s *Session) emitSession(ev SessionEvent) {
	select {
	case s.sessionEvents <- ev:
	case <-s.done:
	default:
	}
}

// AudioOut streams assistant speech as linear PCM16 frames.
func (s *Session) AudioOut() <-chan internal_audio.Frame {
	return s.audioOut
}

// SpeechEvents streams speech boundaries for the transcript assembler.
func (s *Session) SpeechEvents() <-chan SpeechEvent {
	return s.speechEvents
}

// Events streams session/control notifications for the orchestrator.
func (s *Session) Events() <-chan SessionEvent {
	return s.sessionEvents
}

// LastActivity reports when the provider last produced or accepted traffic.
func (s *Session) LastActivity() time.Time {
	n := s.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Done closes when the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears the session down. Safe to call any number of times, from any
// goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn != nil {
			s.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			conn.Close()
		}
		if n := s.dropped.Load(); n > 0 {
			s.logger.Info("AI session closed with dropped outbound frames",
				"call", s.callID,
				"dropped", n)
		}
	})
}
