// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_rtp

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	internal_audio "github.com/rapidaai/careline/api/careline-api/internal/audio"
	"github.com/rapidaai/careline/pkg/commons"
	"github.com/rapidaai/careline/pkg/utils"
)

const (
	// payloadTypePCMU is RTP payload type 0: µ-law 8kHz mono (RFC 3551).
	payloadTypePCMU = 0

	maxDatagramSize = 1500

	// mulawSilence is the µ-law encoding of zero amplitude.
	mulawSilence = 0xFF
)

// Transport owns one UDP socket pair for a single call. Inbound RTP is
// depacketized, decoded to PCM16 and delivered on the inbound channel;
// outbound PCM16 from the AI bridge is paced into 20ms µ-law packets.
//
// The remote media endpoint is learned from the first inbound packet
// (symmetric RTP); nothing is sent until then.
type Transport struct {
	logger    commons.Logger
	sessionID string

	conn     *net.UDPConn // RTP
	rtcpConn *net.UDPConn // RTCP; held to reserve the odd port, traffic drained

	inbound        chan internal_audio.Frame
	silenceTimeout time.Duration
	idle           chan struct{}

	// remote endpoint, set once by the read loop.
	remoteMu   sync.RWMutex
	remoteAddr *net.UDPAddr

	// playback buffer: PCM16 bytes queued for pacing to the wire.
	playMu  sync.Mutex
	playBuf []byte

	ssrc     uint32
	sequence uint16
	rtpTime  uint32

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// NewTransport binds both ports of the pair. A bind failure is fatal to this
// call only; the caller releases the lease and fails the session.
func NewTransport(
	logger commons.Logger,
	sessionID string,
	pair PortPair,
	silenceTimeout time.Duration,
	inboundBuffer int,
) (*Transport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: pair.RTP})
	if err != nil {
		return nil, fmt.Errorf("failed to bind RTP port %d: %w", pair.RTP, err)
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: pair.RTCP})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to bind RTCP port %d: %w", pair.RTCP, err)
	}

	if inboundBuffer <= 0 {
		inboundBuffer = 50
	}

	return &Transport{
		logger:         logger,
		sessionID:      sessionID,
		conn:           conn,
		rtcpConn:       rtcpConn,
		inbound:        make(chan internal_audio.Frame, inboundBuffer),
		silenceTimeout: silenceTimeout,
		idle:           make(chan struct{}, 1),
		ssrc:           rand.Uint32(),
		sequence:       uint16(rand.Intn(1 << 16)),
		rtpTime:        rand.Uint32(),
		done:           make(chan struct{}),
	}, nil
}

// Inbound delivers decoded PCM16 frames in arrival order. When the consumer
// falls behind the buffer, the newest frame is dropped — RTP pickup must
// never block on a slow AI leg.
func (t *Transport) Inbound() <-chan internal_audio.Frame {
	return t.inbound
}

// Idle fires once when no inbound audio has arrived for the silence window.
func (t *Transport) Idle() <-chan struct{} {
	return t.idle
}

// Start launches the read, write-pacing and RTCP drain loops.
func (t *Transport) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)

	utils.Go(ctx, func() { t.readLoop(ctx) })
	utils.Go(ctx, func() { t.paceLoop(ctx) })
	utils.Go(ctx, func() { t.drainRTCP(ctx) })
}

// Play queues AI speech audio for playback to the remote leg. The frame must
// be PCM16 8kHz; a mismatched tag is rejected.
func (t *Transport) Play(frame internal_audio.Frame) error {
	if err := frame.Validate(internal_audio.NewPCM168khzMonoConfig()); err != nil {
		return err
	}
	t.playMu.Lock()
	t.playBuf = append(t.playBuf, frame.Data...)
	t.playMu.Unlock()
	return nil
}

// ClearPlayback drops any queued playback audio. Called on barge-in so the
// assistant stops talking over the patient.
func (t *Transport) ClearPlayback() {
	t.playMu.Lock()
	t.playBuf = t.playBuf[:0]
	t.playMu.Unlock()
}

// Stop closes both sockets and ends the loops. Idempotent — teardown can
// arrive from the hangup path and the watchdog at once.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.conn.Close()
		t.rtcpConn.Close()
		close(t.done)
		t.logger.Debugw("RTP transport stopped", "session", t.sessionID)
	})
}

// Done is closed after Stop completes.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) readLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)

	var (
		lastSeq     uint16
		gotFirst    bool
		idleTimer   *time.Timer
		idleExpired <-chan time.Time
	)
	if t.silenceTimeout > 0 {
		idleTimer = time.NewTimer(t.silenceTimeout)
		idleExpired = idleTimer.C
		defer idleTimer.Stop()

		utils.Go(ctx, func() {
			select {
			case <-idleExpired:
				t.logger.Warn("No inbound audio within silence window",
					"session", t.sessionID,
					"timeout", t.silenceTimeout.String())
				select {
				case t.idle <- struct{}{}:
				default:
				}
			case <-ctx.Done():
			}
		})
	}

	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				t.logger.Debugw("RTP read ended", "session", t.sessionID, "error", err)
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.logger.Debugw("Dropping malformed RTP packet", "session", t.sessionID, "error", err)
			continue
		}

		// Symmetric RTP: the first packet tells us where to send.
		t.remoteMu.Lock()
		if t.remoteAddr == nil {
			t.remoteAddr = addr
			t.logger.Info("Learned remote RTP endpoint",
				"session", t.sessionID,
				"remote", addr.String())
		}
		t.remoteMu.Unlock()

		// Drop packets older than the last accepted sequence instead of
		// reordering; latency matters more than completeness.
		if gotFirst {
			if delta := int16(pkt.SequenceNumber - lastSeq); delta <= 0 {
				continue
			}
		}
		lastSeq = pkt.SequenceNumber
		gotFirst = true

		if idleTimer != nil {
			// The watchdog goroutine is the only reader of the timer channel.
			// If the timer already fired the idle signal is already out and
			// the session is ending; resetting is harmless.
			idleTimer.Stop()
			idleTimer.Reset(t.silenceTimeout)
		}

		frame := internal_audio.Frame{
			Data:           internal_audio.DecodeMulaw(pkt.Payload),
			Encoding:       internal_audio.EncodingPCM16,
			SampleRate:     internal_audio.TelephonySampleRate,
			SequenceNumber: pkt.SequenceNumber,
			Timestamp:      pkt.Timestamp,
		}

		select {
		case t.inbound <- frame:
		default:
			// Consumer behind: drop rather than stall packet pickup.
		}
	}
}

// paceLoop clocks queued playback audio onto the wire in 20ms frames.
func (t *Transport) paceLoop(ctx context.Context) {
	ticker := time.NewTicker(internal_audio.FrameDurationMs * time.Millisecond)
	defer ticker.Stop()

	const pcmFrameBytes = internal_audio.SamplesPerFrame * 2

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t.remoteMu.RLock()
		remote := t.remoteAddr
		t.remoteMu.RUnlock()
		if remote == nil {
			continue
		}

		t.playMu.Lock()
		var chunk []byte
		if len(t.playBuf) >= pcmFrameBytes {
			chunk = t.playBuf[:pcmFrameBytes]
			t.playBuf = t.playBuf[pcmFrameBytes:]
		} else if len(t.playBuf) > 0 {
			// Final partial frame: pad with silence to keep the RTP clock even.
			chunk = make([]byte, pcmFrameBytes)
			copy(chunk, t.playBuf)
			t.playBuf = t.playBuf[:0]
		}
		t.playMu.Unlock()

		if chunk == nil {
			continue
		}

		if err := t.sendFrame(remote, internal_audio.EncodeMulaw(chunk)); err != nil {
			t.logger.Debugw("RTP send failed", "session", t.sessionID, "error", err)
		}
	}
}

func (t *Transport) sendFrame(remote *net.UDPAddr, payload []byte) error {
	t.sequence++
	t.rtpTime += internal_audio.SamplesPerFrame

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadTypePCMU,
			SequenceNumber: t.sequence,
			Timestamp:      t.rtpTime,
			SSRC:           t.ssrc,
		},
		Payload: payload,
	}

	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal RTP packet: %w", err)
	}
	if _, err := t.conn.WriteToUDP(raw, remote); err != nil {
		return fmt.Errorf("failed to write RTP packet: %w", err)
	}
	return nil
}

// drainRTCP reads and discards RTCP traffic so the socket buffer on the
// reserved odd port does not fill.
func (t *Transport) drainRTCP(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		if _, _, err := t.rtcpConn.ReadFromUDP(buf); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
