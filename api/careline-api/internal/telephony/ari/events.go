// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_ari_telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	internal_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony"
	"github.com/rapidaai/careline/pkg/utils"
)

// ariEvent is the envelope of every message on the ARI event WebSocket.
// Unknown event types are ignored, not fatal.
type ariEvent struct {
	Type      string      `json:"type"`
	Channel   *ariChannel `json:"channel,omitempty"`
	Cause     int         `json:"cause,omitempty"`
	CauseTxt  string      `json:"cause_txt,omitempty"`
	Digit     string      `json:"digit,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

type ariChannel struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Caller struct {
		Number string `json:"number"`
	} `json:"caller"`
}

// Start opens the event WebSocket and keeps it alive until ctx is cancelled.
// Reconnects use capped exponential backoff with jitter; after each
// reconnect the client reconciles channel state (query-and-diff) instead of
// trusting pre-disconnect state.
func (c *Client) Start(ctx context.Context) error {
	if c.started {
		return fmt.Errorf("ARI client already started")
	}
	c.started = true
	c.runCtx, c.cancel = context.WithCancel(ctx)

	utils.Go(c.runCtx, func() { c.eventLoop(c.runCtx) })
	return nil
}

// Stop ends the event loop and closes all subscriber streams.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}

	c.subsMu.Lock()
	for ref, ch := range c.subs {
		delete(c.subs, ref)
		close(ch)
	}
	c.subsMu.Unlock()
}

func (c *Client) eventsURL() (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid ARI base URL %q: %w", c.cfg.BaseURL, err)
	}
	scheme := "ws"
	if base.Scheme == "https" {
		scheme = "wss"
	}

	events := url.URL{
		Scheme: scheme,
		Host:   base.Host,
		Path:   strings.TrimSuffix(base.Path, "/") + "/events",
	}
	query := events.Query()
	query.Set("app", c.cfg.Application)
	query.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	query.Set("subscribeAll", "true")
	events.RawQuery = query.Encode()
	return events.String(), nil
}

func (c *Client) eventLoop(ctx context.Context) {
	wsURL, err := c.eventsURL()
	if err != nil {
		c.logger.Errorf("Cannot build ARI events URL: %v", err)
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever until cancelled

	firstConnect := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.dialEvents(ctx, wsURL)
		if err != nil {
			c.breaker.Failure()
			wait := bo.NextBackOff()
			c.logger.Warn("ARI event socket connect failed",
				"error", err.Error(),
				"retry_in", wait.String())
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		bo.Reset()
		c.breaker.Success()
		c.logger.Info("ARI event socket connected", "app", c.cfg.Application)

		// Never assume pre-disconnect channel state is still valid: ask the
		// PBX what is actually alive and flag the rest dead.
		if !firstConnect {
			c.reconcile(ctx)
		}
		firstConnect = false

		c.readEvents(ctx, conn)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
			c.logger.Warn("ARI event socket disconnected, reconnecting")
		}
	}
}

func (c *Client) dialEvents(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect ARI event socket: %w", err)
	}
	return conn, nil
}

func (c *Client) readEvents(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debugf("ARI event socket closed normally")
			}
			return
		}

		var event ariEvent
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Warn("Malformed ARI event, skipping", "error", err)
			continue
		}
		c.handleEvent(event)
	}
}

func (c *Client) handleEvent(event ariEvent) {
	if event.Channel == nil {
		return
	}

	out := internal_telephony.Event{
		Channel:   internal_telephony.ChannelRef(event.Channel.ID),
		State:     event.Channel.State,
		Caller:    event.Channel.Caller.Number,
		Timestamp: time.Now(),
	}

	switch event.Type {
	case "StasisStart":
		out.Type = internal_telephony.EventStasisStart
	case "ChannelStateChange":
		out.Type = internal_telephony.EventStateChanged
	case "ChannelHangupRequest", "ChannelDestroyed", "StasisEnd":
		out.Type = internal_telephony.EventHangup
		out.Cause = event.CauseTxt
	case "ChannelDtmfReceived":
		out.Type = internal_telephony.EventDTMF
		out.Digit = event.Digit
	default:
		// Provider-defined and versioned; unknown types are ignorable.
		c.logger.Debugw("Ignoring ARI event", "type", event.Type)
		return
	}

	c.dispatch(out)
}

// reconcile queries live channels after a reconnect and synthesizes a
// channel_dead event for every subscribed channel the PBX no longer knows.
// The orchestrator tears the affected sessions down.
func (c *Client) reconcile(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	live, err := c.LiveChannels(reqCtx)
	if err != nil {
		c.logger.Error("Post-reconnect channel reconcile failed", "error", err)
		return
	}

	stale := 0
	for _, ref := range c.subscribedChannels() {
		if _, alive := live[ref]; alive {
			continue
		}
		stale++
		c.dispatch(internal_telephony.Event{
			Type:      internal_telephony.EventChannelDead,
			Channel:   ref,
			State:     internal_telephony.StateDown,
			Cause:     "lost during control-plane disconnect",
			Timestamp: time.Now(),
		})
	}

	c.logger.Info("Reconciled channels after reconnect",
		"live", len(live),
		"stale", stale)
}
