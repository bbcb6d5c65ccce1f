// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_ari_telephony

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/careline/api/careline-api/config"
	internal_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony"
	"github.com/rapidaai/careline/pkg/commons"
)

// channelResponse is the subset of the ARI channel resource we consume.
type channelResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

type bridgeResponse struct {
	ID string `json:"id"`
}

// Client is the single long-lived ARI control-plane connection: REST calls
// for channel/bridge lifecycle plus one event WebSocket (events.go). It
// implements internal_telephony.ControlPlane.
type Client struct {
	logger  commons.Logger
	cfg     config.ARIConfig
	rest    *resty.Client
	breaker *Breaker

	subsMu sync.Mutex
	subs   map[internal_telephony.ChannelRef]chan internal_telephony.Event
	// owned tracks channels this process created (originate, externalMedia)
	// so their StasisStart is never mistaken for an incoming call.
	owned map[internal_telephony.ChannelRef]struct{}

	inbound chan internal_telephony.Event

	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
}

// NewClient builds the ARI client. Call Start to open the event socket.
func NewClient(cfg config.ARIConfig, logger commons.Logger) *Client {
	rest := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetBasicAuth(cfg.Username, cfg.Password).
		SetTimeout(cfg.RequestTimeout)

	return &Client{
		logger:  logger,
		cfg:     cfg,
		rest:    rest,
		breaker: NewBreaker(logger, cfg.BreakerThreshold, cfg.BreakerCooldown),
		subs:    make(map[internal_telephony.ChannelRef]chan internal_telephony.Event),
		owned:   make(map[internal_telephony.ChannelRef]struct{}),
		inbound: make(chan internal_telephony.Event, 16),
	}
}

// Breaker exposes breaker state for health reporting.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// OriginateCall dials the given number into the Stasis application. Gated by
// the circuit breaker: while open it fails fast without a network attempt.
func (c *Client) OriginateCall(
	ctx context.Context,
	number string,
	callerID string,
	variables map[string]string,
) (internal_telephony.ChannelRef, error) {
	if !c.breaker.Allow() {
		return "", internal_telephony.ErrControlPlaneUnavailable
	}

	req := c.rest.R().
		SetContext(ctx).
		SetQueryParam("endpoint", number).
		SetQueryParam("app", c.cfg.Application).
		SetQueryParam("callerId", callerID).
		SetQueryParam("priority", "1")
	for key, value := range variables {
		req.SetQueryParam("variables["+key+"]", value)
	}

	var channel channelResponse
	resp, err := req.SetResult(&channel).Post("/channels")
	if err != nil {
		c.breaker.Failure()
		return "", fmt.Errorf("ARI originate request failed: %w", err)
	}
	if resp.IsError() {
		c.breaker.Failure()
		return "", fmt.Errorf("ARI originate returned status %d: %s", resp.StatusCode(), resp.String())
	}

	c.breaker.Success()
	ref := internal_telephony.ChannelRef(channel.ID)
	c.markOwned(ref)
	c.logger.Info("Originated channel",
		"channel", channel.ID,
		"endpoint", number)
	return ref, nil
}

// Answer answers a ringing channel.
func (c *Client) Answer(ctx context.Context, ref internal_telephony.ChannelRef) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		Post("/channels/" + string(ref) + "/answer")
	if err != nil {
		c.breaker.Failure()
		return fmt.Errorf("ARI answer request failed for %s: %w", ref, err)
	}
	if resp.IsError() {
		c.breaker.Failure()
		return fmt.Errorf("ARI answer returned status %d for %s", resp.StatusCode(), ref)
	}
	c.breaker.Success()
	return nil
}

// CreateExternalMedia creates the PBX-side RTP leg pointed at our transport.
func (c *Client) CreateExternalMedia(
	ctx context.Context,
	rtpHost string,
	rtpPort int,
) (internal_telephony.ChannelRef, error) {
	var channel channelResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("app", c.cfg.Application).
		SetQueryParam("external_host", rtpHost+":"+strconv.Itoa(rtpPort)).
		SetQueryParam("format", "ulaw").
		SetQueryParam("encapsulation", "rtp").
		SetQueryParam("transport", "udp").
		SetResult(&channel).
		Post("/channels/externalMedia")
	if err != nil {
		c.breaker.Failure()
		return "", fmt.Errorf("ARI externalMedia request failed: %w", err)
	}
	if resp.IsError() {
		c.breaker.Failure()
		return "", fmt.Errorf("ARI externalMedia returned status %d: %s", resp.StatusCode(), resp.String())
	}
	c.breaker.Success()
	ref := internal_telephony.ChannelRef(channel.ID)
	c.markOwned(ref)

	c.logger.Debugw("Created external media channel",
		"channel", channel.ID,
		"rtp", fmt.Sprintf("%s:%d", rtpHost, rtpPort))
	return ref, nil
}

// Bridge creates a mixing bridge and joins both channels into it.
func (c *Client) Bridge(ctx context.Context, a, b internal_telephony.ChannelRef) (string, error) {
	var bridge bridgeResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("type", "mixing").
		SetResult(&bridge).
		Post("/bridges")
	if err != nil {
		c.breaker.Failure()
		return "", fmt.Errorf("ARI bridge create failed: %w", err)
	}
	if resp.IsError() {
		c.breaker.Failure()
		return "", fmt.Errorf("ARI bridge create returned status %d", resp.StatusCode())
	}

	resp, err = c.rest.R().
		SetContext(ctx).
		SetQueryParam("channel", string(a)+","+string(b)).
		Post("/bridges/" + bridge.ID + "/addChannel")
	if err != nil {
		c.breaker.Failure()
		return "", fmt.Errorf("ARI addChannel failed for bridge %s: %w", bridge.ID, err)
	}
	if resp.IsError() {
		c.breaker.Failure()
		return "", fmt.Errorf("ARI addChannel returned status %d for bridge %s", resp.StatusCode(), bridge.ID)
	}

	c.breaker.Success()
	c.logger.Debugw("Bridged channels", "bridge", bridge.ID, "a", a, "b", b)
	return bridge.ID, nil
}

// DestroyBridge removes a bridge. 404 is treated as already gone.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		Delete("/bridges/" + bridgeID)
	if err != nil {
		return fmt.Errorf("ARI bridge delete failed for %s: %w", bridgeID, err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("ARI bridge delete returned status %d for %s", resp.StatusCode(), bridgeID)
	}
	return nil
}

// Hangup ends a channel. A 404 means the channel is already gone, which the
// racing teardown paths treat as success.
func (c *Client) Hangup(ctx context.Context, ref internal_telephony.ChannelRef) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		Delete("/channels/" + string(ref))
	if err != nil {
		c.breaker.Failure()
		return fmt.Errorf("ARI hangup request failed for %s: %w", ref, err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		c.breaker.Failure()
		return fmt.Errorf("ARI hangup returned status %d for %s", resp.StatusCode(), ref)
	}
	c.breaker.Success()
	return nil
}

// LiveChannels lists the channels currently alive on the PBX.
func (c *Client) LiveChannels(ctx context.Context) (map[internal_telephony.ChannelRef]struct{}, error) {
	var channels []channelResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&channels).
		Get("/channels")
	if err != nil {
		c.breaker.Failure()
		return nil, fmt.Errorf("ARI channel list failed: %w", err)
	}
	if resp.IsError() {
		c.breaker.Failure()
		return nil, fmt.Errorf("ARI channel list returned status %d", resp.StatusCode())
	}
	c.breaker.Success()

	live := make(map[internal_telephony.ChannelRef]struct{}, len(channels))
	for _, ch := range channels {
		live[internal_telephony.ChannelRef(ch.ID)] = struct{}{}
	}
	return live, nil
}

// Subscribe returns the event stream for one channel id.
func (c *Client) Subscribe(ref internal_telephony.ChannelRef) <-chan internal_telephony.Event {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if existing, ok := c.subs[ref]; ok {
		return existing
	}
	ch := make(chan internal_telephony.Event, 16)
	c.subs[ref] = ch
	return ch
}

// Unsubscribe removes and closes a channel's event stream.
func (c *Client) Unsubscribe(ref internal_telephony.ChannelRef) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if ch, ok := c.subs[ref]; ok {
		delete(c.subs, ref)
		close(ch)
	}
}

// Inbound streams StasisStart events for channels the engine did not create.
func (c *Client) Inbound() <-chan internal_telephony.Event {
	return c.inbound
}

func (c *Client) markOwned(ref internal_telephony.ChannelRef) {
	c.subsMu.Lock()
	c.owned[ref] = struct{}{}
	c.subsMu.Unlock()
}

// dispatch delivers an event to the channel's subscriber, dropping on a full
// buffer rather than blocking the socket reader. A StasisStart for a channel
// nobody subscribed to and this process did not create is an incoming call.
func (c *Client) dispatch(event internal_telephony.Event) {
	c.subsMu.Lock()
	ch, subscribed := c.subs[event.Channel]
	_, owned := c.owned[event.Channel]
	if event.Type == internal_telephony.EventHangup {
		delete(c.owned, event.Channel)
	}
	c.subsMu.Unlock()

	if !subscribed {
		if event.Type == internal_telephony.EventStasisStart && !owned {
			select {
			case c.inbound <- event:
			default:
				c.logger.Warn("Dropping inbound call, accept queue full",
					"channel", event.Channel)
			}
		}
		return
	}

	select {
	case ch <- event:
	default:
		c.logger.Warn("Dropping control-plane event, subscriber behind",
			"channel", event.Channel,
			"type", string(event.Type))
	}
}

// subscribedChannels snapshots the currently subscribed channel refs.
func (c *Client) subscribedChannels() []internal_telephony.ChannelRef {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	refs := make([]internal_telephony.ChannelRef, 0, len(c.subs))
	for ref := range c.subs {
		refs = append(refs, ref)
	}
	return refs
}
