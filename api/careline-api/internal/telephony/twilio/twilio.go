// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_twilio_telephony

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/rapidaai/careline/api/careline-api/config"
	internal_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony"
	"github.com/rapidaai/careline/pkg/commons"
)

// twl is the alternate outbound dialer. It originates the patient leg via
// Twilio and lands it on the PBX over SIP; all subsequent channel events
// flow through the primary ARI control plane.
type twl struct {
	logger commons.Logger
	cfg    config.TwilioConfig
	client *twilio.RestClient
}

// NewTwilioDialer creates the Twilio outbound dialer.
func NewTwilioDialer(cfg config.TwilioConfig, logger commons.Logger) (internal_telephony.Dialer, error) {
	if cfg.AccountSid == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio dialer requires account_sid and auth_token")
	}
	if cfg.MediaSIPURI == "" {
		return nil, fmt.Errorf("twilio dialer requires media_sip_uri pointing at the PBX")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSid,
		Password: cfg.AuthToken,
	})
	return &twl{
		logger: logger,
		cfg:    cfg,
		client: client,
	}, nil
}

func (tpc *twl) Name() string {
	return "twilio"
}

// Dial places the outbound call and bridges it to the PBX SIP endpoint so
// the ARI application picks it up as an inbound channel.
func (tpc *twl) Dial(ctx context.Context, toNumber, fromNumber string) (internal_telephony.ChannelRef, error) {
	if fromNumber == "" {
		fromNumber = tpc.cfg.FromNumber
	}

	twiml := fmt.Sprintf(`<Response><Dial answerOnBridge="true"><Sip>%s</Sip></Dial></Response>`,
		tpc.cfg.MediaSIPURI)

	params := &openapi.CreateCallParams{}
	params.SetTo(toNumber)
	params.SetFrom(fromNumber)
	params.SetTwiml(twiml)

	resp, err := tpc.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio create call to %s failed: %w", toNumber, err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio create call to %s returned no sid", toNumber)
	}

	tpc.logger.Info("Twilio outbound call created",
		"sid", *resp.Sid,
		"to", toNumber,
		"from", fromNumber)
	return internal_telephony.ChannelRef(*resp.Sid), nil
}

// CancelDial completes an in-flight call that has not been bridged yet.
func (tpc *twl) CancelDial(ctx context.Context, ref internal_telephony.ChannelRef) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")

	if _, err := tpc.client.Api.UpdateCall(string(ref), params); err != nil {
		return fmt.Errorf("twilio cancel call %s failed: %w", ref, err)
	}
	tpc.logger.Debugw("Twilio call cancelled", "sid", string(ref))
	return nil
}
