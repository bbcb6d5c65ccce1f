// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import "fmt"

// Encoding is an explicit audio payload encoding tag. Every AudioFrame
// carries one; format is never inferred positionally.
type Encoding string

const (
	EncodingMulaw Encoding = "mulaw"
	EncodingPCM16 Encoding = "linear16"
)

const (
	// TelephonySampleRate is the narrowband telephony clock rate (RFC 3551).
	TelephonySampleRate = 8000

	// FrameDuration is the packetization interval used on the RTP leg.
	FrameDurationMs = 20

	// SamplesPerFrame is the sample count of one 20ms narrowband frame.
	SamplesPerFrame = TelephonySampleRate * FrameDurationMs / 1000
)

// Config describes a concrete audio format.
type Config struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// NewMulaw8khzMonoConfig is the telephony wire format (RTP payload type 0).
func NewMulaw8khzMonoConfig() Config {
	return Config{Encoding: EncodingMulaw, SampleRate: TelephonySampleRate, Channels: 1}
}

// NewPCM168khzMonoConfig is the linear format exchanged with the AI bridge.
func NewPCM168khzMonoConfig() Config {
	return Config{Encoding: EncodingPCM16, SampleRate: TelephonySampleRate, Channels: 1}
}

func (c Config) String() string {
	return fmt.Sprintf("%s/%dHz/%dch", c.Encoding, c.SampleRate, c.Channels)
}

// Frame is one chunk of call audio in transit between the RTP transport and
// the AI bridge. Ownership passes from producer to consumer over a bounded
// channel; a frame is never mutated after it is sent.
type Frame struct {
	Data           []byte
	Encoding       Encoding
	SampleRate     int
	SequenceNumber uint16
	Timestamp      uint32
}

// Validate rejects frames whose tag does not match the expected format.
func (f Frame) Validate(expected Config) error {
	if f.Encoding != expected.Encoding {
		return fmt.Errorf("audio frame encoding %s does not match expected %s", f.Encoding, expected.Encoding)
	}
	if f.SampleRate != expected.SampleRate {
		return fmt.Errorf("audio frame sample rate %d does not match expected %d", f.SampleRate, expected.SampleRate)
	}
	return nil
}
