// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"encoding/binary"

	"github.com/zaf/g711"
)

// DecodeMulaw decodes µ-law telephony audio to little-endian linear PCM16.
func DecodeMulaw(mulaw []byte) []byte {
	return g711.DecodeUlaw(mulaw)
}

// EncodeMulaw encodes little-endian linear PCM16 to µ-law. An odd trailing
// byte (half a sample) is dropped.
func EncodeMulaw(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return g711.EncodeUlaw(pcm)
}

// PCM16ToSamples converts little-endian PCM16 bytes to int16 samples.
func PCM16ToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToPCM16 converts int16 samples to little-endian PCM16 bytes.
func SamplesToPCM16(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}
