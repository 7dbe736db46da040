// Package audiocodec wraps Opus encode/decode and the sample-rate/channel
// conforming step that sits in front of it, so every audio chunk reaching
// the wire is 48kHz stereo float PCM regardless of what the capture
// device actually produced (spec.md §4.2).
//
// Grounded on the resampler call sites in
// iamprashant-voice-ai/.../internal/channel/webrtc/streamer.go
// (resampler.Resample(pcm, sourceConfig, targetConfig) ahead of the codec
// boundary) adapted to gopkg.in/hraban/opus.v2's Encoder/Decoder and
// github.com/tphakala/go-audio-resampler's rate converter.
package audiocodec

import (
	"fmt"

	"github.com/tphakala/go-audio-resampler/resampler"
	"gopkg.in/hraban/opus.v2"
)

const (
	// SampleRate and Channels are the wire format fixed by spec.md §6.
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 10 // milliseconds per chunk
	samplesPerChunk = SampleRate * FrameDuration / 1000
)

// Encoder wraps an Opus encoder plus the conforming resampler applied to
// whatever the capture device actually hands it.
type Encoder struct {
	opusEnc    *opus.Encoder
	srcRate    int
	srcChans   int
	resampling bool
}

// NewEncoder constructs an encoder. srcRate/srcChans describe the raw PCM
// the capture device produces; if they already match SampleRate/Channels
// no resampling step is inserted.
func NewEncoder(srcRate, srcChans int) (*Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: new encoder: %w", err)
	}
	return &Encoder{
		opusEnc:    enc,
		srcRate:    srcRate,
		srcChans:   srcChans,
		resampling: srcRate != SampleRate || srcChans != Channels,
	}, nil
}

// Encode conforms pcm (interleaved float32, srcRate/srcChans layout) to
// 48kHz stereo and returns one Opus packet.
func (e *Encoder) Encode(pcm []float32) ([]byte, error) {
	conformed := pcm
	if e.resampling {
		var err error
		conformed, err = conform(pcm, e.srcRate, e.srcChans)
		if err != nil {
			return nil, fmt.Errorf("audiocodec: conform: %w", err)
		}
	}

	out := make([]byte, 4000) // generous upper bound for a 10ms Opus frame
	n, err := e.opusEnc.EncodeFloat32(conformed, out)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: opus encode: %w", err)
	}
	return out[:n], nil
}

// Decoder wraps an Opus decoder producing 48kHz stereo float PCM.
type Decoder struct {
	opusDec *opus.Decoder
}

// NewDecoder constructs a decoder. Output is always 48kHz stereo.
func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: new decoder: %w", err)
	}
	return &Decoder{opusDec: dec}, nil
}

// Decode returns one 10ms chunk of interleaved 48kHz stereo float PCM.
func (d *Decoder) Decode(packet []byte) ([]float32, error) {
	pcm := make([]float32, samplesPerChunk*Channels)
	n, err := d.opusDec.DecodeFloat32(packet, pcm)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: opus decode: %w", err)
	}
	return pcm[:n*Channels], nil
}

// conform resamples and up/down-mixes pcm from (srcRate, srcChans) to
// (SampleRate, Channels).
func conform(pcm []float32, srcRate, srcChans int) ([]float32, error) {
	mono := pcm
	if srcChans == 2 && Channels == 1 {
		mono = downmixStereoToMono(pcm)
	}

	resampled, err := resampler.Resample(mono, srcRate, SampleRate)
	if err != nil {
		return nil, fmt.Errorf("resample %dHz->%dHz: %w", srcRate, SampleRate, err)
	}

	if srcChans == 1 && Channels == 2 {
		return upmixMonoToStereo(resampled), nil
	}
	return resampled, nil
}

func downmixStereoToMono(pcm []float32) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = (pcm[2*i] + pcm[2*i+1]) / 2
	}
	return out
}

func upmixMonoToStereo(pcm []float32) []float32 {
	out := make([]float32, len(pcm)*2)
	for i, s := range pcm {
		out[2*i] = s
		out[2*i+1] = s
	}
	return out
}
