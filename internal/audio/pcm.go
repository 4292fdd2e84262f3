package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrNotPCM is returned for WAV files that are not 16-bit integer PCM.
var ErrNotPCM = errors.New("wav is not 16-bit pcm")

func decodePCM(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// DecodeWAV parses a RIFF/WAVE payload of 16-bit PCM, downmixing to mono.
// Returns samples normalized to [-1, 1] and the sample rate.
func DecodeWAV(data []byte) ([]float32, int, error) {
	if Sniff(data) != FormatWAV {
		return nil, 0, fmt.Errorf("not a wav payload")
	}

	var (
		format, channels, bits uint16
		rate                   uint32
		haveFmt                bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := data[pos : pos+4]
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := min(body+size, len(data))

		switch {
		case bytes.Equal(id, []byte("fmt ")):
			if end-body < 16 {
				return nil, 0, fmt.Errorf("short fmt chunk")
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = binary.LittleEndian.Uint16(data[body+2:])
			rate = binary.LittleEndian.Uint32(data[body+4:])
			bits = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true
		case bytes.Equal(id, []byte("data")):
			if !haveFmt {
				return nil, 0, fmt.Errorf("data chunk before fmt chunk")
			}
			if format != 1 || bits != 16 || channels == 0 {
				return nil, 0, ErrNotPCM
			}
			return downmix(decodePCM(data[body:end]), int(channels)), int(rate), nil
		}
		// Chunks are word aligned.
		pos = body + size + size%2
	}
	return nil, 0, fmt.Errorf("wav has no data chunk")
}

func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	out := make([]float32, len(samples)/channels)
	for i := range out {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
