package audio

import "math"

// DefaultSilenceThresholdDB is the frame energy below which audio counts as silence.
const DefaultSilenceThresholdDB = -50.0

const frameMs = 30

// IsSilent reports whether no 30ms frame of samples reaches thresholdDB.
func IsSilent(samples []float32, sampleRate int, thresholdDB float64) bool {
	if len(samples) == 0 {
		return true
	}
	frame := sampleRate * frameMs / 1000
	if frame <= 0 {
		frame = len(samples)
	}
	for start := 0; start < len(samples); start += frame {
		end := min(start+frame, len(samples))
		if computeEnergyDB(samples[start:end]) >= thresholdDB {
			return false
		}
	}
	return true
}

func computeEnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -100
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}
