package pipeline

import "strings"

// noisePatterns are common ASR hallucinations for recordings without speech.
var noisePatterns = map[string]bool{
	"crunching": true, "static": true, "silence": true, "noise": true,
	"inaudible": true, "unintelligible": true, "background noise": true,
	"music": true, "typing": true, "breathing": true, "sigh": true,
	"cough": true, "sneeze": true, "laughter": true, "laughs": true, "applause": true,
	"um": true, "uh": true, "hmm": true, "mhm": true,
}

// isNoiseTranscript returns true if the transcript is likely background noise
// rather than speech. An annotation like [noise] only counts when its inner
// text is itself a noise pattern.
func isNoiseTranscript(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}
	// *crunching*, [noise], (inaudible)
	for _, pair := range [][2]string{{"*", "*"}, {"[", "]"}, {"(", ")"}} {
		if len(text) >= 2 && strings.HasPrefix(text, pair[0]) && strings.HasSuffix(text, pair[1]) {
			inner := strings.TrimSuffix(strings.TrimPrefix(text, pair[0]), pair[1])
			if isNoiseWord(inner) {
				return true
			}
		}
	}
	return isNoiseWord(text)
}

func isNoiseWord(text string) bool {
	return noisePatterns[strings.ToLower(strings.TrimRight(strings.TrimSpace(text), ".!?,"))]
}
