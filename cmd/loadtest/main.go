package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/pipeline"
)

func main() {
	gateway := flag.String("gateway", "ws://localhost:8000/ws/chat", "gateway WebSocket URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent callers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	turns := flag.Int("turns", 3, "utterances sent per connection")
	audioDir := flag.String("audio-dir", "/samples", "directory with sample audio files")
	persona := flag.String("persona", "", "persona name sent in the session metadata")
	flag.Parse()

	files, err := findAudioFiles(*audioDir)
	if err != nil || len(files) == 0 {
		fmt.Fprintf(os.Stderr, "no audio files in %s, generating synthetic audio\n", *audioDir)
		files = nil
	}

	fmt.Printf("Load test: %d concurrent sessions for %s, %d turns each\n", *concurrency, *duration, *turns)
	fmt.Printf("Gateway: %s\n\n", *gateway)

	var mu sync.Mutex
	var results []turnResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for time.Now().Before(deadline) {
				r := runSession(*gateway, *persona, *turns, files)
				mu.Lock()
				results = append(results, r...)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type turnResult struct {
	outcome    string
	serverMs   float64
	roundTrip  float64
	transportE string
}

// outcome buckets a result by tier, no-speech or error kind.
func outcome(res pipeline.Result) string {
	switch {
	case res.NoSpeech:
		return "no_speech"
	case res.Error != nil:
		return string(res.Error.Kind)
	case res.Tier != "":
		return string(res.Tier)
	}
	return string(res.State)
}

func runSession(gateway, persona string, turns int, files []string) []turnResult {
	conn, _, err := websocket.DefaultDialer.Dial(gateway, nil)
	if err != nil {
		return []turnResult{{outcome: "transport", transportE: fmt.Sprintf("dial: %v", err)}}
	}
	defer conn.Close()

	meta, _ := json.Marshal(map[string]string{"session_id": "new", "persona": persona})
	if err = conn.WriteMessage(websocket.TextMessage, meta); err != nil {
		return []turnResult{{outcome: "transport", transportE: fmt.Sprintf("send meta: %v", err)}}
	}

	out := make([]turnResult, 0, turns)
	for range turns {
		start := time.Now()
		if err = conn.WriteMessage(websocket.BinaryMessage, getAudioData(files)); err != nil {
			return append(out, turnResult{outcome: "transport", transportE: fmt.Sprintf("send audio: %v", err)})
		}

		conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return append(out, turnResult{outcome: "transport", transportE: fmt.Sprintf("read: %v", err)})
		}
		var res pipeline.Result
		if err = json.Unmarshal(data, &res); err != nil {
			return append(out, turnResult{outcome: "transport", transportE: fmt.Sprintf("decode: %v", err)})
		}
		out = append(out, turnResult{
			outcome:   outcome(res),
			serverMs:  res.DurationMs,
			roundTrip: float64(time.Since(start).Milliseconds()),
		})
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return out
}

func getAudioData(files []string) []byte {
	if len(files) > 0 {
		data, err := os.ReadFile(files[rand.Intn(len(files))])
		if err == nil {
			return data
		}
	}
	return generateSyntheticAudio(3 * time.Second)
}

// generateSyntheticAudio renders a noisy 440Hz tone, loud enough to pass the
// gateway's silence check.
func generateSyntheticAudio(dur time.Duration) []byte {
	sampleRate := 16000
	samples := make([]float32, int(dur.Seconds()*float64(sampleRate)))
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = float32(math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05)
	}
	return audio.SamplesToWAV(samples, sampleRate)
}

var audioExts = map[string]bool{".wav": true, ".mp3": true, ".ogg": true, ".flac": true, ".webm": true, ".m4a": true}

func findAudioFiles(dir string) ([]string, error) {
	var files []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if audioExts[filepath.Ext(e.Name())] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func printSummary(results []turnResult) {
	byOutcome := map[string][]turnResult{}
	for _, r := range results {
		byOutcome[r.outcome] = append(byOutcome[r.outcome], r)
	}
	names := make([]string, 0, len(byOutcome))
	for k := range byOutcome {
		names = append(names, k)
	}
	sort.Strings(names)

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Turns completed: %d\n", len(results))

	fmt.Printf("\n%-14s %6s %10s %10s %10s %10s\n", "Outcome", "count", "p50", "p95", "p99", "rtt p95")
	for _, name := range names {
		rs := byOutcome[name]
		server := make([]float64, 0, len(rs))
		rtt := make([]float64, 0, len(rs))
		for _, r := range rs {
			server = append(server, r.serverMs)
			rtt = append(rtt, r.roundTrip)
		}
		fmt.Printf("%-14s %6d %8.0fms %8.0fms %8.0fms %8.0fms\n", name, len(rs),
			percentile(server, 50), percentile(server, 95), percentile(server, 99), percentile(rtt, 95))
	}

	if transport := byOutcome["transport"]; len(transport) > 0 {
		fmt.Printf("\nfirst transport error: %s\n", transport[0].transportE)
	}
}

func percentile(data []float64, pct float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
