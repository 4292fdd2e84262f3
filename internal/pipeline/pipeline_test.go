package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-agent/internal/apierror"
	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/health"
	"github.com/hubenschmidt/voice-agent/internal/session"
)

type fakeTranscriber struct {
	text  string
	err   error
	calls atomic.Int32
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte) (*Transcript, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &Transcript{Text: f.text, Polls: 1}, nil
}

// webmBlob is a payload that sniffs as a browser recording.
var webmBlob = []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42, 0x86, 0x81, 0x01}

func toneWAV() []byte {
	samples := make([]float32, 16000/2)
	for i := range samples {
		samples[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return audio.SamplesToWAV(samples, 16000)
}

type harness struct {
	stt       *fakeTranscriber
	llm       *fakeBackend
	primary   *fakeStrategy
	secondary *fakeStrategy
	tracker   *health.Tracker
	sessions  *session.Store
	orch      *Orchestrator
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		stt:       &fakeTranscriber{text: "what is the weather"},
		llm:       &fakeBackend{reply: "It is sunny."},
		primary:   okPrimary(),
		secondary: &fakeStrategy{name: "piper", tier: TierSecondary, url: "/api/audio/clip"},
		tracker:   health.NewTracker(),
		sessions:  session.NewStore(),
	}
	cfg := Config{
		Transcriber:    h.stt,
		Generator:      newTestGenerator(h.llm, DefaultHistoryLimit),
		Cascade:        NewCascade([]SynthesisStrategy{h.primary, h.secondary}, time.Second, h.tracker),
		Sessions:       h.sessions,
		Errors:         h.tracker,
		RequestTimeout: 5 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.orch = New(cfg)
	return h
}

func (h *harness) run(sessionID string, data []byte) Result {
	return h.orch.Run(context.Background(), Request{SessionID: sessionID, Audio: data})
}

func stageJSON(t *testing.T, r Result) string {
	t.Helper()
	b, err := json.Marshal(r.StageStatus)
	require.NoError(t, err)
	return string(b)
}

func TestRun_AllStagesSucceed(t *testing.T) {
	h := newHarness(t)

	res := h.run("s1", webmBlob)

	assert.True(t, res.Success)
	assert.Equal(t, StateCompleted, res.State)
	require.NotNil(t, res.Transcription)
	assert.Equal(t, "what is the weather", *res.Transcription)
	require.NotNil(t, res.ReplyText)
	assert.Equal(t, "It is sunny.", *res.ReplyText)
	require.NotNil(t, res.AudioRef)
	assert.Equal(t, "https://murf.example/a.mp3", *res.AudioRef)
	assert.Nil(t, res.Error)
	assert.Equal(t, `{"stt":"ok","llm":"ok","tts":"primary"}`, stageJSON(t, res))
	assert.Equal(t, http.StatusOK, res.HTTPStatus())
	assert.Zero(t, h.tracker.Total())

	sess, ok := h.sessions.Get("s1")
	require.True(t, ok)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, session.RoleUser, sess.Turns[0].Role)
	assert.Equal(t, "what is the weather", sess.Turns[0].Text)
	assert.Equal(t, session.RoleAgent, sess.Turns[1].Role)
}

func TestRun_PrimaryTTSFailsUsesFallback(t *testing.T) {
	h := newHarness(t)
	h.primary.err = errors.New("murf 500")
	h.primary.url = ""

	res := h.run("s1", webmBlob)

	assert.True(t, res.Success)
	assert.Equal(t, `{"stt":"ok","llm":"ok","tts":"fallback"}`, stageJSON(t, res))
	assert.Equal(t, "/api/audio/clip", *res.AudioRef)
	assert.Nil(t, res.Error)
	assert.EqualValues(t, 1, h.tracker.Snapshot()[apierror.KindTTS])
	assert.EqualValues(t, 1, h.tracker.Total())
}

func TestRun_AllTTSFailsIsTextOnly(t *testing.T) {
	h := newHarness(t)
	h.primary.err, h.primary.url = errors.New("down"), ""
	h.secondary.err, h.secondary.url = errors.New("down"), ""

	res := h.run("s1", webmBlob)

	assert.True(t, res.Success)
	assert.Equal(t, TierTextOnly, res.Tier)
	assert.Equal(t, `{"stt":"ok","llm":"ok","tts":"text_only"}`, stageJSON(t, res))
	assert.Equal(t, "TEXT_ONLY:It is sunny.", *res.AudioRef)
}

func TestRun_STTFailureStopsPipeline(t *testing.T) {
	h := newHarness(t)
	h.stt.err = apierror.New(apierror.KindSTT, "stt", apierror.ReasonTimeout, "timeout")

	res := h.run("s1", webmBlob)

	assert.False(t, res.Success)
	assert.Equal(t, StateErrored, res.State)
	assert.Equal(t, `{"stt":"failed"}`, stageJSON(t, res))
	require.NotNil(t, res.Error)
	assert.Equal(t, apierror.KindSTT, res.Error.Kind)
	assert.Equal(t, "stt", res.Error.Stage)
	assert.NotEmpty(t, res.Error.UserMessage)
	assert.True(t, res.RetrySuggested)
	assert.Nil(t, res.Transcription)
	assert.Nil(t, res.ReplyText)
	assert.Nil(t, res.AudioRef)
	assert.Zero(t, h.llm.calls())
	assert.Zero(t, h.primary.calls.Load())
	assert.Equal(t, http.StatusBadGateway, res.HTTPStatus())
	assert.EqualValues(t, 1, h.tracker.Snapshot()[apierror.KindSTT])

	_, ok := h.sessions.Get("s1")
	assert.False(t, ok)
}

func TestRun_LLMFailureKeepsTranscript(t *testing.T) {
	h := newHarness(t)
	h.llm.err = errors.New("quota exceeded")

	res := h.run("s1", webmBlob)

	assert.Equal(t, `{"stt":"ok","llm":"failed"}`, stageJSON(t, res))
	require.NotNil(t, res.Transcription)
	assert.Equal(t, apierror.KindLLM, res.Error.Kind)
	assert.Zero(t, h.primary.calls.Load())
	assert.EqualValues(t, 1, h.tracker.Snapshot()[apierror.KindLLM])
}

func TestRun_NoSpeech(t *testing.T) {
	cases := map[string]struct {
		data      []byte
		text      string
		sttCalled bool
		stages    string
	}{
		"empty payload":    {data: nil, stages: `{}`},
		"silent wav":       {data: audio.SilenceWAV(500, 16000), stages: `{}`},
		"empty transcript": {data: webmBlob, text: "  ", sttCalled: true, stages: `{"stt":"ok"}`},
		"noise transcript": {data: webmBlob, text: "[background noise]", sttCalled: true, stages: `{"stt":"ok"}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.stt.text = tc.text

			res := h.run("s1", tc.data)

			assert.True(t, res.NoSpeech)
			assert.False(t, res.Success)
			assert.Equal(t, StateNoSpeech, res.State)
			assert.Equal(t, tc.stages, stageJSON(t, res))
			assert.Equal(t, apierror.NoSpeechMessage, res.Message)
			assert.Equal(t, http.StatusBadRequest, res.HTTPStatus())
			assert.Equal(t, tc.sttCalled, h.stt.calls.Load() == 1)
			assert.Zero(t, h.llm.calls())
			assert.Zero(t, h.tracker.Total())
		})
	}
}

func TestRun_ToneWAVIsTranscribed(t *testing.T) {
	h := newHarness(t)

	res := h.run("s1", toneWAV())

	assert.True(t, res.Success)
	assert.EqualValues(t, 1, h.stt.calls.Load())
}

func TestRun_FileErrors(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.MaxAudioBytes = 4 })
		res := h.run("s1", webmBlob)

		require.NotNil(t, res.Error)
		assert.Equal(t, apierror.KindFile, res.Error.Kind)
		assert.Equal(t, "stt", res.Error.Stage)
		assert.Equal(t, `{}`, stageJSON(t, res))
		assert.Equal(t, http.StatusRequestEntityTooLarge, res.HTTPStatus())
		assert.Zero(t, h.stt.calls.Load())
		assert.EqualValues(t, 1, h.tracker.Snapshot()[apierror.KindFile])
	})
	t.Run("unsupported", func(t *testing.T) {
		h := newHarness(t)
		res := h.run("s1", []byte("plain text, not audio"))

		require.NotNil(t, res.Error)
		assert.Equal(t, apierror.KindFile, res.Error.Kind)
		assert.Equal(t, http.StatusUnsupportedMediaType, res.HTTPStatus())
		assert.Zero(t, h.stt.calls.Load())
	})
}

func TestRun_MissingSTTKeyIsConfigError(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Transcriber = NewAssemblyAIClient("http://127.0.0.1:1", "", DefaultPollPolicy(), http.DefaultClient)
	})

	res := h.run("s1", webmBlob)

	require.NotNil(t, res.Error)
	assert.Equal(t, apierror.KindConfig, res.Error.Kind)
	assert.Equal(t, "stt", res.Error.Stage)
	assert.Empty(t, res.StageStatus)
	assert.False(t, res.RetrySuggested)
	assert.Equal(t, http.StatusServiceUnavailable, res.HTTPStatus())
}

func TestRun_MissingLLMIsConfigError(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Generator = nil })

	res := h.run("s1", webmBlob)

	require.NotNil(t, res.Error)
	assert.Equal(t, apierror.KindConfig, res.Error.Kind)
	assert.Zero(t, h.stt.calls.Load())
}

func TestRun_TimeoutReleasesSessionLock(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RequestTimeout = 30 * time.Millisecond })
	h.llm.block = true

	res := h.run("s1", webmBlob)

	require.NotNil(t, res.Error)
	assert.Equal(t, apierror.KindNetwork, res.Error.Kind)
	assert.Equal(t, "request timed out", res.Error.Message)
	assert.Equal(t, `{"stt":"ok","llm":"failed"}`, stageJSON(t, res))
	assert.Equal(t, http.StatusGatewayTimeout, res.HTTPStatus())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlock, err := h.sessions.Lock(ctx, "s1")
	require.NoError(t, err)
	unlock()
}

func TestRun_HistoryFeedsNextTurn(t *testing.T) {
	h := newHarness(t)

	h.run("s1", webmBlob)
	h.stt.text = "and tomorrow"
	h.run("s1", webmBlob)

	prompt := h.llm.last().Prompt
	assert.Contains(t, prompt, "User: what is the weather\nAssistant: It is sunny.\n")
	assert.Contains(t, prompt, "User: and tomorrow\nAssistant:")
}

func TestRun_SessionsAreIsolated(t *testing.T) {
	h := newHarness(t)

	h.run("a", webmBlob)
	h.run("b", webmBlob)

	assert.NotContains(t, h.llm.last().Prompt, "It is sunny.")
	assert.Len(t, h.sessions.Recent("a", 10), 2)
	assert.Len(t, h.sessions.Recent("b", 10), 2)
}

func TestRun_ConcurrentSameSessionIsSerialized(t *testing.T) {
	h := newHarness(t)
	h.llm.delay = 20 * time.Millisecond

	const n = 4
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.run("s1", webmBlob)
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()

	history := h.sessions.Recent("s1", 100)
	require.Len(t, history, 2*n)
	for i, turn := range history {
		want := session.RoleUser
		if i%2 == 1 {
			want = session.RoleAgent
		}
		assert.Equal(t, want, turn.Role, "turn %d", i)
	}
}

// payloadTranscriber transcribes by payload, sleeping first when a delay is
// configured for it.
type payloadTranscriber struct {
	text  map[string]string
	delay map[string]time.Duration
}

func (p *payloadTranscriber) Transcribe(ctx context.Context, data []byte) (*Transcript, error) {
	select {
	case <-time.After(p.delay[string(data)]):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Transcript{Text: p.text[string(data)], Polls: 1}, nil
}

func TestRun_SameSessionTurnsFollowCompletionOrder(t *testing.T) {
	slowBlob := append(append([]byte{}, webmBlob...), 'A')
	fastBlob := append(append([]byte{}, webmBlob...), 'B')
	stt := &payloadTranscriber{
		text:  map[string]string{string(slowBlob): "slow", string(fastBlob): "fast"},
		delay: map[string]time.Duration{string(slowBlob): 80 * time.Millisecond},
	}
	h := newHarness(t, func(c *Config) { c.Transcriber = stt })

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.True(t, h.run("s1", slowBlob).Success)
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		assert.True(t, h.run("s1", fastBlob).Success)
	}()
	wg.Wait()

	history := h.sessions.Recent("s1", 10)
	require.Len(t, history, 4)
	assert.Equal(t, "fast", history[0].Text)
	assert.Equal(t, session.RoleAgent, history[1].Role)
	assert.Equal(t, "slow", history[2].Text)
	assert.Equal(t, session.RoleAgent, history[3].Role)
}

func TestRun_DeadlineDuringSynthesisFallsBackToText(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RequestTimeout = 50 * time.Millisecond })
	h.primary.block = true

	res := h.run("s1", webmBlob)

	assert.True(t, res.Success)
	assert.Nil(t, res.Error)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, TierTextOnly, res.Tier)
	require.NotNil(t, res.ReplyText)
	assert.Equal(t, "It is sunny.", *res.ReplyText)
	assert.Equal(t, `{"stt":"ok","llm":"ok","tts":"text_only"}`, stageJSON(t, res))
	assert.Zero(t, h.secondary.calls.Load())
	assert.Len(t, h.sessions.Recent("s1", 10), 2)
}

func TestRunText_SkipsTranscription(t *testing.T) {
	h := newHarness(t)

	res := h.orch.RunText(context.Background(), TextRequest{SessionID: "s1", Message: "tell me a joke", Persona: "pirate"})

	assert.True(t, res.Success)
	assert.Zero(t, h.stt.calls.Load())
	assert.Equal(t, `{"llm":"ok","tts":"primary"}`, stageJSON(t, res))
	assert.Equal(t, "Ahoy! It is sunny. Arrr!", *res.ReplyText)
	assert.Equal(t, "en-US-marcus", h.primary.voice.Load())
}

func TestRunText_EmptyMessage(t *testing.T) {
	h := newHarness(t)

	res := h.orch.RunText(context.Background(), TextRequest{SessionID: "s1", Message: " "})

	require.NotNil(t, res.Error)
	assert.Equal(t, apierror.KindFile, res.Error.Kind)
	assert.Equal(t, http.StatusBadRequest, res.HTTPStatus())
	assert.Zero(t, h.llm.calls())
}

func TestRun_VoiceOverride(t *testing.T) {
	h := newHarness(t)

	h.orch.Run(context.Background(), Request{SessionID: "s1", Audio: webmBlob, VoiceID: "en-UK-hazel"})

	assert.Equal(t, "en-UK-hazel", h.primary.voice.Load())
}

func TestResult_JSONShape(t *testing.T) {
	h := newHarness(t)
	h.stt.err = errors.New("boom")

	b, err := json.Marshal(h.run("s1", webmBlob))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Contains(t, raw, "transcription")
	assert.Nil(t, raw["transcription"])
	assert.Nil(t, raw["reply_text"])
	assert.Nil(t, raw["audio_ref"])
	errObj := raw["error"].(map[string]any)
	assert.Equal(t, "SttError", errObj["kind"])

	var back Result
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, StageStatus{{Stage: StageSTT, Status: StatusFailed}}, back.StageStatus)
}
