package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-agent/internal/apierror"
	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/health"
)

type fakeStrategy struct {
	name  string
	tier  Tier
	url   string
	err   error
	block bool
	calls atomic.Int32
	voice atomic.Value
}

func (f *fakeStrategy) Name() string { return f.name }
func (f *fakeStrategy) Tier() Tier   { return f.tier }

func (f *fakeStrategy) Synthesize(ctx context.Context, _ string, voiceID string) (string, error) {
	f.calls.Add(1)
	f.voice.Store(voiceID)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.url, f.err
}

func okPrimary() *fakeStrategy {
	return &fakeStrategy{name: "murf", tier: TierPrimary, url: "https://murf.example/a.mp3"}
}

func failing(name string, tier Tier) *fakeStrategy {
	return &fakeStrategy{name: name, tier: tier, err: errors.New(name + " down")}
}

func TestCascade_PrimaryShortCircuits(t *testing.T) {
	primary, secondary := okPrimary(), &fakeStrategy{name: "piper", tier: TierSecondary, url: "/api/audio/x"}
	tracker := health.NewTracker()
	c := NewCascade([]SynthesisStrategy{primary, secondary}, time.Second, tracker)

	ref := c.Synthesize(context.Background(), "hello", "en-US-natalie")

	assert.Equal(t, AudioRef{URL: "https://murf.example/a.mp3", Tier: TierPrimary, Strategy: "murf"}, ref)
	assert.Zero(t, secondary.calls.Load())
	assert.Equal(t, "en-US-natalie", primary.voice.Load())
	assert.Zero(t, tracker.Total())
}

func TestCascade_FallsBackToSecondary(t *testing.T) {
	secondary := &fakeStrategy{name: "piper", tier: TierSecondary, url: "/api/audio/x"}
	tracker := health.NewTracker()
	c := NewCascade([]SynthesisStrategy{failing("murf", TierPrimary), secondary}, time.Second, tracker)

	ref := c.Synthesize(context.Background(), "hello", "v")

	assert.Equal(t, TierSecondary, ref.Tier)
	assert.Equal(t, StatusFallback, ref.Tier.Status())
	assert.Equal(t, "/api/audio/x", ref.URL)
	assert.EqualValues(t, 1, tracker.Snapshot()[apierror.KindTTS])
}

func TestCascade_TextOnlyWhenAllFail(t *testing.T) {
	tracker := health.NewTracker()
	c := NewCascade([]SynthesisStrategy{failing("murf", TierPrimary), failing("piper", TierSecondary)}, time.Second, tracker)

	ref := c.Synthesize(context.Background(), "hello", "v")

	assert.Equal(t, TierTextOnly, ref.Tier)
	assert.Equal(t, "TEXT_ONLY:hello", ref.URL)
	assert.EqualValues(t, 1, tracker.Snapshot()[apierror.KindTTS])
}

func TestCascade_EmptyChainIsTextOnly(t *testing.T) {
	c := NewCascade(nil, 0, nil)
	assert.Equal(t, []string{"text_only"}, c.Strategies())
	assert.False(t, c.Has(TierPrimary))
	assert.Equal(t, "TEXT_ONLY:hi", c.Synthesize(context.Background(), "hi", "").URL)
}

func TestCascade_StrategyTimeout(t *testing.T) {
	slow := &fakeStrategy{name: "murf", tier: TierPrimary, block: true}
	secondary := &fakeStrategy{name: "piper", tier: TierSecondary, url: "/api/audio/y"}
	c := NewCascade([]SynthesisStrategy{slow, secondary}, 20*time.Millisecond, nil)

	start := time.Now()
	ref := c.Synthesize(context.Background(), "hello", "v")

	assert.Equal(t, TierSecondary, ref.Tier)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTierStatus(t *testing.T) {
	assert.Equal(t, StatusPrimary, TierPrimary.Status())
	assert.Equal(t, StatusFallback, TierSecondary.Status())
	assert.Equal(t, StatusTextOnly, TierTextOnly.Status())
}

type fakeSynth struct {
	data []byte
	err  error
	opts TTSOptions
}

func (f *fakeSynth) SynthesizeAudio(_ context.Context, _ string, opts TTSOptions) ([]byte, error) {
	f.opts = opts
	return f.data, f.err
}

func TestClipStrategy_StoresClip(t *testing.T) {
	wav := audio.SilenceWAV(10, 16000)
	clips := audio.NewClipStore(time.Minute, 8)
	s := NewClipStrategy("piper", TierSecondary, &fakeSynth{data: wav}, clips)

	url, err := s.Synthesize(context.Background(), "hi", "en-US-natalie")
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(url, "/api/audio/"))
	clip, ok := clips.Get(strings.TrimPrefix(url, "/api/audio/"))
	require.True(t, ok)
	assert.Equal(t, "audio/wav", clip.MIME)
	assert.Equal(t, wav, clip.Data)
}

func TestClipStrategy_InlineAndVoice(t *testing.T) {
	synth := &fakeSynth{data: audio.SilenceWAV(10, 16000)}
	s := NewClipStrategy("eleven", TierPrimary, synth, nil, WithVoice())

	url, err := s.Synthesize(context.Background(), "hi", "voice-1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(url, "data:audio/wav;base64,"))
	assert.Equal(t, "voice-1", synth.opts.Voice)
}

func TestClipStrategy_NoVoiceForSecondary(t *testing.T) {
	synth := &fakeSynth{data: []byte("ID3....")}
	s := NewClipStrategy("openai", TierSecondary, synth, nil)

	_, err := s.Synthesize(context.Background(), "hi", "en-US-natalie")
	require.NoError(t, err)
	assert.Empty(t, synth.opts.Voice)
}

func TestClipStrategy_EmptyAudioFails(t *testing.T) {
	s := NewClipStrategy("piper", TierSecondary, &fakeSynth{}, nil)
	_, err := s.Synthesize(context.Background(), "hi", "")
	assert.Error(t, err)
}

// murfServer accepts only the given header/field combination.
type murfServer struct {
	mu       sync.Mutex
	header   string
	field    string
	response map[string]string
	attempts []string
	texts    []string
}

func (m *murfServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)

	header := "api-key"
	if r.Header.Get("Authorization") != "" {
		header = "Authorization"
	}
	field := "voice"
	if _, ok := body["voiceId"]; ok {
		field = "voiceId"
	}
	m.mu.Lock()
	m.attempts = append(m.attempts, header+"/"+field)
	text, _ := body["text"].(string)
	m.texts = append(m.texts, text)
	m.mu.Unlock()

	if header != m.header || field != m.field {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	json.NewEncoder(w).Encode(m.response)
}

func TestMurf_TriesVariantsInOrder(t *testing.T) {
	ms := &murfServer{header: "api-key", field: "voice", response: map[string]string{"audioFile": "https://murf.example/f.mp3"}}
	srv := httptest.NewServer(ms)
	defer srv.Close()

	m := NewMurfSynthesizer(srv.URL, "k", "en-US-natalie", srv.Client())
	url, err := m.Synthesize(context.Background(), "hello", "")
	require.NoError(t, err)

	assert.Equal(t, "https://murf.example/f.mp3", url)
	assert.Equal(t, []string{"Authorization/voiceId", "Authorization/voice", "api-key/voiceId", "api-key/voice"}, ms.attempts)
}

func TestMurf_Base64Body(t *testing.T) {
	ms := &murfServer{header: "Authorization", field: "voiceId", response: map[string]string{"audioBase64": "QUJD"}}
	srv := httptest.NewServer(ms)
	defer srv.Close()

	m := NewMurfSynthesizer(srv.URL, "k", "en-US-natalie", srv.Client())
	url, err := m.Synthesize(context.Background(), "hello", "en-US-marcus")
	require.NoError(t, err)
	assert.Equal(t, "data:audio/mp3;base64,QUJD", url)
}

func TestMurf_TruncatesLongText(t *testing.T) {
	ms := &murfServer{header: "Authorization", field: "voiceId", response: map[string]string{"url": "u"}}
	srv := httptest.NewServer(ms)
	defer srv.Close()

	m := NewMurfSynthesizer(srv.URL, "k", "v", srv.Client())
	_, err := m.Synthesize(context.Background(), strings.Repeat("a", 3001), "")
	require.NoError(t, err)

	require.Len(t, ms.texts, 1)
	assert.Len(t, ms.texts[0], murfKeepChars+3)
	assert.True(t, strings.HasSuffix(ms.texts[0], "..."))

	assert.Equal(t, strings.Repeat("b", 3000), truncateForMurf(strings.Repeat("b", 3000)))
}

func TestMurf_AllVariantsFail(t *testing.T) {
	ms := &murfServer{header: "none", field: "none"}
	srv := httptest.NewServer(ms)
	defer srv.Close()

	m := NewMurfSynthesizer(srv.URL, "k", "v", srv.Client())
	_, err := m.Synthesize(context.Background(), "hello", "")
	require.Error(t, err)
	assert.Len(t, ms.attempts, 4)
}

func TestMurf_MissingKey(t *testing.T) {
	m := NewMurfSynthesizer("", "", "v", http.DefaultClient)
	_, err := m.Synthesize(context.Background(), "hello", "")
	assert.Equal(t, apierror.KindConfig, apierror.KindOf(err))
}

func TestOpenAISynthesizer_SendsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		w.Write([]byte("ID3audio"))
	}))
	defer srv.Close()

	s := NewOpenAISynthesizer(srv.URL, "k", "tts-1", "alloy", srv.Client())
	data, err := s.SynthesizeAudio(context.Background(), "hi", TTSOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3audio"), data)
}

func TestPiperSidecar_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/synthesize", r.URL.Path)
		http.Error(w, "no model", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewPiperSynthesizer(srv.URL, DefaultPiperVoice, srv.Client())
	_, err := s.SynthesizeAudio(context.Background(), "hi", TTSOptions{})
	assert.Error(t, err)
}

func TestPiperExec_ResolveVoice(t *testing.T) {
	p := NewPiperExecSynthesizer("piper", "/models", "")
	assert.Equal(t, DefaultPiperVoice, p.ResolveVoice(""))
	assert.Equal(t, "en_GB-alan-low", p.ResolveVoice("en_GB-alan-low"))
	assert.Equal(t, DefaultPiperVoice, p.ResolveVoice("../etc/passwd"))
}
