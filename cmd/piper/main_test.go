package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-agent/internal/pipeline"
)

type fakeSynth struct {
	out   []byte
	err   error
	voice string
}

func (f *fakeSynth) SynthesizeAudio(_ context.Context, _ string, opts pipeline.TTSOptions) ([]byte, error) {
	f.voice = opts.Voice
	return f.out, f.err
}

func TestSynthesize(t *testing.T) {
	synth := &fakeSynth{out: []byte("RIFF")}
	mux := (&server{synth: synth}).routes()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/synthesize", strings.NewReader(`{"text":"hello","voice":"en_US-amy-low"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Equal(t, "RIFF", rec.Body.String())
	assert.Equal(t, "en_US-amy-low", synth.voice)
}

func TestSynthesize_Errors(t *testing.T) {
	mux := (&server{synth: &fakeSynth{err: errors.New("boom")}}).routes()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/synthesize", strings.NewReader(`{"text":"  "}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/synthesize", strings.NewReader(`{"text":"hi"}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	(&server{}).routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
