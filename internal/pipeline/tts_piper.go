package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultPiperVoice is used when no voice is configured.
const DefaultPiperVoice = "en_US-lessac-medium"

// PiperExecSynthesizer runs the piper binary locally. Text is fed on
// stdin and the WAV is read back from a temp file.
type PiperExecSynthesizer struct {
	bin      string
	modelDir string
	voice    string
}

// NewPiperExecSynthesizer creates a local piper runner.
func NewPiperExecSynthesizer(bin, modelDir, voice string) *PiperExecSynthesizer {
	if voice == "" {
		voice = DefaultPiperVoice
	}
	return &PiperExecSynthesizer{bin: bin, modelDir: modelDir, voice: voice}
}

// ResolveVoice picks the requested voice or the configured default.
func (p *PiperExecSynthesizer) ResolveVoice(voice string) string {
	if voice != "" && !strings.ContainsAny(voice, `/\`) {
		return voice
	}
	return p.voice
}

func (p *PiperExecSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	voice := p.ResolveVoice(opts.Voice)
	modelPath := filepath.Join(p.modelDir, voice+".onnx")
	configPath := filepath.Join(p.modelDir, voice+".onnx.json")

	tmpFile, err := os.CreateTemp("", "piper-*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	outPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(outPath)

	cmd := exec.CommandContext(ctx, p.bin,
		"--model", modelPath,
		"--config", configPath,
		"--output_file", outPath,
	)
	cmd.Stdin = strings.NewReader(text)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("piper: %w\n%s", err, output)
	}

	return os.ReadFile(outPath)
}
