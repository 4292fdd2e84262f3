package audio

import "bytes"

// Format is an audio container detected from a payload's leading bytes.
type Format string

const (
	FormatUnknown Format = ""
	FormatWAV     Format = "wav"
	FormatWebM    Format = "webm"
	FormatOgg     Format = "ogg"
	FormatMP3     Format = "mp3"
	FormatMP4     Format = "mp4"
	FormatFLAC    Format = "flac"
)

type signature struct {
	offset int
	magic  []byte
	format Format
}

// signatures are checked in order; the first match wins.
var signatures = []signature{
	{offset: 0, magic: []byte{0x1A, 0x45, 0xDF, 0xA3}, format: FormatWebM},
	{offset: 0, magic: []byte("OggS"), format: FormatOgg},
	{offset: 0, magic: []byte("fLaC"), format: FormatFLAC},
	{offset: 0, magic: []byte("ID3"), format: FormatMP3},
	{offset: 4, magic: []byte("ftyp"), format: FormatMP4},
}

var mimeTypes = map[Format]string{
	FormatWAV:  "audio/wav",
	FormatWebM: "audio/webm",
	FormatOgg:  "audio/ogg",
	FormatMP3:  "audio/mpeg",
	FormatMP4:  "audio/mp4",
	FormatFLAC: "audio/flac",
}

// Sniff identifies the container of data, or FormatUnknown.
func Sniff(data []byte) Format {
	if len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")) {
		return FormatWAV
	}
	for _, sig := range signatures {
		end := sig.offset + len(sig.magic)
		if len(data) >= end && bytes.Equal(data[sig.offset:end], sig.magic) {
			return sig.format
		}
	}
	// MPEG audio frame sync without an ID3 tag.
	if len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return FormatMP3
	}
	return FormatUnknown
}

// MIME returns the content type for f, defaulting to octet-stream.
func (f Format) MIME() string {
	if m, ok := mimeTypes[f]; ok {
		return m
	}
	return "application/octet-stream"
}

// Supported reports whether f is a container the transcription provider accepts.
func (f Format) Supported() bool {
	_, ok := mimeTypes[f]
	return ok
}
