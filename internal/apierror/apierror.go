// Package apierror classifies pipeline failures into the fixed error
// taxonomy surfaced to callers.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the caller-visible error category.
type Kind string

const (
	KindSTT     Kind = "SttError"
	KindLLM     Kind = "LlmError"
	KindTTS     Kind = "TtsError"
	KindFile    Kind = "FileError"
	KindNetwork Kind = "NetworkError"
	KindConfig  Kind = "ConfigError"
)

// Kinds lists every category in a stable order.
var Kinds = []Kind{KindSTT, KindLLM, KindTTS, KindFile, KindNetwork, KindConfig}

// Reasons refine a Kind where the provider distinguishes failure modes.
const (
	ReasonTimeout       = "timeout"
	ReasonStatus        = "status"
	ReasonMalformed     = "malformed"
	ReasonTransport     = "transport"
	ReasonContentFilter = "content_filter"
	ReasonProvider      = "provider"
	ReasonMissingKey    = "missing_credentials"
	ReasonEmpty         = "empty"
	ReasonTooLarge      = "too_large"
	ReasonUnsupported   = "unsupported_format"
)

// Error is a classified failure. Msg is internal detail, safe to show in the
// error record but never the raw transport error.
type Error struct {
	Kind   Kind
	Stage  string
	Reason string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Stage, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Stage, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, stage, reason, msg string) *Error {
	return &Error{Kind: kind, Stage: stage, Reason: reason, Msg: msg}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, stage, reason, msg string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Reason: reason, Msg: msg, Err: err}
}

// Classify converts any error raised at stage into an *Error. Context expiry
// and connection-level failures become NetworkError; already classified
// errors pass through; anything else takes the stage's default kind.
func Classify(err error, stage string, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(KindNetwork, stage, ReasonTimeout, "request timed out", err)
	}
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindNetwork, stage, ReasonTransport, "connection failed", err)
	}
	return Wrap(fallback, stage, ReasonProvider, "unexpected failure", err)
}

// KindOf reports the Kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce.Kind
	}
	return ""
}

var fallbackMessages = map[Kind]string{
	KindSTT:     "I'm sorry, I'm having trouble understanding your audio right now. Could you please try speaking again?",
	KindLLM:     "I'm experiencing some technical difficulties processing your request. Please try again in a moment.",
	KindTTS:     "I understood your request but I'm having trouble generating audio. Here's my text response.",
	KindFile:    "I couldn't read that recording. Please record a new message and try again.",
	KindNetwork: "I'm having trouble connecting to my services right now. Please check your connection and try again.",
	KindConfig:  "The service is temporarily unavailable due to configuration issues. Please try again later.",
}

const contentFilterMessage = "I'm sorry, I can't respond to that type of request. Could you please ask something else?"

// NoSpeechMessage is returned when a recording contains no recognizable speech.
const NoSpeechMessage = "No speech detected. Please speak clearly and try again."

// UserMessage returns the fixed user-facing message for kind and reason.
func UserMessage(kind Kind, reason string) string {
	if kind == KindLLM && reason == ReasonContentFilter {
		return contentFilterMessage
	}
	if msg, ok := fallbackMessages[kind]; ok {
		return msg
	}
	return fallbackMessages[KindNetwork]
}

// Retryable reports whether asking the user to retry makes sense.
func Retryable(kind Kind) bool {
	return kind != KindConfig
}

// HTTPStatus maps a classified error to the response status code.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusOK
	}
	switch e.Kind {
	case KindFile:
		switch e.Reason {
		case ReasonTooLarge:
			return http.StatusRequestEntityTooLarge
		case ReasonUnsupported:
			return http.StatusUnsupportedMediaType
		}
		return http.StatusBadRequest
	case KindSTT, KindLLM, KindTTS:
		return http.StatusBadGateway
	case KindConfig:
		return http.StatusServiceUnavailable
	case KindNetwork:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
