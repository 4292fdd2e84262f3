package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
	"github.com/hubenschmidt/voice-agent/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// Runner is the orchestrator surface used by the socket.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

// HandlerConfig holds the shared orchestrator and admission limits.
type HandlerConfig struct {
	Runner        Runner
	MaxConcurrent int
	MaxFrameBytes int64
}

// Handler manages WebSocket chat sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a WebSocket handler with a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = pipeline.DefaultMaxAudioBytes
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// chatMetadata is the first text frame sent by the client.
type chatMetadata struct {
	SessionID string `json:"session_id"`
	VoiceID   string `json:"voice_id"`
	Persona   string `json:"persona"`
}

// ServeHTTP upgrades the connection and runs the chat session.
// Returns 503 if at max concurrent capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.cfg.MaxFrameBytes + 1)

	metrics.CallsActive.Inc()
	metrics.CallsTotal.Inc()
	defer metrics.CallsActive.Dec()

	h.runSession(r.Context(), conn)
}

func (h *Handler) runSession(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	meta, err := readMetadata(conn)
	if err != nil {
		slog.Error("read_metadata", "error", err)
		return
	}
	if meta.SessionID == "" || meta.SessionID == "new" {
		meta.SessionID = uuid.NewString()
	}

	slog.Info("ws_session_started", "session_id", meta.SessionID, "persona", meta.Persona)
	processMessages(ctx, conn, h.cfg.Runner, meta)
	slog.Info("ws_session_ended", "session_id", meta.SessionID)
}

// processMessages reads binary utterances until the peer closes. Each frame
// is answered with one JSON result; frames are processed in arrival order.
func processMessages(ctx context.Context, conn *websocket.Conn, runner Runner, meta *chatMetadata) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("connection_closed", "session_id", meta.SessionID, "error", err)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		res := runner.Run(ctx, pipeline.Request{
			SessionID: meta.SessionID,
			Audio:     data,
			VoiceID:   meta.VoiceID,
			Persona:   meta.Persona,
		})
		if err = writeResult(conn, res); err != nil {
			slog.Error("write_result", "session_id", meta.SessionID, "error", err)
			return
		}
	}
}

func writeResult(conn *websocket.Conn, res pipeline.Result) error {
	jsonBytes, err := json.Marshal(res)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, jsonBytes)
}

func readMetadata(conn *websocket.Conn) (*chatMetadata, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var meta chatMetadata
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
