package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mindmeld/internal/metrics"
	"mindmeld/internal/usecase"
)

const (
	maxBodyBytes = 1 << 20

	endpointChat   = "chat"
	endpointStream = "chat-stream"
)

type ChatUseCase interface {
	Reply(ctx context.Context, in usecase.ChatInput) (usecase.ReplyOutput, error)
	Stream(ctx context.Context, in usecase.ChatInput) (usecase.ReplyStream, error)
	DefaultModel() string
}

type chatRequest struct {
	Message     string          `json:"message"`
	Model       string          `json:"model"`
	Temperature json.RawMessage `json:"temperature"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type indexData struct {
	DefaultModel string
}

type Handler struct {
	chat     ChatUseCase
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	index    *template.Template
	static   fs.FS
}

type Option func(*Handler)

// WithMetrics records relay outcomes in m and serves g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.metrics = m
		h.gatherer = g
	}
}

func NewHandler(chat ChatUseCase, opts ...Option) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat usecase must not be nil")
	}
	index, err := template.New("index").Parse(indexHTML)
	if err != nil {
		return nil, err
	}
	static, err := fs.Sub(staticFS, "web/static")
	if err != nil {
		return nil, err
	}
	h := &Handler{chat: chat, index: index, static: static}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Routes returns the full middleware-wrapped handler tree.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", h.handleChat)
	mux.HandleFunc("POST /chat-stream", h.handleChatStream)
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(h.static)))
	mux.HandleFunc("GET /healthz", h.handleHealth)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return correlate(accessLog(recoverer(cors(mux))))
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	started := time.Now()

	in, err := decodeChatRequest(w, r)
	if err != nil {
		slog.WarnContext(ctx, "invalid chat request body", "err", err)
		h.metrics.Observe(endpointChat, metrics.OutcomeInvalid, started)
		writeJSON(w, http.StatusBadRequest, chatResponse{Reply: usecase.EmptyMessageWarning})
		return
	}

	out, err := h.chat.Reply(ctx, in)
	if err != nil {
		if isInvalidInput(err) {
			h.metrics.Observe(endpointChat, metrics.OutcomeInvalid, started)
			writeJSON(w, http.StatusBadRequest, chatResponse{Reply: usecase.EmptyMessageWarning})
			return
		}
		slog.ErrorContext(ctx, "chat reply failed", "err", err)
		h.metrics.Observe(endpointChat, metrics.OutcomeInternal, started)
		writeJSON(w, http.StatusInternalServerError, chatResponse{Reply: usecase.ErrorReply(err)})
		return
	}

	outcome := metrics.OutcomeOK
	if !out.OK {
		outcome = metrics.OutcomeFallback
	}
	h.metrics.Observe(endpointChat, outcome, started)
	writeJSON(w, http.StatusOK, chatResponse{Reply: out.Reply})
}

func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	started := time.Now()

	in, err := decodeChatRequest(w, r)
	if err != nil {
		slog.WarnContext(ctx, "invalid chat-stream request body", "err", err)
		in = usecase.ChatInput{}
	}

	stream, err := h.chat.Stream(ctx, in)
	if err != nil {
		events := newEventWriter(w)
		if isInvalidInput(err) {
			h.metrics.Observe(endpointStream, metrics.OutcomeInvalid, started)
			_ = events.Data(usecase.EmptyMessageWarning)
			return
		}
		slog.ErrorContext(ctx, "chat stream setup failed", "err", err)
		h.metrics.Observe(endpointStream, metrics.OutcomeInternal, started)
		_ = events.Event("error", err.Error())
		return
	}

	outcome := h.relay(ctx, newEventWriter(w), stream)
	h.metrics.Observe(endpointStream, outcome, started)
}

// relay copies stream into events and always ends it with a done or error
// event, including when the stream panics.
func (h *Handler) relay(ctx context.Context, events *eventWriter, stream usecase.ReplyStream) (outcome string) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.ErrorContext(ctx, "panic recovered in reply stream",
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			_ = events.Event("error", errInternal.Error())
			outcome = metrics.OutcomeInternal
		}
	}()

	for chunk, err := range stream {
		if err != nil {
			if werr := events.Event("error", err.Error()); werr != nil {
				slog.DebugContext(ctx, "error event not delivered", "err", werr)
			}
			return metrics.OutcomeStreamError
		}
		if werr := events.Data(chunk); werr != nil {
			// Leaving the loop stops the upstream stream.
			slog.InfoContext(ctx, "client went away mid-stream", "err", werr)
			return metrics.OutcomeStreamError
		}
		h.metrics.Chunk()
	}
	_ = events.Event("done", "end")
	return metrics.OutcomeOK
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := h.index.Execute(&buf, indexData{DefaultModel: h.chat.DefaultModel()}); err != nil {
		slog.ErrorContext(r.Context(), "render index failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (usecase.ChatInput, error) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return usecase.ChatInput{}, err
	}
	return usecase.ChatInput{
		Message:     req.Message,
		Model:       req.Model,
		Temperature: req.Temperature,
	}, nil
}

func isInvalidInput(err error) bool {
	var ue *usecase.Error
	return errors.As(err, &ue) && ue.Code == usecase.ErrorInvalidInput
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
