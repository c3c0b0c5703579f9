package handler

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"mindmeld/internal/domain"
	"mindmeld/internal/metrics"
	"mindmeld/internal/usecase"
)

// stubProvider stands in for the Gemini client behind a real ChatService.
type stubProvider struct {
	text      string
	err       error
	chunks    []string
	streamErr error

	calls int
	gen   domain.Generation
}

func (p *stubProvider) Generate(_ context.Context, gen domain.Generation) (string, error) {
	p.calls++
	p.gen = gen
	return p.text, p.err
}

func (p *stubProvider) GenerateStream(_ context.Context, gen domain.Generation) iter.Seq2[string, error] {
	p.calls++
	p.gen = gen
	return func(yield func(string, error) bool) {
		for _, c := range p.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if p.streamErr != nil {
			yield("", p.streamErr)
		}
	}
}

// stubUseCase lets tests force errors the real service never returns.
type stubUseCase struct {
	replyErr    error
	streamErr   error
	panicMsg    string
	chunks      []string
	streamPanic string
}

func (s *stubUseCase) Reply(_ context.Context, _ usecase.ChatInput) (usecase.ReplyOutput, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return usecase.ReplyOutput{}, s.replyErr
}

func (s *stubUseCase) Stream(_ context.Context, _ usecase.ChatInput) (usecase.ReplyStream, error) {
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	return func(yield func(string, error) bool) {
		for _, c := range s.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if s.streamPanic != "" {
			panic(s.streamPanic)
		}
	}, nil
}

func (s *stubUseCase) DefaultModel() string { return "stub-model" }

func newTestHandler(t *testing.T, p *stubProvider, opts ...Option) http.Handler {
	t.Helper()
	svc, err := usecase.NewChatService(p, "You are kind.", "gemini-1.5-flash")
	require.NoError(t, err)
	h, err := NewHandler(svc, opts...)
	require.NoError(t, err)
	return h.Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestChat_HappyPath(t *testing.T) {
	p := &stubProvider{text: "Hi there"}
	rec := do(t, newTestHandler(t, p), http.MethodPost, "/chat", `{"message":"Hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"reply":"Hi there"}`, rec.Body.String())
	require.Equal(t, "You are kind.\nUser: Hello", p.gen.Prompt)
	require.Equal(t, "gemini-1.5-flash", p.gen.Model)
}

func TestChat_PassesModelAndTemperature(t *testing.T) {
	p := &stubProvider{text: "ok"}
	rec := do(t, newTestHandler(t, p), http.MethodPost, "/chat", `{"message":"Hello","model":" gemini-1.5-pro ","temperature":0.3}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gemini-1.5-pro", p.gen.Model)
	require.NotNil(t, p.gen.Temperature)
	require.InDelta(t, 0.3, *p.gen.Temperature, 1e-9)
}

func TestChat_BadTemperatureIgnored(t *testing.T) {
	for _, temp := range []string{`5`, `-1`, `"warm"`, `[0.5]`} {
		p := &stubProvider{text: "ok"}
		rec := do(t, newTestHandler(t, p), http.MethodPost, "/chat", `{"message":"Hello","temperature":`+temp+`}`)
		require.Equal(t, http.StatusOK, rec.Code, "temperature=%s", temp)
		require.Nil(t, p.gen.Temperature, "temperature=%s", temp)
	}
}

func TestChat_EmptyMessage(t *testing.T) {
	for _, body := range []string{`{"message":""}`, `{"message":"   "}`, `{}`, `null`, `not-json`, ``} {
		p := &stubProvider{text: "unused"}
		rec := do(t, newTestHandler(t, p), http.MethodPost, "/chat", body)

		require.Equal(t, http.StatusBadRequest, rec.Code, "body=%q", body)
		out := parseBody[chatResponse](t, rec.Body.String())
		require.Equal(t, usecase.EmptyMessageWarning, out.Reply)
		require.Zero(t, p.calls, "provider must not be called for body=%q", body)
	}
}

func TestChat_NoTextFallback(t *testing.T) {
	rec := do(t, newTestHandler(t, &stubProvider{text: ""}), http.MethodPost, "/chat", `{"message":"Hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	out := parseBody[chatResponse](t, rec.Body.String())
	require.Equal(t, usecase.NoTextFallback, out.Reply)
}

func TestChat_UpstreamErrorIsWarning(t *testing.T) {
	rec := do(t, newTestHandler(t, &stubProvider{err: errors.New("API key not valid")}), http.MethodPost, "/chat", `{"message":"Hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	out := parseBody[chatResponse](t, rec.Body.String())
	require.True(t, strings.HasPrefix(out.Reply, "⚠️"))
	require.Contains(t, out.Reply, "API key not valid")
}

func TestChat_UnexpectedErrorIs500(t *testing.T) {
	h, err := NewHandler(&stubUseCase{replyErr: errors.New("boom")})
	require.NoError(t, err)

	rec := do(t, h.Routes(), http.MethodPost, "/chat", `{"message":"Hello"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	out := parseBody[chatResponse](t, rec.Body.String())
	require.Equal(t, "⚠️ Error generating reply: boom", out.Reply)
}

func TestChat_PanicIsRecovered(t *testing.T) {
	h, err := NewHandler(&stubUseCase{panicMsg: "nil map"})
	require.NoError(t, err)

	rec := do(t, h.Routes(), http.MethodPost, "/chat", `{"message":"Hello"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	out := parseBody[chatResponse](t, rec.Body.String())
	require.True(t, strings.HasPrefix(out.Reply, "⚠️"))
}

func TestChat_MethodNotAllowed(t *testing.T) {
	rec := do(t, newTestHandler(t, &stubProvider{}), http.MethodGet, "/chat", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestChatStream_HappyPath(t *testing.T) {
	p := &stubProvider{chunks: []string{"Hi", " there"}}
	rec := do(t, newTestHandler(t, p), http.MethodPost, "/chat-stream", `{"message":"Hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Equal(t, "data: Hi\n\ndata:  there\n\nevent: done\ndata: end\n\n", rec.Body.String())
}

func TestChatStream_FailureMidStream(t *testing.T) {
	p := &stubProvider{chunks: []string{"Hi"}, streamErr: errors.New("upstream reset")}
	rec := do(t, newTestHandler(t, p), http.MethodPost, "/chat-stream", `{"message":"Hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "data: Hi\n\nevent: error\ndata: upstream reset\n\n", rec.Body.String())
	require.NotContains(t, rec.Body.String(), "event: done")
}

func TestChatStream_EmptyMessage(t *testing.T) {
	for _, body := range []string{`{"message":"  "}`, `not-json`} {
		p := &stubProvider{chunks: []string{"unused"}}
		rec := do(t, newTestHandler(t, p), http.MethodPost, "/chat-stream", body)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		require.Equal(t, "data: "+usecase.EmptyMessageWarning+"\n\n", rec.Body.String())
		require.Zero(t, p.calls)
	}
}

func TestChatStream_UnexpectedSetupError(t *testing.T) {
	h, err := NewHandler(&stubUseCase{streamErr: errors.New("not ready")})
	require.NoError(t, err)

	rec := do(t, h.Routes(), http.MethodPost, "/chat-stream", `{"message":"Hello"}`)
	require.Equal(t, "event: error\ndata: not ready\n\n", rec.Body.String())
}

func TestChatStream_PanicAfterFirstChunk(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h, err := NewHandler(&stubUseCase{chunks: []string{"Hi"}, streamPanic: "nil map"}, WithMetrics(m, reg))
	require.NoError(t, err)

	rec := do(t, h.Routes(), http.MethodPost, "/chat-stream", `{"message":"Hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "data: Hi\n\nevent: error\ndata: internal error\n\n", rec.Body.String())
	require.NotContains(t, rec.Body.String(), "{")
	require.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(endpointStream, metrics.OutcomeInternal)))
}

func TestChatStream_MultilineChunk(t *testing.T) {
	p := &stubProvider{chunks: []string{"line one\nline two"}}
	rec := do(t, newTestHandler(t, p), http.MethodPost, "/chat-stream", `{"message":"Hello"}`)

	require.Equal(t, "data: line one\ndata: line two\n\nevent: done\ndata: end\n\n", rec.Body.String())
}

func TestIndex(t *testing.T) {
	rec := do(t, newTestHandler(t, &stubProvider{}), http.MethodGet, "/", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), `value="gemini-1.5-flash"`)
	require.Contains(t, rec.Body.String(), "/static/script.js")
}

func TestStaticAssets(t *testing.T) {
	rec := do(t, newTestHandler(t, &stubProvider{}), http.MethodGet, "/static/script.js", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "/chat-stream")

	rec = do(t, newTestHandler(t, &stubProvider{}), http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestHandler(t, &stubProvider{}), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := newTestHandler(t, &stubProvider{text: "ok", chunks: []string{"a", "b"}}, WithMetrics(m, reg))

	do(t, h, http.MethodPost, "/chat", `{"message":"Hello"}`)
	do(t, h, http.MethodPost, "/chat", `{"message":""}`)
	do(t, h, http.MethodPost, "/chat-stream", `{"message":"Hello"}`)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(endpointChat, metrics.OutcomeOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(endpointChat, metrics.OutcomeInvalid)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(endpointStream, metrics.OutcomeOK)))
	require.Equal(t, 2.0, testutil.ToFloat64(m.StreamChunks))

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "mindmeld_chat_requests_total")
}

func TestMetrics_NotMountedWithoutGatherer(t *testing.T) {
	rec := do(t, newTestHandler(t, &stubProvider{}), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
