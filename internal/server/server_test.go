// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatrelay/internal/classify"
	"github.com/jeranaias/chatrelay/internal/model"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/telemetry"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type mockRelayer struct {
	mock.Mock
	credential bool
	breaker    string
}

func (m *mockRelayer) Stream(ctx context.Context, req relay.ChatRequest) (*relay.DeltaStream, error) {
	args := m.Called(ctx, req)
	stream, _ := args.Get(0).(*relay.DeltaStream)
	return stream, args.Error(1)
}

func (m *mockRelayer) Mode() relay.Mode {
	return relay.DirectMode{Host: "https://api.openai.com"}
}

func (m *mockRelayer) HasDefaultCredential() bool { return m.credential }

func (m *mockRelayer) BreakerState() string {
	if m.breaker == "" {
		return "closed"
	}
	return m.breaker
}

func deltaEvent(content string) string {
	b, _ := json.Marshal(content)
	return fmt.Sprintf(`{"choices":[{"index":0,"delta":{"content":%s},"finish_reason":null}]}`, b)
}

const finishEvent = `{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`

func sse(events ...string) string {
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "data: %s\n\n", ev)
	}
	return b.String()
}

// streamOf builds a DeltaStream over a canned SSE body.
func streamOf(events ...string) *relay.DeltaStream {
	return relay.NewDeltaStream(context.Background(), io.NopCloser(strings.NewReader(sse(events...))))
}

func newTestServer(t *testing.T, opts Options, r Relayer, rec *telemetry.Recorder) *Server {
	t.Helper()
	registry, err := model.NewRegistry(nil, "")
	require.NoError(t, err)
	logger, _ := logtest.NewNullLogger()
	s, err := NewWithLogger(opts, r, registry, rec, logger)
	require.NoError(t, err)
	return s
}

func do(s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const pingBody = `{"modelId":"gpt-4-32k","messages":[{"role":"user","content":"ping"}],"apiKey":"","prompt":"You are a helpful assistant","temperature":0.8}`

// =============================================================================
// CHAT HANDLER TESTS
// =============================================================================

func TestHandleChat_StreamsText(t *testing.T) {
	r := &mockRelayer{}
	r.On("Stream", mock.Anything, mock.MatchedBy(func(req relay.ChatRequest) bool {
		return req.ModelID == "gpt-4-32k" &&
			req.SystemPrompt == "You are a helpful assistant" &&
			req.Temperature == 1.2 &&
			req.MaxTokens == 32 &&
			req.Credential == "somekey" &&
			len(req.Messages) == 1 && req.Messages[0].Content == "ping" &&
			req.RequestID != ""
	})).Return(streamOf(deltaEvent("Hel"), deltaEvent(""), deltaEvent("lo"), finishEvent), nil)

	s := newTestServer(t, Options{}, r, nil)
	rec := do(s, http.MethodPost, "/api/chat",
		`{"modelId":"gpt-4-32k","messages":[{"role":"user","content":"ping"}],"apiKey":"somekey","prompt":"You are a helpful assistant","temperature":1.2,"maxTokens":32}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Hello", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.True(t, rec.Flushed)
	r.AssertExpectations(t)
}

func TestHandleChat_Defaults(t *testing.T) {
	r := &mockRelayer{}
	r.On("Stream", mock.Anything, mock.MatchedBy(func(req relay.ChatRequest) bool {
		return req.ModelID == model.FallbackModelID && req.Temperature == DefaultTemperature && req.MaxTokens == 0
	})).Return(streamOf(finishEvent), nil)

	s := newTestServer(t, Options{}, r, nil)
	rec := do(s, http.MethodPost, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	r.AssertExpectations(t)
}

func TestHandleChat_ForwardsTemperatureAndMaxTokensUnchanged(t *testing.T) {
	r := &mockRelayer{}
	r.On("Stream", mock.Anything, mock.MatchedBy(func(req relay.ChatRequest) bool {
		return req.Temperature == 2.5 && req.MaxTokens == 200000
	})).Return(streamOf(deltaEvent("ok"), finishEvent), nil)

	s := newTestServer(t, Options{}, r, nil)
	rec := do(s, http.MethodPost, "/api/chat",
		`{"messages":[{"role":"user","content":"x"}],"temperature":2.5,"maxTokens":200000}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	r.AssertNumberOfCalls(t, "Stream", 1)
	r.AssertExpectations(t)
}

func TestHandleChat_ProviderRejectsTemperature(t *testing.T) {
	param := "temperature"
	r := &mockRelayer{}
	r.On("Stream", mock.Anything, mock.MatchedBy(func(req relay.ChatRequest) bool {
		return req.Temperature == 2.5
	})).Return(nil, &classify.APIError{
		Status:  http.StatusBadRequest,
		Message: "2.5 is greater than the maximum of 2 - 'temperature'",
		Type:    "invalid_request_error",
		Param:   &param,
	})

	s := newTestServer(t, Options{}, r, nil)
	rec := do(s, http.MethodPost, "/api/chat",
		`{"messages":[{"role":"user","content":"x"}],"temperature":2.5}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, classify.KindGeneric, body["errorType"])
	assert.Equal(t, "temperature", body["param"])
	assert.Contains(t, body, "code")
	assert.Nil(t, body["code"])
	r.AssertExpectations(t)
}

func TestHandleChat_RelayErrors(t *testing.T) {
	param := "some_parameter"
	code := "useful_error_code"

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   map[string]any
	}{
		{
			name:       "context length",
			err:        &classify.ContextLengthError{Limit: 16384, Requested: 50189},
			wantStatus: http.StatusBadRequest,
			wantBody:   map[string]any{"errorType": "context_length_exceeded", "limit": float64(16384), "requested": float64(50189)},
		},
		{
			name:       "auth",
			err:        &classify.AuthError{Message: "Access denied due to invalid subscription key."},
			wantStatus: http.StatusUnauthorized,
			wantBody:   map[string]any{"errorType": "openai_auth_error"},
		},
		{
			name:       "rate limit",
			err:        &classify.RateLimitedError{RetryAfter: 26},
			wantStatus: http.StatusTooManyRequests,
			wantBody:   map[string]any{"errorType": "rate_limit", "retryAfter": float64(26)},
		},
		{
			name:       "generic",
			err:        &classify.GenericProviderError{Message: "Some human readable description", Type: "unknown_error_type", Param: &param, Code: &code},
			wantStatus: http.StatusBadRequest,
			wantBody: map[string]any{
				"errorType": "generic_openai_error", "message": "Some human readable description",
				"type": "unknown_error_type", "param": "some_parameter", "code": "useful_error_code",
			},
		},
		{
			name:       "provider",
			err:        &classify.ProviderError{Message: "Some human readable description"},
			wantStatus: http.StatusInternalServerError,
			wantBody:   map[string]any{"errorType": "openai_error", "message": "Some human readable description"},
		},
		{
			name:       "unexpected",
			err:        errors.New("Some type error"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   map[string]any{"errorType": "unexpected_error", "message": "Some type error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &mockRelayer{}
			r.On("Stream", mock.Anything, mock.Anything).Return(nil, tt.err)

			s := newTestServer(t, Options{}, r, nil)
			rec := do(s, http.MethodPost, "/api/chat", pingBody)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantBody, decode(t, rec))
		})
	}
}

func TestHandleChat_RateLimitRetryAfterHeader(t *testing.T) {
	r := &mockRelayer{}
	r.On("Stream", mock.Anything, mock.Anything).Return(nil, &classify.RateLimitedError{RetryAfter: 7})

	s := newTestServer(t, Options{}, r, nil)
	rec := do(s, http.MethodPost, "/api/chat", pingBody)

	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
}

func TestHandleChat_InvalidRequests(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantKind   string
	}{
		{"bad json", `{"messages":`, http.StatusBadRequest, classify.KindInvalidRequest},
		{"no messages", `{"modelId":"gpt-4","messages":[]}`, http.StatusBadRequest, classify.KindInvalidRequest},
		{"bad role", `{"messages":[{"role":"tool","content":"x"}]}`, http.StatusBadRequest, classify.KindInvalidRequest},
		{"max tokens", `{"messages":[{"role":"user","content":"x"}],"maxTokens":-1}`, http.StatusBadRequest, classify.KindInvalidRequest},
		{"unknown model", `{"modelId":"gpt-5-turbo","messages":[{"role":"user","content":"x"}]}`, http.StatusBadRequest, classify.KindUnknownModel},
		{"too large", `{"messages":[{"role":"user","content":"` + strings.Repeat("a", 4096) + `"}]}`, http.StatusRequestEntityTooLarge, classify.KindInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &mockRelayer{}
			s := newTestServer(t, Options{MaxBodyBytes: 1024}, r, nil)

			rec := do(s, http.MethodPost, "/api/chat", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.wantKind, body["errorType"])
			assert.NotEmpty(t, body["message"])
			r.AssertNotCalled(t, "Stream", mock.Anything, mock.Anything)
		})
	}
}

func TestHandleChat_BrokenBeforeFirstByte(t *testing.T) {
	r := &mockRelayer{}
	r.On("Stream", mock.Anything, mock.Anything).Return(streamOf(`{"choices":[{"index":0}]}`), nil)

	s := newTestServer(t, Options{}, r, nil)
	rec := do(s, http.MethodPost, "/api/chat", pingBody)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "unexpected_error", decode(t, rec)["errorType"])
}

func TestHandleChat_MidStreamProviderErrorBeforeText(t *testing.T) {
	r := &mockRelayer{}
	r.On("Stream", mock.Anything, mock.Anything).Return(streamOf(
		deltaEvent(""),
		`{"error":{"message":"Some human readable description","type":"server_error","param":null,"code":null}}`,
	), nil)

	s := newTestServer(t, Options{}, r, nil)
	rec := do(s, http.MethodPost, "/api/chat", pingBody)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "generic_openai_error", body["errorType"])
	assert.Equal(t, "Some human readable description", body["message"])
}

func TestHandleChat_BrokenAfterTextAbortsConnection(t *testing.T) {
	r := &mockRelayer{}
	// No finish_reason: the body ends early.
	r.On("Stream", mock.Anything, mock.Anything).Return(streamOf(deltaEvent("partial")), nil)

	s := newTestServer(t, Options{}, r, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json", strings.NewReader(pingBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	assert.Error(t, err, "client must see a broken transfer")
	assert.Equal(t, "partial", string(data))
}

// =============================================================================
// END-TO-END
// =============================================================================

func TestChat_EndToEnd(t *testing.T) {
	var gotAuth, gotModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range []string{deltaEvent("Hello"), deltaEvent(", world"), finishEvent} {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	stats := telemetry.NewStats()
	recorder := telemetry.NewRecorder(stats, nil)
	defer recorder.Close()

	logger, _ := logtest.NewNullLogger()
	rl := relay.New(relay.DirectMode{Host: upstream.URL}, relay.Defaults{Credential: "server-key", MaxTokens: 100}).
		WithLogger(logger).
		WithObserver(recorder.Observe)

	s := newTestServer(t, Options{}, rl, recorder)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json",
		strings.NewReader(`{"modelId":"gpt-4","messages":[{"role":"user","content":"hi"}],"prompt":"be brief"}`))
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello, world", string(data))
	assert.Equal(t, "Bearer server-key", gotAuth)
	assert.Equal(t, "gpt-4", gotModel)

	statsRec := do(s, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, statsRec.Code)
	var out StatsResponse
	require.NoError(t, json.Unmarshal(statsRec.Body.Bytes(), &out))
	assert.Equal(t, int64(1), out.Relay.Total)
	assert.Equal(t, int64(1), out.Relay.Completed)
	assert.Equal(t, int64(2), out.Relay.Chunks)
}

func TestChat_EndToEndUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided: sk-xxx.","type":"invalid_request_error","param":null,"code":"invalid_api_key"}}`)
	}))
	defer upstream.Close()

	logger, _ := logtest.NewNullLogger()
	rl := relay.New(relay.DirectMode{Host: upstream.URL}, relay.Defaults{MaxTokens: 100}).WithLogger(logger)
	s := newTestServer(t, Options{}, rl, nil)

	rec := do(s, http.MethodPost, "/api/chat",
		`{"modelId":"gpt-4","messages":[{"role":"user","content":"hi"}],"apiKey":"sk-xxx"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, map[string]any{"errorType": "openai_auth_error"}, decode(t, rec))
}

// =============================================================================
// MODELS / HEALTH / STATS
// =============================================================================

func TestHandleModels(t *testing.T) {
	tests := []struct {
		name       string
		credential bool
		body       string
		wantStatus int
	}{
		{"key in body", false, `{"key":"k"}`, http.StatusOK},
		{"configured key, empty body", true, ``, http.StatusOK},
		{"no key anywhere", false, `{"key":""}`, http.StatusUnauthorized},
		{"bad json", true, `{"key":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{}, &mockRelayer{credential: tt.credential}, nil)
			rec := do(s, http.MethodPost, "/api/models", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus == http.StatusOK {
				var models []model.Model
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &models))
				assert.Len(t, models, len(model.Builtin()))
				assert.NotEmpty(t, models[0].ID)
				assert.NotZero(t, models[0].TokenLimit)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, Options{}, &mockRelayer{credential: true}, nil)
	rec := do(s, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, relay.ModeDirect, health.Mode)
	assert.True(t, health.HasCredential)
	assert.Equal(t, len(model.Builtin()), health.Models)
	assert.Equal(t, "closed", health.Breaker)
}

func TestHandleHealth_BreakerOpen(t *testing.T) {
	s := newTestServer(t, Options{}, &mockRelayer{breaker: "open"}, nil)
	rec := do(s, http.MethodGet, "/health", "")

	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestHandleStats_WithJournal(t *testing.T) {
	journal, err := telemetry.OpenJournal(t.TempDir() + "/journal.db")
	require.NoError(t, err)
	defer journal.Close()

	recorder := telemetry.NewRecorder(telemetry.NewStats(), journal)
	recorder.Observe(relay.Summary{Mode: "direct", Outcome: relay.OutcomeFailed, ErrorKind: "rate_limit", Status: 429})
	recorder.Observe(relay.Summary{Mode: "direct", Outcome: relay.OutcomeCompleted, Status: 200, Chunks: 2})
	recorder.Close()

	s := newTestServer(t, Options{}, &mockRelayer{}, recorder)
	rec := do(s, http.MethodGet, "/stats?recent=5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(2), out.Relay.Total)
	require.NotNil(t, out.Journal)
	assert.Equal(t, int64(2), out.Journal.Total)
	assert.Equal(t, int64(1), out.Journal.ByErrorType["rate_limit"])
	require.Len(t, out.Recent, 2)
	assert.Equal(t, "completed", out.Recent[0].Outcome)
}

func TestHandleStats_NoRecorder(t *testing.T) {
	s := newTestServer(t, Options{}, &mockRelayer{}, nil)
	rec := do(s, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// SERVER TESTS
// =============================================================================

func TestNew_RequiresDependencies(t *testing.T) {
	registry, err := model.NewRegistry(nil, "")
	require.NoError(t, err)

	_, err = New(Options{}, nil, registry, nil)
	assert.Error(t, err)
	_, err = New(Options{}, &mockRelayer{}, nil, nil)
	assert.Error(t, err)
}

func TestServer_Addr(t *testing.T) {
	s := newTestServer(t, Options{Host: "127.0.0.1"}, &mockRelayer{}, nil)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", DefaultPort), s.Addr())
}

func TestServer_ServeAndShutdown(t *testing.T) {
	s := newTestServer(t, Options{Host: "127.0.0.1", Port: 1}, &mockRelayer{}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func TestServer_UnknownRoute(t *testing.T) {
	s := newTestServer(t, Options{}, &mockRelayer{}, nil)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/v1/models", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(s, http.MethodGet, "/api/chat", "").Code)
}
