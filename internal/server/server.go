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
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/chatrelay/internal/classify"
	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/model"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/telemetry"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server.
	DefaultPort = 8080

	// DefaultMaxBodyBytes caps inbound request bodies.
	DefaultMaxBodyBytes = 4 << 20

	// MaxMessageCount is the maximum number of messages in a request.
	MaxMessageCount = 500

	// DefaultTemperature is used when the request carries none.
	DefaultTemperature = 1.0

	// maxRecent caps the ?recent= query on /stats.
	maxRecent = 100
)

// Version is reported by /health. The CLI overrides it at startup.
var Version = "dev"

// ============================================================================
// DEPENDENCIES
// ============================================================================

// Relayer is the upstream side of /api/chat. *relay.Relay implements it.
type Relayer interface {
	Stream(ctx context.Context, req relay.ChatRequest) (*relay.DeltaStream, error)
	Mode() relay.Mode
	HasDefaultCredential() bool
	BreakerState() string
}

// Options configures the HTTP boundary.
type Options struct {
	Host         string
	Port         int
	CORSOrigins  []string
	UnlockCode   string
	MaxBodyBytes int64

	RateLimit         bool
	RequestsPerSecond float64
	Burst             int
	MaxClients        int
}

// OptionsFromConfig extracts server options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		CORSOrigins:       cfg.Server.CORSOrigins,
		UnlockCode:        cfg.Server.UnlockCode,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		RateLimit:         cfg.RateLimit.Enabled,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		MaxClients:        cfg.RateLimit.MaxClients,
	}
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the chat relay HTTP API.
type Server struct {
	opts     Options
	relay    Relayer
	registry *model.Registry
	recorder *telemetry.Recorder
	log      logrus.FieldLogger

	router  *http.ServeMux
	handler http.Handler
	limiter *RateLimiter

	mu       sync.Mutex
	server   *http.Server
	shutdown bool
}

// New creates a Server. recorder may be nil.
func New(opts Options, relayer Relayer, registry *model.Registry, recorder *telemetry.Recorder) (*Server, error) {
	return NewWithLogger(opts, relayer, registry, recorder, logrus.StandardLogger())
}

// NewWithLogger creates a Server that logs to log.
func NewWithLogger(opts Options, relayer Relayer, registry *model.Registry, recorder *telemetry.Recorder, log logrus.FieldLogger) (*Server, error) {
	if relayer == nil {
		return nil, errors.New("server: relayer is required")
	}
	if registry == nil {
		return nil, errors.New("server: model registry is required")
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		opts:     opts,
		relay:    relayer,
		registry: registry,
		recorder: recorder,
		log:      log,
		router:   http.NewServeMux(),
	}

	if opts.RateLimit {
		limiter, err := NewRateLimiter(opts.RequestsPerSecond, opts.Burst, opts.MaxClients)
		if err != nil {
			return nil, err
		}
		s.limiter = limiter
	}

	s.setupRoutes()
	s.handler = s.buildHandler()
	return s, nil
}

// Handler returns the routed handler wrapped in the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/chat", s.handleChat)
	s.router.HandleFunc("POST /api/models", s.handleModels)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)
}

func (s *Server) buildHandler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.log),
		SecurityHeadersMiddleware(),
		RequestIDMiddleware(),
		LoggingMiddleware(s.log),
	}
	if s.limiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(s.limiter, s.log))
	}
	middlewares = append(middlewares,
		CORSMiddleware(DefaultCORSConfig(s.opts.CORSOrigins)),
		UnlockCodeMiddleware(s.opts.UnlockCode, s.log, "/health"),
	)
	return Chain(middlewares...)(s.router)
}

// ============================================================================
// CHAT HANDLER
// ============================================================================

// ChatBody is the POST /api/chat request.
type ChatBody struct {
	ModelID     string          `json:"modelId"`
	Messages    []model.Message `json:"messages"`
	APIKey      string          `json:"apiKey"`
	Prompt      string          `json:"prompt"`
	Temperature *float64        `json:"temperature"`
	MaxTokens   int             `json:"maxTokens"`
}

// decodeBody reads a size-limited JSON body into v. An empty body is
// accepted when allowEmpty is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return nil
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &classify.CallerError{
			Status:  http.StatusRequestEntityTooLarge,
			Type:    classify.KindInvalidRequest,
			Message: fmt.Sprintf("request body exceeds maximum size of %d bytes", tooLarge.Limit),
		}
	}
	return classify.InvalidRequest("invalid request body: %v", err)
}

// chatRequest validates body and resolves it into a relay request.
func (s *Server) chatRequest(body ChatBody, requestID string) (relay.ChatRequest, error) {
	if err := model.ValidateHistory(body.Messages); err != nil {
		return relay.ChatRequest{}, classify.InvalidRequest("%v", err)
	}
	if len(body.Messages) > MaxMessageCount {
		return relay.ChatRequest{}, classify.InvalidRequest("too many messages: maximum is %d", MaxMessageCount)
	}
	if body.MaxTokens < 0 {
		return relay.ChatRequest{}, classify.InvalidRequest("maxTokens must not be negative")
	}

	// The provider owns the temperature range and reports violations itself.
	temperature := DefaultTemperature
	if body.Temperature != nil {
		temperature = *body.Temperature
	}

	m := s.registry.Default()
	if body.ModelID != "" {
		found, err := s.registry.Lookup(body.ModelID)
		if err != nil {
			return relay.ChatRequest{}, classify.UnknownModel(body.ModelID)
		}
		m = found
	}

	return relay.ChatRequest{
		ModelID:      m.ID,
		SystemPrompt: body.Prompt,
		Temperature:  temperature,
		MaxTokens:    body.MaxTokens,
		Credential:   body.APIKey,
		Messages:     body.Messages,
		RequestID:    requestID,
	}, nil
}

// handleChat handles POST /api/chat.
//
// Failures before the first delta are classified into a JSON error body.
// Once text has been written, a broken stream aborts the connection so the
// client sees an incomplete transfer rather than a silently short reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := RequestIDFromContext(ctx)

	var body ChatBody
	if err := s.decodeBody(w, r, &body, false); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	req, err := s.chatRequest(body, requestID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	stream, err := s.relay.Stream(ctx, req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer stream.Close()

	flusher, _ := w.(http.Flusher)
	committed := false
	commit := func() {
		h := w.Header()
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		committed = true
	}

	for {
		text, err := stream.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				if !committed {
					commit()
				}
			case ctx.Err() != nil:
				// Client went away; the relay already aborted upstream.
			case !committed:
				s.writeFailure(w, r, err)
			default:
				chunks, n := stream.Stats()
				s.log.WithError(err).WithFields(logrus.Fields{
					"request_id": requestID,
					"chunks":     chunks,
					"bytes":      n,
				}).Warn("CHAT_STREAM_ABORTED")
				panic(http.ErrAbortHandler)
			}
			return
		}

		if text == "" {
			continue
		}
		if !committed {
			commit()
		}
		if _, err := io.WriteString(w, text); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// writeFailure classifies err and writes it, unless the client is gone.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		return
	}
	res := classify.Write(w, err)
	s.log.WithFields(logrus.Fields{
		"request_id": RequestIDFromContext(r.Context()),
		"status":     res.Status,
		"kind":       res.Kind,
	}).Info("CHAT_REJECTED")
}

// ============================================================================
// MODELS HANDLER
// ============================================================================

// modelsBody is the POST /api/models request.
type modelsBody struct {
	Key string `json:"key"`
}

// handleModels handles POST /api/models. The model list is only returned
// when a credential is available, either in the body or configured.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	var body modelsBody
	if err := s.decodeBody(w, r, &body, true); err != nil {
		classify.Write(w, err)
		return
	}
	if body.Key == "" && !s.relay.HasDefaultCredential() {
		classify.Write(w, &classify.AuthError{Message: "no provider credential configured"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Mode          string `json:"mode"`
	HasCredential bool   `json:"hasCredential"`
	Models        int    `json:"models"`
	Breaker       string `json:"breaker"`
}

// handleHealth handles GET /health. The status is "degraded" while the
// upstream circuit is open.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:        "ok",
		Version:       Version,
		Mode:          s.relay.Mode().Name(),
		HasCredential: s.relay.HasDefaultCredential(),
		Models:        s.registry.Len(),
		Breaker:       s.relay.BreakerState(),
	}
	if health.Breaker == "open" {
		health.Status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// STATS HANDLER
// ============================================================================

// StatsResponse represents the /stats response.
type StatsResponse struct {
	Relay   telemetry.StatsSnapshot   `json:"relay"`
	Journal *telemetry.JournalSummary `json:"journal,omitempty"`
	Recent  []telemetry.Entry         `json:"recent,omitempty"`
	Clients int                       `json:"rateLimitedClients"`
}

// handleStats handles GET /stats. ?recent=n adds the newest n journal rows.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse
	if s.limiter != nil {
		resp.Clients = s.limiter.Clients()
	}
	if s.recorder == nil {
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	if stats := s.recorder.Stats(); stats != nil {
		resp.Relay = stats.Snapshot()
	}

	if journal := s.recorder.Journal(); journal != nil {
		sum, err := journal.Summary(r.Context())
		if err != nil {
			s.log.WithError(err).Warn("JOURNAL_SUMMARY_FAILED")
		} else {
			resp.Journal = &sum
		}

		if n, err := strconv.Atoi(r.URL.Query().Get("recent")); err == nil && n > 0 {
			if n > maxRecent {
				n = maxRecent
			}
			recent, err := journal.Recent(r.Context(), n)
			if err != nil {
				s.log.WithError(err).Warn("JOURNAL_RECENT_FAILED")
			} else {
				resp.Recent = recent
			}
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streams are bounded by the request context, not a write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"addr":    ln.Addr().String(),
		"version": Version,
		"mode":    s.relay.Mode().Name(),
	}).Info("SERVER_START")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. A later Serve returns nil
// immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.shutdown = true
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.log.Info("SERVER_SHUTDOWN")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("RESPONSE_WRITE_FAILED")
	}
}
