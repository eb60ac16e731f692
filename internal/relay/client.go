// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/chatrelay/internal/classify"
	"github.com/jeranaias/chatrelay/internal/model"
	"github.com/jeranaias/chatrelay/internal/util"
)

const (
	// DefaultUserAgent is sent on every upstream request.
	DefaultUserAgent = "chatrelay/1.0"

	// MaxErrorBodySize caps how much of a non-200 body is read.
	MaxErrorBodySize = 1024 * 1024

	// previewRunes is how much of the last message is logged.
	previewRunes = 8
)

// sharedStreamingClient has no overall timeout. Streams are bounded by the
// caller's context instead.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	},
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Defaults are the process-wide fallbacks for optional request fields.
type Defaults struct {
	Credential string
	MaxTokens  int
}

// ChatRequest is one relay call.
type ChatRequest struct {
	ModelID      string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int    // 0 means use the default cap
	Credential   string // empty means use the default credential
	Messages     []model.Message

	// RequestID correlates logs and telemetry. Optional.
	RequestID string
}

// upstreamRequest is the JSON body sent to the provider.
type upstreamRequest struct {
	Model       string          `json:"model,omitempty"`
	Messages    []model.Message `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream"`
}

// =============================================================================
// RELAY
// =============================================================================

// Relay forwards chat requests to the provider and streams the reply back.
// A Relay holds no per-call state and is safe for concurrent use.
type Relay struct {
	mode       Mode
	defaults   Defaults
	httpClient *http.Client
	breaker    *Breaker
	observer   Observer
	userAgent  string
	log        logrus.FieldLogger
}

// New creates a relay for the given provider mode.
func New(mode Mode, defaults Defaults) *Relay {
	return &Relay{
		mode:       mode,
		defaults:   defaults,
		httpClient: sharedStreamingClient,
		userAgent:  DefaultUserAgent,
		log:        logrus.StandardLogger(),
	}
}

// WithHTTPClient sets the HTTP client used for upstream calls.
func (r *Relay) WithHTTPClient(c *http.Client) *Relay {
	r.httpClient = c
	return r
}

// WithBreaker guards upstream calls with b. A nil breaker disables it.
func (r *Relay) WithBreaker(b *Breaker) *Relay {
	r.breaker = b
	return r
}

// WithObserver sets the callback notified when each call ends.
func (r *Relay) WithObserver(o Observer) *Relay {
	r.observer = o
	return r
}

// WithUserAgent sets the User-Agent header.
func (r *Relay) WithUserAgent(ua string) *Relay {
	r.userAgent = ua
	return r
}

// WithLogger sets the logger.
func (r *Relay) WithLogger(l logrus.FieldLogger) *Relay {
	r.log = l
	return r
}

// Mode returns the provider mode.
func (r *Relay) Mode() Mode {
	return r.mode
}

// HasDefaultCredential reports whether a fallback credential is configured.
func (r *Relay) HasDefaultCredential() bool {
	return r.defaults.Credential != ""
}

// BreakerState returns the breaker state, or "disabled".
func (r *Relay) BreakerState() string {
	return r.breaker.State()
}

// Stream issues one upstream call and returns the reply as a DeltaStream.
//
// Failures before the first byte are returned as errors: provider error
// bodies as *classify.APIError, everything else as *classify.UnexpectedError.
// A cancelled ctx is returned as the context error itself. The request is
// never retried. The caller must Close the returned stream.
func (r *Relay) Stream(ctx context.Context, req ChatRequest) (*DeltaStream, error) {
	start := time.Now()
	sum := Summary{RequestID: req.RequestID, Mode: r.mode.Name(), Model: req.ModelID}

	credential := req.Credential
	if credential == "" {
		credential = r.defaults.Credential
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.defaults.MaxTokens
	}

	if credential == "" {
		err := &classify.AuthError{Message: "no provider credential configured"}
		r.observe(sum, start, err)
		return nil, err
	}

	messages := make([]model.Message, 0, len(req.Messages)+1)
	messages = append(messages, model.NewSystemMessage(req.SystemPrompt))
	messages = append(messages, req.Messages...)

	body := upstreamRequest{
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if r.mode.IncludeModel() {
		body.Model = req.ModelID
	}

	payload, err := json.Marshal(body)
	if err != nil {
		err = &classify.UnexpectedError{Message: fmt.Sprintf("failed to marshal request: %v", err), Cause: err}
		r.observe(sum, start, err)
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, r.mode.Endpoint(), bytes.NewReader(payload))
	if err != nil {
		cancel()
		err = &classify.UnexpectedError{Message: fmt.Sprintf("failed to create request: %v", err), Cause: err}
		r.observe(sum, start, err)
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	httpReq.Header.Set("User-Agent", r.userAgent)
	r.mode.Authorize(httpReq.Header, credential)

	r.logRequest(req, credential, maxTokens, len(messages))

	resp, err := r.send(httpReq)
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.observe(sum, start, ctxErr)
			return nil, ctxErr
		}
		if errors.Is(err, ErrCircuitOpen) {
			err = &classify.UnexpectedError{Message: ErrCircuitOpen.Error(), Cause: err}
		} else {
			err = &classify.UnexpectedError{Message: fmt.Sprintf("%s request failed: %v", r.mode.Name(), err), Cause: err}
		}
		r.log.WithError(err).WithField("request_id", req.RequestID).Warn("RELAY_CONNECT_FAILED")
		r.observe(sum, start, err)
		return nil, err
	}
	sum.Status = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		resp.Body.Close()
		cancel()

		err := errorFromResponse(r.mode.Name(), resp.StatusCode, http.StatusText(resp.StatusCode), data, readErr)
		r.log.WithFields(logrus.Fields{
			"request_id": req.RequestID,
			"status":     resp.StatusCode,
			"kind":       classify.KindOf(err),
		}).Warn("RELAY_UPSTREAM_ERROR")
		r.observe(sum, start, err)
		return nil, err
	}

	onEnd := func(chunks, n int, err error) {
		sum.Chunks, sum.Bytes = chunks, n
		outcome, kind := outcomeOf(err)
		entry := r.log.WithFields(logrus.Fields{
			"request_id":  req.RequestID,
			"outcome":     outcome,
			"chunks":      chunks,
			"bytes":       n,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if outcome == OutcomeFailed {
			entry.WithError(err).WithField("kind", kind).Warn("RELAY_STREAM_END")
		} else {
			entry.Info("RELAY_STREAM_END")
		}
		r.observe(sum, start, err)
	}
	return newDeltaStream(streamCtx, cancel, resp.Body, onEnd), nil
}

// send performs the HTTP call, through the breaker when one is set.
func (r *Relay) send(req *http.Request) (*http.Response, error) {
	if r.breaker == nil {
		return r.httpClient.Do(req)
	}
	return r.breaker.Do(func() (*http.Response, error) {
		return r.httpClient.Do(req)
	})
}

func (r *Relay) observe(sum Summary, start time.Time, err error) {
	if r.observer == nil {
		return
	}
	sum.Outcome, sum.ErrorKind = outcomeOf(err)
	sum.Duration = time.Since(start)
	r.observer(sum)
}

// logRequest records the provider mode, a short preview of the last message
// and the request shape. The credential is logged only as a fingerprint.
func (r *Relay) logRequest(req ChatRequest, credential string, maxTokens, count int) {
	fields := logrus.Fields{
		"request_id":  req.RequestID,
		"mode":        r.mode.Name(),
		"model":       req.ModelID,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
		"messages":    count,
		"key":         util.KeyFingerprint(credential),
	}
	if n := len(req.Messages); n > 0 {
		last := req.Messages[n-1]
		fields["last_role"] = last.Role
		fields["last_chars"] = util.RuneLen(last.Content)
		fields["preview"] = util.Preview(last.Content, previewRunes)
	}
	r.log.WithFields(fields).Info("RELAY_REQUEST")
}
