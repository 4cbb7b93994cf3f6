// Package providers implements the executor layer of spec §4.5: one HTTP
// dispatch per provider family, built on the teacher's OpenAI-compatible
// base provider but generalized from a fixed request/response struct pair
// into the formats.Payload shape the translation layer already produces.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/llmproxy/proxy/internal/credpool"
	"github.com/llmproxy/proxy/internal/formats"
	"github.com/llmproxy/proxy/internal/tlsutil"
)

// Request is what the pipeline hands an Executor: a fully translated,
// target-format payload plus the selected credential and target model.
type Request struct {
	Model   string
	Payload formats.Payload
	Stream  bool
	Creds   credpool.CredentialView
}

// Response wraps the raw HTTP response; Body is always non-nil and must be
// closed by the caller once the SSE engine (or a single JSON decode for
// non-streaming calls) has consumed it.
type Response struct {
	StatusCode int
	Body       io.ReadCloser
	Header     http.Header
	RetryAfter time.Duration // zero if the upstream sent none
}

// Executor dispatches one request to a provider's endpoint and returns the
// raw response for the pipeline to classify and feed to internal/sse.
type Executor interface {
	// Format reports which wire dialect this executor's endpoint speaks, so
	// the pipeline knows whether formats.TranslateRequest/Response is needed.
	Format() formats.Format
	Do(ctx context.Context, req Request) (*Response, error)
}

// Endpoint describes one provider's HTTP surface.
type Endpoint struct {
	Provider     string
	BaseURL      string
	ChatPath     string
	Format       formats.Format
	AuthHeader   func(req *http.Request, creds credpool.CredentialView)
	RequestHook  func(model string, payload formats.Payload, creds credpool.CredentialView) formats.Payload
	FallbackURLs []string
}

// HTTPExecutor is the generic executor every provider in the catalogue uses;
// it differs from the teacher's openaicompat.Provider only in working over
// formats.Payload instead of a typed OpenAICompatRequest, and in returning
// the raw response for the pipeline's own retry/fallback state machine
// instead of retrying internally (spec §4.3 owns fallback, not the
// executor) — the sole exception is the bounded same-credential retry
// below, grounded on the teacher's RetryableProvider.
type HTTPExecutor struct {
	endpoint Endpoint
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPExecutor builds an executor for endpoint using a secure HTTP client
// (internal/tlsutil, matching the teacher's transport hardening).
func NewHTTPExecutor(endpoint Endpoint, timeout time.Duration, logger *zap.Logger) *HTTPExecutor {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPExecutor{
		endpoint: endpoint,
		client:   tlsutil.SecureHTTPClient(timeout),
		logger:   logger.With(zap.String("component", "executor"), zap.String("provider", endpoint.Provider)),
	}
}

func (e *HTTPExecutor) Format() formats.Format { return e.endpoint.Format }

// Do issues the request, retrying once against a fallback URL and once more
// in place on a bare 429 with no usable Retry-After header (spec §4.5's "at
// most 2 attempts"), grounded on the teacher's RetryableProvider backoff
// calculation but bounded to a single extra attempt since spec §4.3 already
// owns the cross-credential fallback decision.
func (e *HTTPExecutor) Do(ctx context.Context, req Request) (*Response, error) {
	urls := append([]string{e.endpoint.BaseURL}, e.endpoint.FallbackURLs...)

	payload := req.Payload
	if e.endpoint.RequestHook != nil {
		payload = e.endpoint.RequestHook(req.Model, payload, req.Creds)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("providers: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= 1; attempt++ {
		for _, base := range urls {
			resp, err := e.dispatch(ctx, base, body, req.Creds)
			if err != nil {
				lastErr = err
				continue
			}
			if resp.StatusCode == http.StatusTooManyRequests && resp.RetryAfter == 0 && attempt == 0 {
				resp.Body.Close()
				e.logger.Debug("429 without retry-after, retrying once", zap.String("url", base))
				time.Sleep(time.Second)
				continue
			}
			return resp, nil
		}
	}
	return nil, lastErr
}

func (e *HTTPExecutor) dispatch(ctx context.Context, base string, body []byte, creds credpool.CredentialView) (*Response, error) {
	url := strings.TrimRight(base, "/") + e.endpoint.ChatPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("providers: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.endpoint.AuthHeader != nil {
		e.endpoint.AuthHeader(httpReq, creds)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("providers: %s: %w", e.endpoint.Provider, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Header:     resp.Header,
		RetryAfter: ParseRetryAfter(resp.Header),
	}, nil
}

// ParseRetryAfter reads Retry-After, X-RateLimit-Reset-After, or
// X-RateLimit-Reset (epoch seconds) off an upstream response, per spec
// §4.5's retry-after parsing order.
func ParseRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
		if when, err := http.ParseTime(v); err == nil {
			if d := time.Until(when); d > 0 {
				return d
			}
		}
	}
	if v := h.Get("X-RateLimit-Reset-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d
			}
		}
	}
	return 0
}

// ReadErrorBody drains and returns resp.Body as a string for
// credpool.Classify's error-body token match (spec §4.3), closing the body.
func ReadErrorBody(resp *Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(data)
}
