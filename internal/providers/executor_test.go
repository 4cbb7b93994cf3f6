package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmproxy/proxy/internal/credpool"
	"github.com/llmproxy/proxy/internal/formats"
)

func TestParseRetryAfter_SecondsForm(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "5")
	assert.Equal(t, 5*time.Second, ParseRetryAfter(h))
}

func TestParseRetryAfter_RateLimitResetAfterForm(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Reset-After", "2.5")
	assert.Equal(t, 2500*time.Millisecond, ParseRetryAfter(h))
}

func TestParseRetryAfter_AbsentReturnsZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), ParseRetryAfter(http.Header{}))
}

func TestHTTPExecutor_Do_SendsAuthHeaderAndReturnsStatus(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	ep := Endpoint{Provider: "openai", BaseURL: srv.URL, ChatPath: "/v1/chat/completions", Format: formats.OpenAI, AuthHeader: bearerAuth}
	exec := NewHTTPExecutor(ep, time.Second, nil)

	resp, err := exec.Do(context.Background(), Request{
		Model:   "gpt-4o",
		Payload: formats.Payload{"model": "gpt-4o"},
		Creds:   credpool.CredentialView{APIKey: "sk-test"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

func TestHTTPExecutor_Do_RetriesOnceOn429WithoutRetryAfter(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := Endpoint{Provider: "openai", BaseURL: srv.URL, ChatPath: "/v1/chat/completions", Format: formats.OpenAI, AuthHeader: bearerAuth}
	exec := NewHTTPExecutor(ep, time.Second, nil)

	resp, err := exec.Do(context.Background(), Request{Payload: formats.Payload{}, Creds: credpool.CredentialView{APIKey: "k"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, attempts)
}

func TestAntigravityRequestHook_InjectsFields(t *testing.T) {
	creds := credpool.CredentialView{ConnectionID: "conn-1", ProjectID: "proj-1"}
	out := antigravityRequestHook("m", formats.Payload{}, creds)
	assert.Equal(t, "proj-1", out["projectId"])
	assert.Equal(t, "conn-1", out["sessionId"])
	assert.NotEmpty(t, out["requestId"])
	assert.Contains(t, out, "toolConfig")
}

func TestReadErrorBody_ExtractsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`))
	}))
	defer srv.Close()

	httpResp, err := http.Get(srv.URL)
	require.NoError(t, err)
	msg := ReadErrorBody(&Response{StatusCode: httpResp.StatusCode, Body: httpResp.Body})
	assert.Equal(t, "quota exceeded", msg)
}
