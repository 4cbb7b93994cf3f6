package providers

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"go.uber.org/zap"

	"github.com/llmproxy/proxy/internal/credpool"
	"github.com/llmproxy/proxy/internal/formats"
)

func bearerAuth(req *http.Request, creds credpool.CredentialView) {
	token := creds.AccessToken
	if token == "" {
		token = creds.APIKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func anthropicAuth(req *http.Request, creds credpool.CredentialView) {
	key := creds.APIKey
	if key == "" {
		key = creds.AccessToken
	}
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", "2023-06-01")
}

func geminiAuth(req *http.Request, creds credpool.CredentialView) {
	if creds.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		return
	}
	q := req.URL.Query()
	q.Set("key", creds.APIKey)
	req.URL.RawQuery = q.Encode()
}

// Catalogue is the default endpoint registration for the first-class and
// OpenAI-compatible long-tail providers of spec §6's provider table.
// OpenAI-compatible vendors (deepseek, mistral, qwen, glm, doubao, kimi,
// hunyuan, minimax, llama, grok) all reuse the OpenAI
// endpoint shape with a different BaseURL, grounded on the teacher's
// openaicompat.Provider pattern of one struct with a swapped BaseURL/Name.
func Catalogue() map[string]Endpoint {
	return map[string]Endpoint{
		"openai": {
			Provider: "openai", BaseURL: "https://api.openai.com", ChatPath: "/v1/chat/completions",
			Format: formats.OpenAI, AuthHeader: bearerAuth,
		},
		"anthropic": {
			Provider: "anthropic", BaseURL: "https://api.anthropic.com", ChatPath: "/v1/messages",
			Format: formats.Claude, AuthHeader: anthropicAuth,
		},
		"gemini": {
			Provider: "gemini", BaseURL: "https://generativelanguage.googleapis.com", ChatPath: "/v1beta/models/{model}:streamGenerateContent",
			Format: formats.Gemini, AuthHeader: geminiAuth,
		},
		"ollama": {
			Provider: "ollama", BaseURL: "http://localhost:11434", ChatPath: "/api/chat",
			Format: formats.Ollama,
		},
		"deepseek": openAICompatEndpoint("deepseek", "https://api.deepseek.com"),
		"qwen":     openAICompatEndpoint("qwen", "https://dashscope.aliyuncs.com/compatible-mode"),
		"glm":      openAICompatEndpoint("glm", "https://open.bigmodel.cn/api/paas/v4"),
		"doubao":   openAICompatEndpoint("doubao", "https://ark.cn-beijing.volces.com/api/v3"),
		"grok":     openAICompatEndpoint("grok", "https://api.x.ai"),
		"mistral":  openAICompatEndpoint("mistral", "https://api.mistral.ai"),
		"kimi":     openAICompatEndpoint("kimi", "https://api.moonshot.cn"),
		"hunyuan":  openAICompatEndpoint("hunyuan", "https://api.hunyuan.cloud.tencent.com"),
		"minimax":  openAICompatEndpoint("minimax", "https://api.minimax.chat"),
		"llama":    openAICompatEndpoint("llama", "https://api.llama-api.com"),
		"antigravity": {
			Provider: "antigravity", BaseURL: "https://api.antigravity.dev", ChatPath: "/v1/chat/completions",
			Format: formats.OpenAI, AuthHeader: bearerAuth, RequestHook: antigravityRequestHook,
		},
		"kiro": {
			Provider: "kiro", BaseURL: "https://api.kiro.dev", ChatPath: "/v1/chat/completions",
			Format: formats.OpenAI, AuthHeader: bearerAuth,
		},
	}
}

func openAICompatEndpoint(name, baseURL string) Endpoint {
	return Endpoint{
		Provider: name, BaseURL: baseURL, ChatPath: "/v1/chat/completions",
		Format: formats.OpenAI, AuthHeader: bearerAuth,
	}
}

// antigravityRequestHook injects the projectId/sessionId/requestId fields
// Antigravity's API requires beyond the OpenAI chat shape, plus a default
// toolConfig block, per spec §6's Antigravity entry.
func antigravityRequestHook(_ string, payload formats.Payload, creds credpool.CredentialView) formats.Payload {
	if creds.ProjectID != "" {
		payload["projectId"] = creds.ProjectID
	}
	payload["sessionId"] = creds.ConnectionID
	payload["requestId"] = newRequestID()
	if _, ok := payload["toolConfig"]; !ok {
		payload["toolConfig"] = formats.Payload{"functionCallingConfig": formats.Payload{"mode": "AUTO"}}
	}
	return payload
}

func newRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// BuildExecutors constructs an Executor per catalogue entry, sharing a
// logger the way the teacher wires one zap.Logger through every provider
// constructor.
func BuildExecutors(logger *zap.Logger) map[string]Executor {
	out := make(map[string]Executor)
	for name, ep := range Catalogue() {
		out[name] = NewHTTPExecutor(ep, 0, logger)
	}
	return out
}
