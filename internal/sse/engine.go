// Package sse implements the streaming engine of spec §4.2: it reads an
// upstream SSE (or NDJSON, for Ollama) body line by line, either translates
// each chunk into the client's wire format or normalizes it in place, and
// writes the result back out as SSE, always closing with the mandatory
// `data: [DONE]\n\n` terminator. Line parsing is grounded on the teacher's
// `llm/providers/openaicompat/provider.go`'s StreamSSE bufio.Reader loop.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/llmproxy/proxy/internal/formats"
)

// Mode selects how the engine treats each decoded chunk.
type Mode int

const (
	// Translate converts chunks from the provider's format to the client's.
	Translate Mode = iota
	// Passthrough forwards chunks unchanged except for normalisation: a
	// canonical "data: " prefix, vendor-extension stripping, and injection
	// of missing OpenAI envelope fields.
	Passthrough
)

var vendorExtensionKeys = []string{
	"prompt_filter_results",
	"content_filter_results",
	"system_fingerprint_internal",
}

// Result is returned by Run once the stream ends, carrying the accounting
// spec §4.2 requires for the observability log.
type Result struct {
	ContentLen       int
	ThinkingLen      int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     string
	DetectedFormat   formats.Format
	TTFT             time.Duration
	ChunkCount       int
}

// Engine drives one request's stream translation/passthrough.
type Engine struct {
	registry *formats.Registry
	logger   *zap.Logger
}

// New returns an Engine backed by registry. Pass formats.DefaultRegistry()
// in production; tests may supply a narrower registry.
func New(registry *formats.Registry, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{registry: registry, logger: logger}
}

// Run reads provider-format SSE/NDJSON lines from body and writes
// client-format SSE lines to w, until body is exhausted or ctx is canceled.
// providerFormat/clientFormat select Translate vs Passthrough mode; when
// they're equal the engine still runs in Passthrough for its normalisation
// pass. id/model/created fill in envelope fields a provider chunk omits.
func (e *Engine) Run(ctx context.Context, body io.Reader, w io.Writer, providerFormat, clientFormat formats.Format, id, model string, created int64) (Result, error) {
	mode := Translate
	if providerFormat == clientFormat || !e.registry.HasResponseTranslator(providerFormat, clientFormat) {
		mode = Passthrough
	}

	state := formats.NewStreamState()
	state.DetectedFormat = providerFormat
	result := Result{DetectedFormat: providerFormat}

	reader := bufio.NewReader(body)
	started := time.Now()
	ttftSet := false

	for {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		line, err := reader.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			data, isData := cutData(line)
			if isData {
				if data == "[DONE]" {
					break
				}
				var chunk formats.Payload
				if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr == nil {
					if detected, ok := formats.DetectFormat(chunk); ok && detected != providerFormat {
						state.DetectedFormat = detected
						providerFormat = detected
						if providerFormat == clientFormat || !e.registry.HasResponseTranslator(providerFormat, clientFormat) {
							mode = Passthrough
						} else {
							mode = Translate
						}
					}

					if !ttftSet {
						result.TTFT = time.Since(started)
						ttftSet = true
					}

					out, writeErr := e.emit(mode, providerFormat, clientFormat, chunk, state, id, model, created)
					if writeErr != nil {
						return result, writeErr
					}
					for _, o := range out {
						if wErr := writeChunk(w, o); wErr != nil {
							return result, wErr
						}
						result.ChunkCount++
					}
				} else {
					e.logger.Warn("sse: dropping undecodable chunk", zap.Error(jsonErr))
				}
			}
		}

		if err != nil {
			break
		}
	}

	flushed := e.registry.Flush(providerFormat, clientFormat, state)
	for _, f := range flushed {
		if wErr := writeChunk(w, f); wErr != nil {
			return result, wErr
		}
		result.ChunkCount++
	}
	if _, wErr := io.WriteString(w, "data: [DONE]\n\n"); wErr != nil {
		return result, wErr
	}

	result.ContentLen = state.ContentLen
	result.ThinkingLen = state.ThinkingLen
	result.PromptTokens = state.PromptTokens
	result.CompletionTokens = state.CompletionTokens
	result.TotalTokens = state.TotalTokens
	result.FinishReason = state.FinishReason
	result.DetectedFormat = state.DetectedFormat
	return result, nil
}

func (e *Engine) emit(mode Mode, providerFormat, clientFormat formats.Format, chunk formats.Payload, state *formats.StreamState, id, model string, created int64) ([]formats.Payload, error) {
	if mode == Passthrough {
		normalize(chunk, id, model, created)
		accumulatePassthroughAccounting(chunk, state)
		return []formats.Payload{chunk}, nil
	}
	return e.registry.TranslateResponse(providerFormat, clientFormat, chunk, state)
}

// normalize strips vendor extensions and fills in envelope fields an
// OpenAI-compatible vendor sometimes omits, per spec §4.2's passthrough
// normalisation rules.
func normalize(chunk formats.Payload, id, model string, created int64) {
	for _, k := range vendorExtensionKeys {
		delete(chunk, k)
	}
	if _, ok := chunk["object"]; !ok {
		chunk["object"] = "chat.completion.chunk"
	}
	if _, ok := chunk["created"]; !ok && created > 0 {
		chunk["created"] = created
	}
	if cid, ok := chunk["id"].(string); !ok || cid == "" {
		if id != "" {
			chunk["id"] = id
		}
	}
	if m, ok := chunk["model"].(string); !ok || m == "" {
		if model != "" {
			chunk["model"] = model
		}
	}
}

// accumulatePassthroughAccounting extracts content/thinking/usage from a
// chunk that is being forwarded unchanged, so the observability log still
// gets accurate figures even when no translator runs.
func accumulatePassthroughAccounting(chunk formats.Payload, state *formats.StreamState) {
	choices, _ := chunk["choices"].([]any)
	for _, cRaw := range choices {
		c, ok := cRaw.(map[string]any)
		if !ok {
			continue
		}
		delta, _ := c["delta"].(map[string]any)
		if content, ok := delta["content"].(string); ok {
			state.ContentLen += len(content)
		}
		if reasoning, ok := delta["reasoning_content"].(string); ok {
			state.ThinkingLen += len(reasoning)
		}
		if fr, ok := c["finish_reason"].(string); ok && fr != "" {
			state.FinishReason = fr
		}
	}
	if usage, ok := chunk["usage"].(map[string]any); ok {
		if v, ok := usage["prompt_tokens"].(float64); ok {
			state.PromptTokens = int(v)
		}
		if v, ok := usage["completion_tokens"].(float64); ok {
			state.CompletionTokens = int(v)
		}
		if v, ok := usage["total_tokens"].(float64); ok {
			state.TotalTokens = int(v)
		}
		state.UsageSeen = true
	}
}

// cutData extracts the payload of an SSE "data:" line (Ollama's NDJSON
// frames arrive without the prefix, so a bare JSON object line is accepted
// too).
func cutData(line string) (string, bool) {
	if strings.HasPrefix(line, "data:") {
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
	}
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		return trimmed, true
	}
	return "", false
}

func writeChunk(w io.Writer, chunk formats.Payload) error {
	buf, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	out.WriteString("data: ")
	out.Write(buf)
	out.WriteString("\n\n")
	_, err = w.Write(out.Bytes())
	return err
}
