// Package formats implements the wire-format registry and translators of
// spec §4.1: pairwise converters between OpenAI Chat Completions and the
// other first-class client formats (OpenAI Responses, Claude Messages,
// Gemini, Ollama). The Kiro and Antigravity format constants are declared,
// but no translator targets them; the provider catalogue dispatches those
// providers in OpenAI format. Per spec §9's design note, translators work
// directly pair-to-pair rather than through a shared normalised
// representation, so a conversion only drops what the *specific* target
// genuinely cannot express.
package formats

import "fmt"

// Format identifies one wire dialect.
type Format string

const (
	OpenAI          Format = "openai"
	OpenAIResponses Format = "openai_responses"
	Claude          Format = "claude"
	Gemini          Format = "gemini"
	Ollama          Format = "ollama"
	Kiro            Format = "kiro"
	Antigravity     Format = "antigravity"
)

// Payload is a JSON object in its decoded form. Every translator accepts and
// returns this shape rather than a fixed struct: the source formats are
// JSON-first wire protocols and fields not modeled by one format should
// survive untouched through a format that does model them, which a typed
// intermediate struct would silently drop.
type Payload map[string]any

// Credentials carries what a request translator needs to know about the
// selected connection without exposing write access to it (e.g. Antigravity
// injects projectId into the request body).
type Credentials struct {
	ProjectID string
	Model     string
}

// RequestTranslator converts a client-format request body into the shape a
// specific provider/target format expects.
type RequestTranslator func(model string, body Payload, stream bool, creds Credentials) (Payload, error)

// StreamState accumulates the per-request fields the SSE engine needs
// (spec §4.2's accounting): content/thinking lengths, usage, detected
// format, finish reason. Response translators read and mutate it.
type StreamState struct {
	DetectedFormat   Format
	ContentLen       int
	ThinkingLen      int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	UsageSeen        bool
	FinishReason     string
	ToolCallNames    map[string]string // tool_call id -> name, for round-tripping arguments
}

// NewStreamState returns a zeroed state ready for a new stream.
func NewStreamState() *StreamState {
	return &StreamState{ToolCallNames: make(map[string]string)}
}

// ResponseTranslator converts one decoded provider-format chunk into zero or
// more client-format chunks, mutating state's accounting fields as it goes.
type ResponseTranslator func(chunk Payload, state *StreamState) ([]Payload, error)

// FlushFunc produces the translator's final chunk(s) at end-of-stream (e.g.
// the finish-reason rewrite with resolved usage, spec §4.2's "Finish rewrite").
type FlushFunc func(state *StreamState) []Payload

type pairKey struct {
	source, target Format
}

// Registry holds the (source, target) translator tables of spec §4.1.
type Registry struct {
	requests  map[pairKey]RequestTranslator
	responses map[pairKey]ResponseTranslator
	flushes   map[pairKey]FlushFunc
}

// NewRegistry returns an empty registry; DefaultRegistry returns one
// populated with every pair this repository supports.
func NewRegistry() *Registry {
	return &Registry{
		requests:  make(map[pairKey]RequestTranslator),
		responses: make(map[pairKey]ResponseTranslator),
		flushes:   make(map[pairKey]FlushFunc),
	}
}

// RegisterRequest adds a (source, target) request translator.
func (r *Registry) RegisterRequest(source, target Format, fn RequestTranslator) {
	r.requests[pairKey{source, target}] = fn
}

// RegisterResponse adds a (providerFormat, clientFormat) response translator
// and its flush function.
func (r *Registry) RegisterResponse(providerFormat, clientFormat Format, fn ResponseTranslator, flush FlushFunc) {
	r.responses[pairKey{providerFormat, clientFormat}] = fn
	if flush != nil {
		r.flushes[pairKey{providerFormat, clientFormat}] = flush
	}
}

// TranslateRequest converts body from source to target. If source == target
// the body is returned unchanged (identity), matching the SSE engine's own
// passthrough/translate mode split (spec §4.2).
func (r *Registry) TranslateRequest(source, target Format, model string, body Payload, stream bool, creds Credentials) (Payload, error) {
	if source == target {
		return body, nil
	}
	fn, ok := r.requests[pairKey{source, target}]
	if !ok {
		return nil, fmt.Errorf("formats: no request translator registered for %s -> %s", source, target)
	}
	return fn(model, body, stream, creds)
}

// TranslateResponse converts one provider-format chunk into client-format
// chunks. Identity pairs are handled by the SSE engine's passthrough mode,
// not here.
func (r *Registry) TranslateResponse(providerFormat, clientFormat Format, chunk Payload, state *StreamState) ([]Payload, error) {
	fn, ok := r.responses[pairKey{providerFormat, clientFormat}]
	if !ok {
		return nil, fmt.Errorf("formats: no response translator registered for %s -> %s", providerFormat, clientFormat)
	}
	return fn(chunk, state)
}

// Flush runs the registered flush function for (providerFormat,
// clientFormat), or returns nil if none was registered (identity pairs).
func (r *Registry) Flush(providerFormat, clientFormat Format, state *StreamState) []Payload {
	fn, ok := r.flushes[pairKey{providerFormat, clientFormat}]
	if !ok {
		return nil
	}
	return fn(state)
}

// HasResponseTranslator reports whether a non-identity response translator
// is registered for the pair, letting the SSE engine choose PASSTHROUGH vs
// TRANSLATE mode.
func (r *Registry) HasResponseTranslator(providerFormat, clientFormat Format) bool {
	_, ok := r.responses[pairKey{providerFormat, clientFormat}]
	return ok
}
