package formats

// DefaultRegistry builds the registry wired with every pair this proxy
// supports. Providers whose wire dialect is itself OpenAI-compatible
// (the long tail of spec §6's provider catalogue: deepseek, groq, xai,
// mistral, ...) need no entry here — the executor speaks OpenAI directly
// and the SSE engine runs in PASSTHROUGH mode.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterOpenAIClaude(r)
	RegisterOpenAIGemini(r)
	RegisterOpenAIOllama(r)
	RegisterOpenAIResponses(r)
	return r
}
