package formats

// RegisterOpenAIOllama wires the OpenAI <-> Ollama pair into r. Ollama's
// chat shape is structurally close to OpenAI's; the main differences are
// option names and the absence of an SSE envelope (newline-delimited JSON),
// which the SSE engine's line splitter handles transparently either way.
func RegisterOpenAIOllama(r *Registry) {
	r.RegisterRequest(OpenAI, Ollama, openaiToOllamaRequest)
	r.RegisterRequest(Ollama, OpenAI, ollamaToOpenAIRequest)
	r.RegisterResponse(Ollama, OpenAI, ollamaToOpenAIResponse, ollamaToOpenAIFlush)
}

func openaiToOllamaRequest(model string, body Payload, stream bool, _ Credentials) (Payload, error) {
	messagesRaw, _ := body["messages"].([]any)
	messages := make([]Payload, 0, len(messagesRaw))
	for _, raw := range messagesRaw {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		messages = append(messages, Payload{"role": role, "content": stringContent(m["content"])})
	}

	options := Payload{}
	if v, ok := body["temperature"]; ok {
		options["temperature"] = v
	}
	if v, ok := body["top_p"]; ok {
		options["top_p"] = v
	}
	if v, ok := body["max_tokens"]; ok {
		options["num_predict"] = v
	}

	out := Payload{"model": model, "messages": messages, "stream": stream}
	if len(options) > 0 {
		out["options"] = options
	}
	return out, nil
}

func ollamaToOpenAIRequest(model string, body Payload, stream bool, _ Credentials) (Payload, error) {
	messagesRaw, _ := body["messages"].([]any)
	messages := make([]Payload, 0, len(messagesRaw))
	for _, raw := range messagesRaw {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		messages = append(messages, Payload{"role": role, "content": stringContent(m["content"])})
	}

	out := Payload{"model": model, "messages": messages, "stream": stream}
	if opts, ok := body["options"].(map[string]any); ok {
		if v, ok := opts["temperature"]; ok {
			out["temperature"] = v
		}
		if v, ok := opts["top_p"]; ok {
			out["top_p"] = v
		}
		if v, ok := opts["num_predict"]; ok {
			out["max_tokens"] = v
		}
	}
	return out, nil
}

func ollamaToOpenAIResponse(chunk Payload, state *StreamState) ([]Payload, error) {
	msg, _ := chunk["message"].(map[string]any)
	content, _ := msg["content"].(string)
	state.ContentLen += len(content)

	done, _ := chunk["done"].(bool)
	if done {
		if v, ok := chunk["prompt_eval_count"].(float64); ok {
			state.PromptTokens = int(v)
			state.UsageSeen = true
		}
		if v, ok := chunk["eval_count"].(float64); ok {
			state.CompletionTokens = int(v)
			state.UsageSeen = true
		}
		state.FinishReason = "stop"
		finish := "stop"
		out := chatChunk(Payload{"content": content}, nil)
		finishChunk := chatChunk(Payload{}, &finish)
		return []Payload{out, finishChunk}, nil
	}
	return []Payload{chatChunk(Payload{"content": content}, nil)}, nil
}

func ollamaToOpenAIFlush(state *StreamState) []Payload {
	if !state.UsageSeen {
		return nil
	}
	total := state.PromptTokens + state.CompletionTokens
	chunk := Payload{"usage": Payload{
		"prompt_tokens":     state.PromptTokens,
		"completion_tokens": state.CompletionTokens,
		"total_tokens":      total,
	}}
	return []Payload{chunk}
}
