package formats

// RegisterOpenAIResponses wires the OpenAI Chat Completions <-> OpenAI
// Responses pair into r. The Responses API flattens the conversation into
// an `input` array of typed items and streams typed `response.*` events
// rather than `choices[].delta`.
func RegisterOpenAIResponses(r *Registry) {
	r.RegisterRequest(OpenAI, OpenAIResponses, chatToResponsesRequest)
	r.RegisterRequest(OpenAIResponses, OpenAI, responsesToChatRequest)
	r.RegisterResponse(OpenAIResponses, OpenAI, responsesToChatResponse, responsesToChatFlush)
}

func chatToResponsesRequest(model string, body Payload, stream bool, _ Credentials) (Payload, error) {
	messagesRaw, _ := body["messages"].([]any)
	input := make([]Payload, 0, len(messagesRaw))
	for _, raw := range messagesRaw {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		input = append(input, Payload{
			"role":    role,
			"content": []Payload{{"type": "input_text", "text": stringContent(m["content"])}},
		})
	}

	out := Payload{"model": model, "input": input, "stream": stream}
	if v, ok := body["temperature"]; ok {
		out["temperature"] = v
	}
	if v, ok := body["top_p"]; ok {
		out["top_p"] = v
	}
	if v, ok := body["max_tokens"]; ok {
		out["max_output_tokens"] = v
	}
	return out, nil
}

func responsesToChatRequest(model string, body Payload, stream bool, _ Credentials) (Payload, error) {
	inputRaw, _ := body["input"].([]any)
	messages := make([]Payload, 0, len(inputRaw))
	for _, raw := range inputRaw {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		messages = append(messages, Payload{"role": role, "content": stringContent(m["content"])})
	}

	out := Payload{"model": model, "messages": messages, "stream": stream}
	if v, ok := body["temperature"]; ok {
		out["temperature"] = v
	}
	if v, ok := body["top_p"]; ok {
		out["top_p"] = v
	}
	if v, ok := body["max_output_tokens"]; ok {
		out["max_tokens"] = v
	}
	return out, nil
}

func responsesToChatResponse(chunk Payload, state *StreamState) ([]Payload, error) {
	typ, _ := chunk["type"].(string)

	switch typ {
	case "response.output_text.delta":
		delta, _ := chunk["delta"].(string)
		state.ContentLen += len(delta)
		return []Payload{chatChunk(Payload{"content": delta}, nil)}, nil

	case "response.reasoning_text.delta":
		delta, _ := chunk["delta"].(string)
		state.ThinkingLen += len(delta)
		return []Payload{chatChunk(Payload{"reasoning_content": delta}, nil)}, nil

	case "response.completed":
		resp, _ := chunk["response"].(map[string]any)
		if usage, ok := resp["usage"].(map[string]any); ok {
			if v, ok := usage["input_tokens"].(float64); ok {
				state.PromptTokens = int(v)
			}
			if v, ok := usage["output_tokens"].(float64); ok {
				state.CompletionTokens = int(v)
			}
			state.UsageSeen = true
		}
		state.FinishReason = "stop"
		return nil, nil

	case "response.failed", "response.incomplete":
		state.FinishReason = "stop"
		return nil, nil

	default:
		return nil, nil
	}
}

func responsesToChatFlush(state *StreamState) []Payload {
	finish := state.FinishReason
	if finish == "" {
		finish = "stop"
	}
	chunk := chatChunk(Payload{}, &finish)
	if state.UsageSeen {
		total := state.PromptTokens + state.CompletionTokens
		chunk["usage"] = Payload{
			"prompt_tokens":     state.PromptTokens,
			"completion_tokens": state.CompletionTokens,
			"total_tokens":      total,
		}
	}
	return []Payload{chunk}
}
