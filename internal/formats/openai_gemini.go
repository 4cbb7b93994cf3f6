package formats

import "fmt"

// RegisterOpenAIGemini wires the OpenAI <-> Gemini pair into r.
func RegisterOpenAIGemini(r *Registry) {
	r.RegisterRequest(OpenAI, Gemini, openaiToGeminiRequest)
	r.RegisterRequest(Gemini, OpenAI, geminiToOpenAIRequest)
	r.RegisterResponse(Gemini, OpenAI, geminiToOpenAIResponse, geminiToOpenAIFlush)
}

// geminiRole maps an OpenAI role onto Gemini's two-role "contents" turns;
// Gemini has no system turn in contents, it uses a separate field.
func geminiRole(openaiRole string) string {
	if openaiRole == "assistant" {
		return "model"
	}
	return "user"
}

func openaiToGeminiRequest(model string, body Payload, stream bool, _ Credentials) (Payload, error) {
	messagesRaw, _ := body["messages"].([]any)

	var systemParts []Payload
	contents := make([]Payload, 0, len(messagesRaw))
	for _, raw := range messagesRaw {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		text := stringContent(m["content"])
		if role == "system" {
			systemParts = append(systemParts, Payload{"text": text})
			continue
		}
		contents = append(contents, Payload{
			"role":  geminiRole(role),
			"parts": []Payload{{"text": text}},
		})
	}

	genConfig := Payload{}
	if v, ok := body["temperature"]; ok {
		genConfig["temperature"] = v
	}
	if v, ok := body["top_p"]; ok {
		genConfig["topP"] = v
	}
	if v, ok := body["max_tokens"]; ok {
		genConfig["maxOutputTokens"] = v
	}
	if stop := stringSlice(body["stop"]); len(stop) > 0 {
		genConfig["stopSequences"] = stop
	}

	out := Payload{"contents": contents}
	if len(genConfig) > 0 {
		out["generationConfig"] = genConfig
	}
	if len(systemParts) > 0 {
		out["systemInstruction"] = Payload{"parts": systemParts}
	}
	_ = model // Gemini's model is part of the URL, not the body
	_ = stream
	return out, nil
}

func geminiToOpenAIRequest(model string, body Payload, stream bool, _ Credentials) (Payload, error) {
	messages := []Payload{}
	if sysInstr, ok := body["systemInstruction"].(map[string]any); ok {
		if parts, ok := sysInstr["parts"].([]any); ok {
			messages = append(messages, Payload{"role": "system", "content": partsText(parts)})
		}
	}
	if contentsRaw, ok := body["contents"].([]any); ok {
		for _, cRaw := range contentsRaw {
			c, ok := cRaw.(map[string]any)
			if !ok {
				continue
			}
			role, _ := c["role"].(string)
			openaiRole := "user"
			if role == "model" {
				openaiRole = "assistant"
			}
			parts, _ := c["parts"].([]any)
			messages = append(messages, Payload{"role": openaiRole, "content": partsText(parts)})
		}
	}

	out := Payload{"model": model, "messages": messages, "stream": stream}
	if cfg, ok := body["generationConfig"].(map[string]any); ok {
		if v, ok := cfg["temperature"]; ok {
			out["temperature"] = v
		}
		if v, ok := cfg["topP"]; ok {
			out["top_p"] = v
		}
		if v, ok := cfg["maxOutputTokens"]; ok {
			out["max_tokens"] = v
		}
		if v, ok := cfg["stopSequences"]; ok {
			out["stop"] = v
		}
	}
	return out, nil
}

func partsText(parts []any) string {
	var out string
	for _, pRaw := range parts {
		p, ok := pRaw.(map[string]any)
		if !ok {
			continue
		}
		if thought, _ := p["thought"].(bool); thought {
			continue
		}
		out += fmt.Sprint(p["text"])
	}
	return out
}

func geminiToOpenAIResponse(chunk Payload, state *StreamState) ([]Payload, error) {
	candidates, _ := chunk["candidates"].([]any)
	var out []Payload

	if usage, ok := chunk["usageMetadata"].(map[string]any); ok {
		if v, ok := usage["promptTokenCount"].(float64); ok {
			state.PromptTokens = int(v)
		}
		if v, ok := usage["candidatesTokenCount"].(float64); ok {
			state.CompletionTokens = int(v)
		}
		if v, ok := usage["totalTokenCount"].(float64); ok {
			state.TotalTokens = int(v)
		}
		state.UsageSeen = true
	}

	for _, candRaw := range candidates {
		cand, ok := candRaw.(map[string]any)
		if !ok {
			continue
		}
		content, _ := cand["content"].(map[string]any)
		parts, _ := content["parts"].([]any)
		for _, pRaw := range parts {
			p, ok := pRaw.(map[string]any)
			if !ok {
				continue
			}
			text := fmt.Sprint(p["text"])
			if thought, _ := p["thought"].(bool); thought {
				state.ThinkingLen += len(text)
				out = append(out, chatChunk(Payload{"reasoning_content": text}, nil))
			} else {
				state.ContentLen += len(text)
				out = append(out, chatChunk(Payload{"content": text}, nil))
			}
		}
		if fr, ok := cand["finishReason"].(string); ok && fr != "" {
			state.FinishReason = geminiFinishReasonToOpenAI(fr)
		}
	}
	return out, nil
}

func geminiToOpenAIFlush(state *StreamState) []Payload {
	finish := state.FinishReason
	if finish == "" {
		finish = "stop"
	}
	chunk := chatChunk(Payload{}, &finish)
	if state.UsageSeen {
		total := state.TotalTokens
		if total == 0 {
			total = state.PromptTokens + state.CompletionTokens
		}
		chunk["usage"] = Payload{
			"prompt_tokens":     state.PromptTokens,
			"completion_tokens": state.CompletionTokens,
			"total_tokens":      total,
		}
	}
	return []Payload{chunk}
}

func geminiFinishReasonToOpenAI(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}
