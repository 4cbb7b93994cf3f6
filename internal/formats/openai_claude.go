package formats

import (
	"encoding/json"
	"fmt"
)

// RegisterOpenAIClaude wires the OpenAI <-> Claude Messages pair into r.
func RegisterOpenAIClaude(r *Registry) {
	r.RegisterRequest(OpenAI, Claude, openaiToClaudeRequest)
	r.RegisterRequest(Claude, OpenAI, claudeToOpenAIRequest)
	r.RegisterResponse(Claude, OpenAI, claudeToOpenAIResponse, claudeToOpenAIFlush)
}

// openaiToClaudeRequest maps OpenAI chat messages onto Claude's
// system-string-plus-turns shape. Consecutive system messages are joined;
// tool_calls on an assistant turn become tool_use content blocks; a tool
// role message becomes a tool_result block inside a user turn, per spec
// §4.1's "tool calls round-trip" requirement.
func openaiToClaudeRequest(model string, body Payload, stream bool, _ Credentials) (Payload, error) {
	messagesRaw, _ := body["messages"].([]any)

	var system string
	messages := make([]Payload, 0, len(messagesRaw))
	for _, raw := range messagesRaw {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)

		switch role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += stringContent(m["content"])

		case "tool":
			toolCallID, _ := m["tool_call_id"].(string)
			messages = append(messages, Payload{
				"role": "user",
				"content": []Payload{{
					"type":        "tool_result",
					"tool_use_id": toolCallID,
					"content":     stringContent(m["content"]),
				}},
			})

		case "assistant":
			blocks := []Payload{}
			if text := stringContent(m["content"]); text != "" {
				blocks = append(blocks, Payload{"type": "text", "text": text})
			}
			if toolCalls, ok := m["tool_calls"].([]any); ok {
				for _, tcRaw := range toolCalls {
					tc, ok := tcRaw.(map[string]any)
					if !ok {
						continue
					}
					fn, _ := tc["function"].(map[string]any)
					name, _ := fn["name"].(string)
					argsStr, _ := fn["arguments"].(string)
					var args any = map[string]any{}
					if argsStr != "" {
						_ = json.Unmarshal([]byte(argsStr), &args)
					}
					id, _ := tc["id"].(string)
					blocks = append(blocks, Payload{
						"type": "tool_use", "id": id, "name": name, "input": args,
					})
				}
			}
			messages = append(messages, Payload{"role": "assistant", "content": blocks})

		default: // user
			messages = append(messages, Payload{
				"role":    "user",
				"content": []Payload{{"type": "text", "text": stringContent(m["content"])}},
			})
		}
	}

	maxTokens := 4096
	if v, ok := body["max_tokens"].(float64); ok && v > 0 {
		maxTokens = int(v)
	}

	out := Payload{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if system != "" {
		out["system"] = system
	}
	if v, ok := body["temperature"]; ok {
		out["temperature"] = v
	}
	if v, ok := body["top_p"]; ok {
		out["top_p"] = v
	}
	if stop := stringSlice(body["stop"]); len(stop) > 0 {
		out["stop_sequences"] = stop
	}
	if tools, ok := body["tools"].([]any); ok && len(tools) > 0 {
		out["tools"] = openAIToolsToClaudeTools(tools)
	}
	return out, nil
}

func openAIToolsToClaudeTools(tools []any) []Payload {
	out := make([]Payload, 0, len(tools))
	for _, raw := range tools {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fn, _ := t["function"].(map[string]any)
		out = append(out, Payload{
			"name":         fn["name"],
			"description":  fn["description"],
			"input_schema": fn["parameters"],
		})
	}
	return out
}

// claudeToOpenAIRequest is the inverse direction, used when a client speaks
// Claude Messages but the selected provider is OpenAI-native.
func claudeToOpenAIRequest(model string, body Payload, stream bool, _ Credentials) (Payload, error) {
	messages := []Payload{}
	if system, ok := body["system"].(string); ok && system != "" {
		messages = append(messages, Payload{"role": "system", "content": system})
	}
	if raw, ok := body["messages"].([]any); ok {
		for _, mRaw := range raw {
			m, ok := mRaw.(map[string]any)
			if !ok {
				continue
			}
			role, _ := m["role"].(string)
			content := m["content"]

			blocks, isBlocks := content.([]any)
			if !isBlocks {
				messages = append(messages, Payload{"role": role, "content": stringContent(content)})
				continue
			}

			var text string
			var toolCalls []Payload
			for _, bRaw := range blocks {
				b, ok := bRaw.(map[string]any)
				if !ok {
					continue
				}
				switch b["type"] {
				case "text":
					text += fmt.Sprint(b["text"])
				case "tool_use":
					argsJSON, _ := json.Marshal(b["input"])
					toolCalls = append(toolCalls, Payload{
						"id":   b["id"],
						"type": "function",
						"function": Payload{
							"name":      b["name"],
							"arguments": string(argsJSON),
						},
					})
				case "tool_result":
					messages = append(messages, Payload{
						"role":         "tool",
						"tool_call_id": b["tool_use_id"],
						"content":      stringContent(b["content"]),
					})
				}
			}
			if text != "" || len(toolCalls) == 0 {
				entry := Payload{"role": role, "content": text}
				if len(toolCalls) > 0 {
					entry["tool_calls"] = toolCalls
				}
				messages = append(messages, entry)
			} else {
				messages = append(messages, Payload{"role": role, "content": nil, "tool_calls": toolCalls})
			}
		}
	}

	out := Payload{"model": model, "messages": messages, "stream": stream}
	if v, ok := body["max_tokens"]; ok {
		out["max_tokens"] = v
	}
	if v, ok := body["temperature"]; ok {
		out["temperature"] = v
	}
	if v, ok := body["top_p"]; ok {
		out["top_p"] = v
	}
	if stop, ok := body["stop_sequences"]; ok {
		out["stop"] = stop
	}
	return out, nil
}

// claudeToOpenAIResponse translates one decoded Claude SSE event into zero
// or more OpenAI chat-completion-chunk payloads, accumulating state as it
// goes (spec §4.2's content/thinking/usage accounting).
func claudeToOpenAIResponse(chunk Payload, state *StreamState) ([]Payload, error) {
	typ, _ := chunk["type"].(string)

	switch typ {
	case "message_start":
		msg, _ := chunk["message"].(map[string]any)
		if usage, ok := msg["usage"].(map[string]any); ok {
			if v, ok := usage["input_tokens"].(float64); ok {
				state.PromptTokens = int(v)
				state.UsageSeen = true
			}
		}
		return []Payload{chatChunk(Payload{"role": "assistant", "content": ""}, nil)}, nil

	case "content_block_start":
		block, _ := chunk["content_block"].(map[string]any)
		if block["type"] == "tool_use" {
			idx, _ := chunk["index"].(float64)
			id, _ := block["id"].(string)
			name, _ := block["name"].(string)
			state.ToolCallNames[fmt.Sprint(int(idx))] = name
			return []Payload{chatChunk(Payload{
				"tool_calls": []Payload{{
					"index": int(idx),
					"id":    id,
					"type":  "function",
					"function": Payload{"name": name, "arguments": ""},
				}},
			}, nil)}, nil
		}
		return nil, nil

	case "content_block_delta":
		delta, _ := chunk["delta"].(map[string]any)
		switch delta["type"] {
		case "text_delta":
			text, _ := delta["text"].(string)
			state.ContentLen += len(text)
			return []Payload{chatChunk(Payload{"content": text}, nil)}, nil
		case "thinking_delta":
			text, _ := delta["thinking"].(string)
			state.ThinkingLen += len(text)
			return []Payload{chatChunk(Payload{"reasoning_content": text}, nil)}, nil
		case "input_json_delta":
			idx, _ := chunk["index"].(float64)
			partial, _ := delta["partial_json"].(string)
			return []Payload{chatChunk(Payload{
				"tool_calls": []Payload{{
					"index":    int(idx),
					"function": Payload{"arguments": partial},
				}},
			}, nil)}, nil
		}
		return nil, nil

	case "message_delta":
		delta, _ := chunk["delta"].(map[string]any)
		if stopReason, ok := delta["stop_reason"].(string); ok {
			state.FinishReason = claudeStopReasonToOpenAI(stopReason)
		}
		if usage, ok := chunk["usage"].(map[string]any); ok {
			if v, ok := usage["output_tokens"].(float64); ok {
				state.CompletionTokens = int(v)
				state.UsageSeen = true
			}
		}
		return nil, nil

	default:
		return nil, nil
	}
}

func claudeToOpenAIFlush(state *StreamState) []Payload {
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

func claudeStopReasonToOpenAI(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "stop_sequence", "end_turn":
		return "stop"
	default:
		return "stop"
	}
}

// chatChunk builds a minimal OpenAI chat.completion.chunk delta payload; the
// SSE engine fills in id/created/model/object when absent (passthrough
// normalisation, spec §4.2).
func chatChunk(delta Payload, finishReason *string) Payload {
	choice := Payload{"index": 0, "delta": delta}
	if finishReason != nil {
		choice["finish_reason"] = *finishReason
	} else {
		choice["finish_reason"] = nil
	}
	return Payload{
		"object":  "chat.completion.chunk",
		"choices": []Payload{choice},
	}
}

func stringContent(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		var out string
		for _, partRaw := range c {
			part, ok := partRaw.(map[string]any)
			if !ok {
				continue
			}
			if part["type"] == "text" || part["type"] == nil {
				out += fmt.Sprint(part["text"])
			}
		}
		return out
	default:
		return ""
	}
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
