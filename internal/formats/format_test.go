package formats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_IdentityPairPassesThrough(t *testing.T) {
	r := DefaultRegistry()
	body := Payload{"model": "gpt-4o", "messages": []any{}}
	out, err := r.TranslateRequest(OpenAI, OpenAI, "gpt-4o", body, true, Credentials{})
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestRegistry_UnregisteredPairErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.TranslateRequest(OpenAI, Claude, "m", Payload{}, false, Credentials{})
	assert.Error(t, err)
}

func TestOpenAIToClaudeRequest_ExtractsSystemAndMapsMaxTokens(t *testing.T) {
	r := DefaultRegistry()
	body := Payload{
		"messages": []any{
			map[string]any{"role": "system", "content": "be terse"},
			map[string]any{"role": "user", "content": "hi"},
		},
		"max_tokens":  float64(100),
		"temperature": 0.5,
	}
	out, err := r.TranslateRequest(OpenAI, Claude, "claude-3-opus", body, true, Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "be terse", out["system"])
	assert.Equal(t, 100, out["max_tokens"])

	messages := out["messages"].([]Payload)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0]["role"])
}

func TestClaudeToOpenAIResponse_AccumulatesContentAndFinish(t *testing.T) {
	r := DefaultRegistry()
	state := NewStreamState()

	_, err := r.TranslateResponse(Claude, OpenAI, Payload{
		"type": "content_block_delta",
		"delta": map[string]any{"type": "text_delta", "text": "hello"},
	}, state)
	require.NoError(t, err)
	assert.Equal(t, len("hello"), state.ContentLen)

	_, err = r.TranslateResponse(Claude, OpenAI, Payload{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn"},
	}, state)
	require.NoError(t, err)

	flushed := r.Flush(Claude, OpenAI, state)
	require.Len(t, flushed, 1)
	choices := flushed[0]["choices"].([]Payload)
	assert.Equal(t, "stop", choices[0]["finish_reason"])
}

func TestDetectFormat(t *testing.T) {
	f, ok := DetectFormat(Payload{"choices": []any{}})
	assert.True(t, ok)
	assert.Equal(t, OpenAI, f)

	f, ok = DetectFormat(Payload{"candidates": []any{}})
	assert.True(t, ok)
	assert.Equal(t, Gemini, f)

	f, ok = DetectFormat(Payload{"type": "response.output_text.delta"})
	assert.True(t, ok)
	assert.Equal(t, OpenAIResponses, f)

	f, ok = DetectFormat(Payload{"type": "content_block_delta"})
	assert.True(t, ok)
	assert.Equal(t, Claude, f)

	_, ok = DetectFormat(Payload{"foo": "bar"})
	assert.False(t, ok)
}

func TestGeminiToOpenAIResponse_SeparatesThinkingFromContent(t *testing.T) {
	r := DefaultRegistry()
	state := NewStreamState()

	chunks, err := r.TranslateResponse(Gemini, OpenAI, Payload{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{
						map[string]any{"text": "reasoning...", "thought": true},
						map[string]any{"text": "answer"},
					},
				},
			},
		},
	}, state)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, len("reasoning..."), state.ThinkingLen)
	assert.Equal(t, len("answer"), state.ContentLen)
}
