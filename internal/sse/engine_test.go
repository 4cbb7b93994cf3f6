package sse

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmproxy/proxy/internal/formats"
)

func TestEngine_PassthroughNormalizesEnvelopeAndStripsVendorFields(t *testing.T) {
	e := New(formats.DefaultRegistry(), nil)
	body := strings.NewReader(
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"},\"finish_reason\":null}],\"prompt_filter_results\":[{}]}\n\n" +
			"data: [DONE]\n\n",
	)
	var out bytes.Buffer
	res, err := e.Run(context.Background(), body, &out, formats.OpenAI, formats.OpenAI, "chatcmpl-1", "gpt-4o", 12345)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ContentLen)
	assert.Contains(t, out.String(), "\"id\":\"chatcmpl-1\"")
	assert.NotContains(t, out.String(), "prompt_filter_results")
	assert.True(t, strings.HasSuffix(out.String(), "data: [DONE]\n\n"))
}

func TestEngine_TranslateClaudeToOpenAI(t *testing.T) {
	e := New(formats.DefaultRegistry(), nil)
	body := strings.NewReader(
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hello\"}}\n\n" +
			"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n" +
			"data: [DONE]\n\n",
	)
	var out bytes.Buffer
	res, err := e.Run(context.Background(), body, &out, formats.Claude, formats.OpenAI, "chatcmpl-2", "claude-3-opus", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, res.ContentLen)
	assert.Equal(t, "stop", res.FinishReason)
	assert.True(t, strings.HasSuffix(out.String(), "data: [DONE]\n\n"))
}

func TestEngine_MidStreamDetectionSwitchesFromOpenAIToGemini(t *testing.T) {
	e := New(formats.DefaultRegistry(), nil)
	body := strings.NewReader(
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]}}]}\n\n" +
			"data: [DONE]\n\n",
	)
	var out bytes.Buffer
	res, err := e.Run(context.Background(), body, &out, formats.OpenAI, formats.OpenAI, "id", "gemini-pro", 0)
	require.NoError(t, err)
	assert.Equal(t, formats.Gemini, res.DetectedFormat)
	assert.Equal(t, 2, res.ContentLen)
}

func TestEngine_MissingDoneStillEmitsTerminator(t *testing.T) {
	e := New(formats.DefaultRegistry(), nil)
	body := strings.NewReader(
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"},\"finish_reason\":\"stop\"}]}\n\n",
	)
	var out bytes.Buffer
	_, err := e.Run(context.Background(), body, &out, formats.OpenAI, formats.OpenAI, "id", "m", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out.String(), "data: [DONE]\n\n"))
}
