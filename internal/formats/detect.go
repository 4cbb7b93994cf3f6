package formats

import "strings"

// DetectFormat inspects a decoded chunk's structural markers and returns the
// wire format it actually belongs to, implementing spec §4.1's mid-stream
// auto-detection: a misadvertised "OpenAI-compatible" endpoint may emit a
// different dialect than configured, and the engine must notice from the
// chunk shape itself.
func DetectFormat(chunk Payload) (Format, bool) {
	if typ, ok := chunk["type"].(string); ok {
		if strings.HasPrefix(typ, "response.") {
			return OpenAIResponses, true
		}
		// Claude event types: message_start, content_block_start,
		// content_block_delta, content_block_stop, message_delta,
		// message_stop, ping. An "error" event is not matched here.
		switch typ {
		case "message_start", "content_block_start", "content_block_delta",
			"content_block_stop", "message_delta", "message_stop", "ping":
			return Claude, true
		}
	}
	if _, ok := chunk["choices"]; ok {
		return OpenAI, true
	}
	if _, ok := chunk["candidates"]; ok {
		return Gemini, true
	}
	return "", false
}
