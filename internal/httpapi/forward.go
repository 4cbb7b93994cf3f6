package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/llmproxy/proxy/internal/apperr"
	"github.com/llmproxy/proxy/internal/formats"
	"github.com/llmproxy/proxy/internal/pipeline"
)

// providerOf returns the catalogue name embedded in a canonical
// "provider/model" string, or "" if model isn't in that shape.
func providerOf(model string) string {
	name, _, ok := strings.Cut(model, "/")
	if !ok {
		return ""
	}
	return name
}

// forwardFormat resolves the wire format a forward request should be sent
// in: the target executor's own format, so the pipeline's translation step
// is a no-op and the operator's body reaches the provider byte-for-byte
// (spec §6's "operator passthrough").
func (rt *Router) forwardFormat(model string) (formats.Format, bool) {
	exec, ok := rt.executors[providerOf(model)]
	if !ok {
		return "", false
	}
	return exec.Format(), true
}

type forwardEnvelope struct {
	Model  string          `json:"model"`
	Stream bool            `json:"stream"`
	Body   formats.Payload `json:"body"`
}

// handleForward accepts an explicit {model, body} envelope and forwards the
// body to the named provider unchanged, still going through the credential
// pool and fallback machinery of the regular pipeline.
func (rt *Router) handleForward(w http.ResponseWriter, r *http.Request) {
	machineID, err := rt.authenticate(r)
	if err != nil {
		rt.writeAPIError(w, err)
		return
	}

	var env forwardEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		rt.writeAPIError(w, apperr.New(apperr.CodeInvalidRequest, "malformed JSON body").WithHTTPStatus(http.StatusBadRequest))
		return
	}

	source, ok := rt.forwardFormat(env.Model)
	if !ok {
		rt.writeAPIError(w, apperr.New(apperr.CodeModelNotFound, "unknown provider for forward").WithHTTPStatus(http.StatusBadRequest))
		return
	}

	if env.Body == nil {
		env.Body = formats.Payload{}
	}
	env.Body["model"] = env.Model

	rt.dispatchForward(w, r, machineID, env.Model, source, env.Body, env.Stream)
}

// handleForwardRaw forwards the raw request body as-is; target provider and
// model travel as query parameters since the body itself is opaque.
func (rt *Router) handleForwardRaw(w http.ResponseWriter, r *http.Request) {
	machineID, err := rt.authenticate(r)
	if err != nil {
		rt.writeAPIError(w, err)
		return
	}

	model := r.URL.Query().Get("model")
	source, ok := rt.forwardFormat(model)
	if !ok {
		rt.writeAPIError(w, apperr.New(apperr.CodeModelNotFound, "unknown provider for forward-raw").WithHTTPStatus(http.StatusBadRequest))
		return
	}

	var body formats.Payload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		rt.writeAPIError(w, apperr.New(apperr.CodeInvalidRequest, "malformed JSON body").WithHTTPStatus(http.StatusBadRequest))
		return
	}
	stream := r.URL.Query().Get("stream") == "true"

	rt.dispatchForward(w, r, machineID, model, source, body, stream)
}

func (rt *Router) dispatchForward(w http.ResponseWriter, r *http.Request, machineID, model string, source formats.Format, body formats.Payload, stream bool) {
	if stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	}

	out, err := rt.pipe.Handle(r.Context(), pipeline.Request{
		MachineID:    machineID,
		Model:        model,
		SourceFormat: source,
		Body:         body,
		Stream:       stream,
	}, w)
	if err != nil {
		if stream {
			return
		}
		rt.writeAPIError(w, err)
		return
	}
	if !stream {
		writeJSON(w, firstNonZero(out.StatusCode, http.StatusOK), out.Body)
	}
}
