package httpapi

import (
	"net/http"
)

// modelEntry is the shape common to every list endpoint below; each
// catalogue format wraps it differently (OpenAI's "object": "list",
// Gemini's "models": [...], Ollama's "models": [...] tags).
type modelEntry struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Object   string `json:"object,omitempty"`
}

// catalogue gathers every canonical "provider/model" a machine can reach:
// one entry per active connection's provider (the connection doesn't carry
// per-model metadata, so the provider name stands in for its default model)
// plus one entry per configured combo.
func (rt *Router) catalogue(r *http.Request, machineID string) ([]modelEntry, error) {
	conns, err := rt.store.ListConnections(r.Context(), machineID, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(conns))
	entries := make([]modelEntry, 0, len(conns))
	for _, c := range conns {
		if !c.IsActive {
			continue
		}
		if _, ok := seen[c.Provider]; ok {
			continue
		}
		seen[c.Provider] = struct{}{}
		entries = append(entries, modelEntry{ID: c.Provider, Provider: c.Provider})
	}

	combos, err := rt.store.ListCombos(r.Context(), machineID)
	if err != nil {
		return nil, err
	}
	for _, combo := range combos {
		entries = append(entries, modelEntry{ID: combo.Name, Provider: "combo"})
	}
	return entries, nil
}

func (rt *Router) handleModelsOpenAI(w http.ResponseWriter, r *http.Request) {
	machineID, err := rt.authenticate(r)
	if err != nil {
		rt.writeAPIError(w, err)
		return
	}
	entries, err := rt.catalogue(r, machineID)
	if err != nil {
		rt.writeAPIError(w, err)
		return
	}
	data := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, map[string]any{"id": e.ID, "object": "model", "owned_by": e.Provider})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (rt *Router) handleModelsGemini(w http.ResponseWriter, r *http.Request) {
	machineID, err := rt.authenticate(r)
	if err != nil {
		rt.writeAPIError(w, err)
		return
	}
	entries, err := rt.catalogue(r, machineID)
	if err != nil {
		rt.writeAPIError(w, err)
		return
	}
	data := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, map[string]any{"name": "models/" + e.ID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": data})
}

func (rt *Router) handleOllamaTags(w http.ResponseWriter, r *http.Request) {
	machineID, err := rt.authenticate(r)
	if err != nil {
		rt.writeAPIError(w, err)
		return
	}
	entries, err := rt.catalogue(r, machineID)
	if err != nil {
		rt.writeAPIError(w, err)
		return
	}
	data := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, map[string]any{"name": e.ID, "model": e.ID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": data})
}
