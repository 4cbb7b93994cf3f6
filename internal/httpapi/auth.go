package httpapi

import (
	"context"
	"net/http"

	"github.com/llmproxy/proxy/internal/apikeys"
	"github.com/llmproxy/proxy/internal/apperr"
	"github.com/llmproxy/proxy/internal/store"
)

// KeyStore is the narrow persistence surface auth needs: resolving a legacy
// (unstructured) proxy key to the machine that issued it.
type KeyStore interface {
	FindAPIKey(ctx context.Context, key string) (*store.APIKey, error)
}

// resolveMachine implements spec §4.7's two key formats. pathMachineID is
// the {machineId} path-parameter value, set only on the legacy prefixed
// route forms; when present it always wins, matching the teacher's
// prefixed-route precedence.
func resolveMachine(ctx context.Context, keys KeyStore, verifier *apikeys.Verifier, pathMachineID, rawKey string) (string, error) {
	if pathMachineID != "" {
		return pathMachineID, nil
	}
	if rawKey == "" {
		return "", apperr.New(apperr.CodeUnauthorized, "missing API key").WithHTTPStatus(http.StatusUnauthorized)
	}

	format, machineID, _, ok := verifier.Parse(rawKey)
	switch {
	case format == apikeys.FormatStructured:
		if !ok {
			return "", apperr.New(apperr.CodeUnauthorized, "invalid API key checksum").WithHTTPStatus(http.StatusUnauthorized)
		}
		return machineID, nil
	case format == apikeys.FormatLegacy:
		k, err := keys.FindAPIKey(ctx, rawKey)
		if err != nil {
			return "", apperr.New(apperr.CodeUnauthorized, "unknown API key").WithHTTPStatus(http.StatusUnauthorized)
		}
		return k.MachineID, nil
	default:
		return "", apperr.New(apperr.CodeUnauthorized, "malformed API key").WithHTTPStatus(http.StatusUnauthorized)
	}
}

func extractKey(r *http.Request) string {
	return apikeys.ExtractBearer(r.Header.Get("Authorization"), firstNonEmpty(r.Header.Get("X-Api-Key"), r.Header.Get("X-API-Key")))
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
