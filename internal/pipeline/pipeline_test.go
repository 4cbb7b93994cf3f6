package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmproxy/proxy/internal/apperr"
	"github.com/llmproxy/proxy/internal/credpool"
	"github.com/llmproxy/proxy/internal/formats"
	"github.com/llmproxy/proxy/internal/providers"
	"github.com/llmproxy/proxy/internal/store"
)

type fakeStore struct {
	aliases map[string]string
	combos  map[string]*store.Combo
	conn    *store.ProviderConnection
	records []*store.UsageRecord
}

func (f *fakeStore) GetConnection(_ context.Context, _ string) (*store.ProviderConnection, error) {
	return f.conn, nil
}
func (f *fakeStore) ResolveAlias(_ context.Context, _, alias string) (string, bool, error) {
	v, ok := f.aliases[alias]
	return v, ok, nil
}
func (f *fakeStore) GetCombo(_ context.Context, _, name string) (*store.Combo, error) {
	c, ok := f.combos[name]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "not found")
	}
	return c, nil
}
func (f *fakeStore) AsyncRecordUsage(rec *store.UsageRecord) { f.records = append(f.records, rec) }

type fakeRefresher struct{ called bool }

func (f *fakeRefresher) Ensure(_ context.Context, _ *store.ProviderConnection) bool {
	f.called = true
	return false
}

type fakeExecutor struct {
	format    formats.Format
	responses []*providers.Response
	calls     int
}

func (f *fakeExecutor) Format() formats.Format { return f.format }
func (f *fakeExecutor) Do(_ context.Context, _ providers.Request) (*providers.Response, error) {
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func newBody(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

type selectResult struct {
	view *credpool.CredentialView
	err  error
}

type sequencePool struct {
	results []selectResult
	idx     int
}

func (p *sequencePool) Select(_ context.Context, _, _, _, _ string) (*credpool.CredentialView, error) {
	r := p.results[p.idx]
	p.idx++
	if r.err != nil {
		return nil, r.err
	}
	v := *r.view
	return &v, nil
}
func (p *sequencePool) MarkFailure(_ context.Context, _ string, _ int, _, _, _ string) error {
	return nil
}
func (p *sequencePool) MarkSuccess(_ context.Context, _ string) error { return nil }

func TestPipeline_Handle_NonStreamingSuccess(t *testing.T) {
	st := &fakeStore{aliases: map[string]string{}, combos: map[string]*store.Combo{}, conn: &store.ProviderConnection{ConnectionID: "c1"}}
	pool := &sequencePool{results: []selectResult{{view: &credpool.CredentialView{ConnectionID: "c1", Provider: "openai"}}}}
	refresher := &fakeRefresher{}
	exec := &fakeExecutor{
		format: formats.OpenAI,
		responses: []*providers.Response{
			{StatusCode: http.StatusOK, Body: newBody(`{"choices":[{"index":0,"message":{"content":"hi"}}]}`), Header: http.Header{}},
		},
	}
	registry := formats.DefaultRegistry()
	pipe := New(st, pool, refresher, registry, map[string]providers.Executor{"openai": exec}, nil)

	out, err := pipe.Handle(context.Background(), Request{
		MachineID: "m1", Model: "openai/gpt-4o", SourceFormat: formats.OpenAI,
		Body: formats.Payload{"model": "gpt-4o"}, Stream: false,
	}, &bytes.Buffer{})

	require.NoError(t, err)
	assert.Equal(t, "openai", out.Provider)
	require.Len(t, st.records, 1)
	assert.True(t, refresher.called)
}

func TestPipeline_Handle_StreamingSuccess(t *testing.T) {
	st := &fakeStore{aliases: map[string]string{}, combos: map[string]*store.Combo{}, conn: &store.ProviderConnection{ConnectionID: "c1"}}
	pool := &sequencePool{results: []selectResult{{view: &credpool.CredentialView{ConnectionID: "c1", Provider: "openai"}}}}
	refresher := &fakeRefresher{}
	exec := &fakeExecutor{
		format: formats.OpenAI,
		responses: []*providers.Response{
			{StatusCode: http.StatusOK, Body: newBody("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"), Header: http.Header{}},
		},
	}
	registry := formats.DefaultRegistry()
	pipe := New(st, pool, refresher, registry, map[string]providers.Executor{"openai": exec}, nil)

	var out bytes.Buffer
	result, err := pipe.Handle(context.Background(), Request{
		MachineID: "m1", Model: "openai/gpt-4o", SourceFormat: formats.OpenAI, Stream: true,
		Body: formats.Payload{"model": "gpt-4o"},
	}, &out)

	require.NoError(t, err)
	require.NotNil(t, result.Stream)
	assert.Equal(t, 2, result.Stream.ContentLen)
	assert.Contains(t, out.String(), "data: [DONE]")
}

func TestPipeline_Handle_ComboTriesNextOnNoCredentials(t *testing.T) {
	combo := &store.Combo{ModelsJSON: `["openai/gpt-4o","anthropic/claude-3-opus"]`}
	st := &fakeStore{
		aliases: map[string]string{},
		combos:  map[string]*store.Combo{"my-combo": combo},
		conn:    &store.ProviderConnection{ConnectionID: "c1"},
	}
	pool := &sequencePool{results: []selectResult{
		{err: apperr.New(apperr.CodeNoCredentials, "none")},
		{view: &credpool.CredentialView{ConnectionID: "c2", Provider: "anthropic"}},
	}}
	refresher := &fakeRefresher{}
	execOpenAI := &fakeExecutor{format: formats.OpenAI}
	execClaude := &fakeExecutor{
		format: formats.Claude,
		responses: []*providers.Response{
			{StatusCode: http.StatusOK, Body: newBody(`{"type":"message_start","message":{}}`), Header: http.Header{}},
		},
	}
	registry := formats.DefaultRegistry()
	pipe := New(st, pool, refresher, registry, map[string]providers.Executor{"openai": execOpenAI, "anthropic": execClaude}, nil)

	out, err := pipe.Handle(context.Background(), Request{
		MachineID: "m1", Model: "my-combo", SourceFormat: formats.OpenAI, Body: formats.Payload{},
	}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", out.Provider)
}

func TestPipeline_Handle_InvalidModelFormatErrors(t *testing.T) {
	st := &fakeStore{aliases: map[string]string{}, combos: map[string]*store.Combo{}}
	pool := &sequencePool{}
	pipe := New(st, pool, &fakeRefresher{}, formats.DefaultRegistry(), map[string]providers.Executor{}, nil)

	_, err := pipe.Handle(context.Background(), Request{MachineID: "m1", Model: "not-canonical", SourceFormat: formats.OpenAI}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeModelNotFound, apperr.CodeOf(err))
}
