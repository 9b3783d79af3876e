package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spaceduck/internal/agent"
	"spaceduck/internal/attachments"
	"spaceduck/internal/auth"
	"spaceduck/internal/channels"
	"spaceduck/internal/config"
	"spaceduck/internal/embedding"
	"spaceduck/internal/events"
	"spaceduck/internal/memory"
	"spaceduck/internal/provider"
	"spaceduck/internal/runlock"
	"spaceduck/internal/scheduler"
	"spaceduck/internal/store"
	"spaceduck/internal/stt"
	"spaceduck/internal/tools"
)

// scriptedProvider replays one chunk script per Stream call.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]provider.Chunk
	calls   int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Probe(ctx context.Context) error { return nil }

func (p *scriptedProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	p.mu.Lock()
	var script []provider.Chunk
	if p.calls < len(p.scripts) {
		script = p.scripts[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	out := make(chan provider.Chunk, len(script))
	for _, c := range script {
		out <- c
	}
	close(out)
	return out, nil
}

type fixture struct {
	srv      *Server
	ts       *httptest.Server
	provider *scriptedProvider
	cfg      *config.Store
	store    *store.Store
	auth     *auth.Store
}

// newFixture assembles a full server over temp state. Auth starts disabled;
// tests that exercise it patch it back on.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	cfgStore := config.NewStore(filepath.Join(dir, config.FileName), logger)
	require.NoError(t, cfgStore.Load())

	st, err := store.Open(filepath.Join(dir, "spaceduck.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	authStore := auth.NewStore(st.DB(), logger)
	_, err = authStore.EnsureGatewaySettings("spaceduck")
	require.NoError(t, err)

	atts, err := attachments.NewStore(filepath.Join(dir, "attachments"), time.Minute, logger)
	require.NoError(t, err)
	t.Cleanup(atts.Close)

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	lock := runlock.New()

	sp := &scriptedProvider{}
	prov := provider.NewSwappable(sp)
	embed := embedding.NewSwappable(nil)
	sttSwap := stt.NewSwappable(nil)
	registry := NewRegistryHolder(tools.NewRegistry(logger))
	mem := memory.New(st, embed, cfgStore, logger)
	loop := agent.New(st, prov, registry.Get, bus, cfgStore, mem, logger)

	srv := New(Deps{
		Logger:      logger,
		Version:     "test",
		Config:      cfgStore,
		Store:       st,
		Auth:        authStore,
		Attachments: atts,
		Provider:    prov,
		Embedding:   embed,
		STT:         sttSwap,
		Registry:    registry,
		Channels:    channels.NewManager(logger),
		Agent:       loop,
		Memory:      mem,
		RunLock:     lock,
		Bus:         bus,
	})
	srv.Scheduler = scheduler.New(st, cfgStore, lock, bus, srv.TaskRunner(), logger)

	f := &fixture{srv: srv, provider: sp, cfg: cfgStore, store: st, auth: authStore}
	f.patch(t, "/gateway/authRequired", false)

	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) patch(t *testing.T, path string, value any) {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	_, err = f.cfg.Patch([]config.PatchOp{{Op: "replace", Path: path, Value: raw}}, f.cfg.Rev())
	require.NoError(t, err)
}

// do issues a request against the test server and decodes the JSON body.
func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}
