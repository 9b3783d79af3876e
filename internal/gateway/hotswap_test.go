package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceduck/internal/events"
	"spaceduck/internal/tools"
)

func TestTouchesAny(t *testing.T) {
	assert.True(t, touchesAny([]string{"/ai/model"}, providerPaths))
	assert.True(t, touchesAny([]string{"/ai/secrets/anthropicApiKey"}, providerPaths))
	assert.False(t, touchesAny([]string{"/ai/systemPrompt"}, providerPaths))
	assert.False(t, touchesAny([]string{"/ai/maxToolRounds"}, providerPaths))

	assert.True(t, touchesAny([]string{"/tools/webSearch/enabled"}, toolPaths))
	assert.True(t, touchesAny([]string{"/channels/telegram/enabled"}, channelPaths))
	assert.True(t, touchesAny([]string{"/stt/backend"}, sttPaths))
	assert.False(t, touchesAny([]string{"/gateway/port"}, toolPaths))

	assert.True(t, touchesAny([]string{"/embedding/model"}, embeddingPaths))
	assert.True(t, touchesAny([]string{"/ai/secrets/openaiApiKey"}, embeddingPaths))
	assert.False(t, touchesAny([]string{"/ai/secrets/anthropicApiKey"}, embeddingPaths))
}

func TestApplyConfigChangeSwapsProvider(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, "scripted", f.srv.Provider.Name())

	// No key configured: the rebuild fails, the old provider stays live.
	warnings := f.srv.ApplyConfigChange(t.Context(), []string{"/ai/model"})
	require.Len(t, warnings, 1)
	assert.Equal(t, WarnProviderSwapFailed, warnings[0].Code)
	assert.Equal(t, "scripted", f.srv.Provider.Name())

	// With a key the swap goes through.
	require.NoError(t, f.cfg.SetSecret("/ai/secrets/anthropicApiKey", "sk-test"))
	warnings = f.srv.ApplyConfigChange(t.Context(), []string{"/ai/secrets/anthropicApiKey"})
	assert.Empty(t, warnings)
	assert.Equal(t, "anthropic", f.srv.Provider.Name())
}

func TestApplyConfigChangeRebuildsTools(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.srv.Registry.Get().Has("web_fetch"))

	f.patch(t, "/tools/webFetch/enabled", true)
	warnings := f.srv.ApplyConfigChange(t.Context(), []string{"/tools/webFetch/enabled"})
	assert.Empty(t, warnings)
	assert.True(t, f.srv.Registry.Get().Has("web_fetch"))

	f.patch(t, "/tools/webFetch/enabled", false)
	warnings = f.srv.ApplyConfigChange(t.Context(), []string{"/tools/webFetch/enabled"})
	assert.Empty(t, warnings)
	assert.False(t, f.srv.Registry.Get().Has("web_fetch"))
}

func TestApplyConfigChangeChannelSwapWarning(t *testing.T) {
	f := newFixture(t)

	// Telegram enabled with no bot token cannot start; the swap must report
	// CHANNEL_SWAP_FAILED rather than error the config write.
	f.patch(t, "/channels/telegram/enabled", true)
	warnings := f.srv.ApplyConfigChange(t.Context(), []string{"/channels/telegram/enabled"})
	require.Len(t, warnings, 1)
	assert.Equal(t, WarnChannelSwapFailed, warnings[0].Code)
	assert.Empty(t, f.srv.Channels.Active())
}

func TestApplyConfigChangeSwapsSTT(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, "none", f.srv.STT.Name())

	warnings := f.srv.ApplyConfigChange(t.Context(), []string{"/stt/backend"})
	assert.Empty(t, warnings)
	assert.Equal(t, "whisper", f.srv.STT.Name())

	f.patch(t, "/stt/backend", "aws")
	warnings = f.srv.ApplyConfigChange(t.Context(), []string{"/stt/backend"})
	assert.Empty(t, warnings)
	assert.Equal(t, "aws", f.srv.STT.Name())
}

func TestConfigSetToolTriggersHotSwap(t *testing.T) {
	f := newFixture(t)
	require.Empty(t, f.srv.ApplyConfigChange(t.Context(), []string{"/tools/webFetch/enabled"}))
	registry := f.srv.Registry.Get()
	require.True(t, registry.Has("web_fetch"))

	changedCh := make(chan events.ConfigChanged, 1)
	unsub := f.srv.Bus.Subscribe(events.TypeConfigChanged, func(ev events.Event) {
		changedCh <- ev.Payload.(events.ConfigChanged)
	})
	defer unsub()

	// A patch through the config_set tool must swap immediately, not wait for
	// the file watcher.
	res := registry.Execute(t.Context(), tools.Call{ID: "t1", Name: "config_set", Args: map[string]any{
		"expected_rev": f.cfg.Rev(),
		"ops": []any{
			map[string]any{"op": "replace", "path": "/tools/webFetch/enabled", "value": false},
		},
	}})
	require.False(t, res.IsError, res.Content)
	assert.False(t, f.srv.Registry.Get().Has("web_fetch"))

	select {
	case changed := <-changedCh:
		assert.Contains(t, changed.ChangedPaths, "/tools/webFetch/enabled")
		assert.Equal(t, f.cfg.Rev(), changed.Rev)
	case <-time.After(2 * time.Second):
		t.Fatal("no config change event published")
	}
}

func TestApplyConfigChangeIgnoresUnrelatedPaths(t *testing.T) {
	f := newFixture(t)
	warnings := f.srv.ApplyConfigChange(t.Context(), []string{"/ai/systemPrompt", "/memory/minConfidence"})
	assert.Empty(t, warnings)
	assert.Equal(t, "scripted", f.srv.Provider.Name())
}
