package tools

import (
	"net/http"
	"os/exec"

	"go.uber.org/zap"

	"spaceduck/internal/attachments"
	"spaceduck/internal/config"
)

// Deps carries everything the built-in tools need. Browser may be nil when
// the pool is disabled; the browser tools are then left out.
type Deps struct {
	Logger      *zap.Logger
	Config      *config.Store
	Attachments *attachments.Store
	Browser     BrowserPool
	HTTPClient  *http.Client

	// OnConfigChange runs after config_set commits a patch, so runtime
	// components rebuild without waiting for the file watcher.
	OnConfigChange func(changedPaths []string)

	// MarkerBinary overrides the marker CLI name, mainly for tests.
	MarkerBinary string
}

// Build assembles the registry for one config snapshot. A hot swap that
// touches the tools section builds a fresh registry from the new snapshot and
// swaps it in whole.
func Build(deps Deps) (*Registry, error) {
	cfg := deps.Config.Current()
	r := NewRegistry(deps.Logger)

	register := func(t *Tool) error { return r.Register(t) }

	// Config introspection is always on; it is the hot-swap entry point.
	if err := register(ConfigGetTool(deps.Config)); err != nil {
		return nil, err
	}
	if err := register(ConfigSetTool(deps.Config, deps.OnConfigChange)); err != nil {
		return nil, err
	}
	if err := register(RenderChartTool(deps.Attachments)); err != nil {
		return nil, err
	}

	if cfg.Tools.WebFetch.Enabled {
		if err := register(WebFetchTool(deps.HTTPClient)); err != nil {
			return nil, err
		}
	}
	// Credential-backed tools register only when their key is set; a swap
	// after a secret write picks them up.
	if cfg.Tools.WebSearch.Enabled && deps.Config.Secret("/tools/secrets/braveApiKey") != "" {
		key := func() string { return deps.Config.Secret("/tools/secrets/braveApiKey") }
		if err := register(WebSearchTool(deps.HTTPClient, key)); err != nil {
			return nil, err
		}
	}
	if cfg.Tools.WebAnswer.Enabled && deps.Config.Secret("/tools/secrets/perplexityApiKey") != "" {
		key := func() string { return deps.Config.Secret("/tools/secrets/perplexityApiKey") }
		if err := register(WebAnswerTool(key)); err != nil {
			return nil, err
		}
	}
	if cfg.Tools.Marker.Enabled && markerAvailable(deps.MarkerBinary) && deps.Attachments != nil {
		if err := register(MarkerScanTool(deps.Attachments, deps.MarkerBinary)); err != nil {
			return nil, err
		}
	}
	if cfg.Tools.Browser.Enabled && deps.Browser != nil && deps.Attachments != nil {
		if err := register(BrowserNavigateTool(deps.Browser)); err != nil {
			return nil, err
		}
		if err := register(BrowserScreenshotTool(deps.Browser, deps.Attachments)); err != nil {
			return nil, err
		}
		if err := register(BrowserExtractTool(deps.Browser)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// markerAvailable reports whether the marker CLI resolves on this host.
func markerAvailable(binary string) bool {
	if binary == "" {
		binary = defaultMarkerBinary
	}
	_, err := exec.LookPath(binary)
	return err == nil
}
