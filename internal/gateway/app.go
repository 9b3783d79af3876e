package gateway

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"spaceduck/internal/agent"
	"spaceduck/internal/attachments"
	"spaceduck/internal/auth"
	"spaceduck/internal/browser"
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

// App owns the whole assembled process and its shutdown order.
type App struct {
	Server *Server

	logger      *zap.Logger
	store       *store.Store
	attachments *attachments.Store
	bus         *events.Bus
	browserPool *browser.Pool
	detachMem   func()
}

// NewApp builds every component from the config file at configPath. The
// returned app is ready to Run.
func NewApp(configPath, version string, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfgStore := config.NewStore(configPath, logger)
	if err := cfgStore.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := cfgStore.Current()
	if !cfg.Gateway.AuthRequired {
		logger.Warn("AUTH IS DISABLED: every request acts as the local device; enable /gateway/authRequired for anything reachable beyond localhost")
	}

	st, err := store.Open(filepath.Join(cfg.Gateway.DataDir, "spaceduck.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	authStore := auth.NewStore(st.DB(), logger)
	if _, err := authStore.EnsureGatewaySettings("spaceduck"); err != nil {
		st.Close()
		return nil, fmt.Errorf("gateway settings: %w", err)
	}

	atts, err := attachments.NewStore(filepath.Join(cfg.Gateway.DataDir, "attachments"), 0, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("attachments: %w", err)
	}

	bus := events.NewBus()
	lock := runlock.New()

	// Boot must survive a misconfigured provider; the proxy starts empty and
	// the first valid config patch swaps one in.
	prov := provider.NewSwappable(nil)
	if p, err := provider.FromConfig(cfg.AI, cfgStore.Secret, logger); err != nil {
		logger.Warn("provider not configured at boot", zap.Error(err))
	} else {
		prov.Swap(p)
	}

	embedSwap := embedding.NewSwappable(nil)
	if eng, err := embedding.FromConfig(cfg.Embedding, cfgStore.Secret); err != nil {
		logger.Warn("embedding not configured at boot", zap.Error(err))
	} else {
		embedSwap.Swap(eng)
	}

	sttSwap := stt.NewSwappable(nil)
	if backend, err := stt.FromConfig(cfg.STT, cfgStore.Secret, logger); err != nil {
		logger.Warn("stt not configured at boot", zap.Error(err))
	} else {
		sttSwap.Swap(backend)
	}

	var pool *browser.Pool
	if cfg.Tools.Browser.Enabled {
		// No screencast consumer is wired yet; /tools/browser/livePreview
		// only takes effect once one is passed here.
		pool = browser.NewPool(func() config.BrowserConfig {
			return cfgStore.Current().Tools.Browser
		}, nil, logger)
	}

	mem := memory.New(st, embedSwap, cfgStore, logger)
	detach := mem.Attach(bus)

	registry := NewRegistryHolder(tools.NewRegistry(logger))
	loop := agent.New(st, prov, registry.Get, bus, cfgStore, mem, logger)

	srv := New(Deps{
		Logger:      logger,
		Version:     version,
		Config:      cfgStore,
		Store:       st,
		Auth:        authStore,
		Attachments: atts,
		Provider:    prov,
		Embedding:   embedSwap,
		STT:         sttSwap,
		Registry:    registry,
		Browser:     pool,
		Channels:    channels.NewManager(logger),
		Agent:       loop,
		Memory:      mem,
		RunLock:     lock,
		Bus:         bus,
	})

	reg, err := tools.Build(srv.toolDeps())
	if err != nil {
		atts.Close()
		st.Close()
		return nil, fmt.Errorf("build tool registry: %w", err)
	}
	registry.Swap(reg)

	srv.Scheduler = scheduler.New(st, cfgStore, lock, bus, srv.TaskRunner(), logger)

	return &App{
		Server:      srv,
		logger:      logger,
		store:       st,
		attachments: atts,
		bus:         bus,
		browserPool: pool,
		detachMem:   detach,
	}, nil
}

// Run starts the config watcher, the channels, the scheduler, and the HTTP
// listener, then blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	s := a.Server

	stopWatch, err := s.Config.Watch(func(changed []string) {
		warnings := s.applyAndPublish(context.Background(), changed)
		for _, w := range warnings {
			a.logger.Warn("hot swap after external config edit", zap.String("code", w.Code), zap.String("message", w.Message))
		}
	}, a.logger)
	if err != nil {
		a.logger.Warn("config watcher failed to start; external edits need a restart", zap.Error(err))
	} else {
		defer stopWatch()
	}

	if err := s.Channels.StartAll(ctx, s.BuildChannels()); err != nil {
		a.logger.Warn("channels failed to start", zap.Error(err))
	}
	s.Scheduler.Start()

	err = s.ListenAndServe(ctx)

	s.Scheduler.Stop()
	s.Channels.StopAll()
	a.detachMem()
	if a.browserPool != nil {
		a.browserPool.Close()
	}
	a.attachments.Close()
	a.bus.Close()
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	return err
}
