package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"spaceduck/internal/channels"
	"spaceduck/internal/config"
	"spaceduck/internal/embedding"
	"spaceduck/internal/events"
	"spaceduck/internal/provider"
	"spaceduck/internal/stt"
	"spaceduck/internal/tools"
)

// Warning codes surfaced by ApplyConfigChange.
const (
	WarnProviderSwapFailed  = "PROVIDER_SWAP_FAILED"
	WarnEmbeddingSwapFailed = "EMBEDDING_SWAP_FAILED"
	WarnToolsSwapFailed     = "TOOL_SWAP_FAILED"
	WarnChannelSwapFailed   = "CHANNEL_SWAP_FAILED"
	WarnSTTSwapFailed       = "STT_SWAP_FAILED"
)

// Warning is a non-fatal swap outcome. The config write that triggered the
// swap has already committed; the warning tells the caller which runtime
// component kept its previous state.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Paths whose change forces a provider rebuild.
var providerPaths = []string{
	"/ai/provider", "/ai/model", "/ai/baseUrl", "/ai/region",
	"/ai/secrets/",
}

var embeddingPaths = []string{
	"/embedding/",
	"/ai/secrets/openaiApiKey", "/ai/secrets/geminiApiKey",
}

var toolPaths = []string{"/tools/"}

var channelPaths = []string{"/channels/"}

var sttPaths = []string{"/stt/"}

// ApplyConfigChange rebuilds the runtime components whose config inputs
// changed. Each swap is independent: one failing leaves the others applied
// and yields a warning rather than an error. The /ai/systemPrompt and
// /memory paths need no swap since their consumers read the live snapshot
// per run.
func (s *Server) ApplyConfigChange(ctx context.Context, changedPaths []string) []Warning {
	var warnings []Warning
	cfg := s.Config.Current()

	if touchesAny(changedPaths, providerPaths) {
		p, err := provider.FromConfig(cfg.AI, s.Config.Secret, s.logger)
		if err != nil {
			s.logger.Warn("provider rebuild failed", zap.Error(err))
			warnings = append(warnings, Warning{Code: WarnProviderSwapFailed, Message: err.Error()})
		} else {
			s.Provider.Swap(p)
			s.logger.Info("provider swapped", zap.String("provider", p.Name()))
		}
	}

	if touchesAny(changedPaths, embeddingPaths) {
		eng, err := embedding.FromConfig(cfg.Embedding, s.Config.Secret)
		if err != nil {
			s.logger.Warn("embedding rebuild failed", zap.Error(err))
			warnings = append(warnings, Warning{Code: WarnEmbeddingSwapFailed, Message: err.Error()})
		} else {
			oldDims := s.Embedding.Dimensions()
			s.Embedding.Swap(eng)
			if eng != nil && oldDims != 0 && eng.Dimensions() != oldDims {
				// Stored vectors are unreadable under the new dimensionality.
				if err := s.Store.ClearEmbeddings(); err != nil {
					s.logger.Error("clear embeddings", zap.Error(err))
				} else if s.Memory != nil {
					go func() {
						bctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
						defer cancel()
						if err := s.Memory.BackfillEmbeddings(bctx); err != nil {
							s.logger.Warn("embedding backfill", zap.Error(err))
						}
					}()
				}
			}
		}
	}

	if touchesAny(changedPaths, toolPaths) {
		reg, err := tools.Build(s.toolDeps())
		if err != nil {
			s.logger.Warn("tool registry rebuild failed", zap.Error(err))
			warnings = append(warnings, Warning{Code: WarnToolsSwapFailed, Message: err.Error()})
		} else {
			s.Registry.Swap(reg)
			s.logger.Info("tool registry swapped", zap.Strings("tools", reg.Names()))
		}
	}

	if touchesAny(changedPaths, channelPaths) {
		next := s.BuildChannels()
		if err := s.Channels.Swap(ctx, next); err != nil {
			s.logger.Warn("channel swap failed", zap.Error(err))
			warnings = append(warnings, Warning{Code: WarnChannelSwapFailed, Message: err.Error()})
		}
	}

	if touchesAny(changedPaths, sttPaths) {
		backend, err := stt.FromConfig(cfg.STT, s.Config.Secret, s.logger)
		if err != nil {
			s.logger.Warn("stt rebuild failed", zap.Error(err))
			warnings = append(warnings, Warning{Code: WarnSTTSwapFailed, Message: err.Error()})
		} else {
			s.STT.Swap(backend)
		}
	}

	return warnings
}

// applyAndPublish runs the hot-swap coordinator and announces the change on
// the bus. Every config mutation path funnels through here: HTTP patches,
// secret writes, the config_set tool, and the file watcher.
func (s *Server) applyAndPublish(ctx context.Context, changedPaths []string) []Warning {
	warnings := s.ApplyConfigChange(ctx, changedPaths)
	s.Bus.Publish(events.TypeConfigChanged, events.ConfigChanged{
		ChangedPaths: changedPaths,
		Rev:          s.Config.Rev(),
	})
	return warnings
}

// toolDeps is the registry build input for the current dependency set.
func (s *Server) toolDeps() tools.Deps {
	deps := tools.Deps{
		Logger:      s.logger,
		Config:      s.Config,
		Attachments: s.Attachments,
		HTTPClient:  toolHTTPClient,
		OnConfigChange: func(changed []string) {
			s.applyAndPublish(context.Background(), changed)
		},
	}
	if s.Browser != nil {
		deps.Browser = browserAdapter{pool: s.Browser}
	}
	return deps
}

var toolHTTPClient = &http.Client{Timeout: 60 * time.Second}

// BuildChannels assembles the channel set the current config enables, each
// wired to the agent loop.
func (s *Server) BuildChannels() []channels.Channel {
	cfg := s.Config.Current()
	var set []channels.Channel
	if cfg.Channels.Telegram.Enabled {
		tg := channels.NewTelegram(
			func() config.TelegramConfig { return s.Config.Current().Channels.Telegram },
			func() string { return s.Config.Secret("/channels/telegram/secrets/botToken") },
			s.logger,
		)
		s.WireChannel(tg)
		set = append(set, tg)
	}
	return set
}

func touchesAny(changed, watched []string) bool {
	for _, c := range changed {
		for _, w := range watched {
			if strings.HasSuffix(w, "/") {
				if strings.HasPrefix(c, w) || c == strings.TrimSuffix(w, "/") {
					return true
				}
			} else if c == w || strings.HasPrefix(c, w+"/") {
				return true
			}
		}
	}
	return false
}
