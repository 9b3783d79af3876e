// Package browser owns the shared headless Chrome and the per-conversation
// session pool behind the browser_* tools. Each conversation gets at most one
// page; idle pages are reaped and the oldest is evicted when the pool is full.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"spaceduck/internal/config"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	reapInterval             = 30 * time.Second
	viewportWidth            = 1280
	viewportHeight           = 800
)

// ErrDisabled is returned when the browser section is switched off.
var ErrDisabled = errors.New("browser disabled")

// ConfigFunc returns the current browser section. The pool re-reads it on
// every acquire so config changes apply without a rebuild.
type ConfigFunc func() config.BrowserConfig

// NewSessionFunc runs after a session is created, before it is handed out.
// The live-preview screencast hooks in here.
type NewSessionFunc func(conversationID string, s *Session)

// Pool hands out per-conversation browser sessions.
type Pool struct {
	cfg          ConfigFunc
	logger       *zap.Logger
	onNewSession NewSessionFunc

	// The shared browser lives on the pool's own context, not any caller's.
	// A cancelled acquire must not tear down the browser for everyone else.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	browser  *rod.Browser
	sessions map[string]*Session

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Session wraps one conversation's page.
type Session struct {
	conversationID string
	page           *rod.Page

	mu       sync.Mutex
	lastUsed time.Time
}

// NewPool creates the pool and starts the idle reaper. Chrome launches lazily
// on the first acquire.
func NewPool(cfg ConfigFunc, onNewSession NewSessionFunc, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:          cfg,
		logger:       logger.Named("browser"),
		onNewSession: onNewSession,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*Session),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Acquire returns the conversation's session, creating it if needed. When the
// pool is at maxSessions the least recently used session is evicted first.
func (p *Pool) Acquire(ctx context.Context, conversationID string) (*Session, error) {
	cfg := p.cfg()
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[conversationID]; ok {
		s.touch()
		return s, nil
	}

	if err := p.ensureBrowserLocked(); err != nil {
		return nil, err
	}

	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 1
	}
	for len(p.sessions) >= maxSessions {
		p.evictOldestLocked()
	}

	incognito, err := p.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             viewportWidth,
		Height:            viewportHeight,
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		p.logger.Warn("set viewport", zap.Error(err))
	}

	s := &Session{conversationID: conversationID, page: page, lastUsed: time.Now()}
	p.sessions[conversationID] = s
	p.logger.Info("browser session created",
		zap.String("conversation_id", conversationID),
		zap.Int("active", len(p.sessions)))

	if p.onNewSession != nil {
		p.onNewSession(conversationID, s)
	}
	return s, nil
}

// Release closes the conversation's session if it exists.
func (p *Pool) Release(conversationID string) {
	p.mu.Lock()
	s, ok := p.sessions[conversationID]
	delete(p.sessions, conversationID)
	p.mu.Unlock()
	if ok {
		s.close()
		p.logger.Info("browser session released", zap.String("conversation_id", conversationID))
	}
}

// ReleaseAll closes every session but keeps the browser running.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// ActiveConversations lists conversations that currently hold a session.
func (p *Pool) ActiveConversations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close shuts down the reaper, all sessions, and the browser.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
	p.ReleaseAll()

	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.cancel()
	if p.browser != nil {
		err := p.browser.Close()
		p.browser = nil
		return err
	}
	return nil
}

func (p *Pool) ensureBrowserLocked() error {
	if p.browser != nil {
		if _, err := p.browser.Version(); err == nil {
			return nil
		}
		p.logger.Warn("stale browser connection, relaunching")
		_ = p.browser.Close()
		p.browser = nil
		for id, s := range p.sessions {
			s.close()
			delete(p.sessions, id)
		}
	}

	url, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}
	// Callers' contexts scope page operations only; see the ctx field.
	browser := rod.New().ControlURL(url).Context(p.ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	p.browser = browser
	return nil
}

func (p *Pool) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, s := range p.sessions {
		t := s.lastUsedTime()
		if oldestID == "" || t.Before(oldest) {
			oldestID = id
			oldest = t
		}
	}
	if oldestID == "" {
		return
	}
	s := p.sessions[oldestID]
	delete(p.sessions, oldestID)
	s.close()
	p.logger.Info("evicted browser session", zap.String("conversation_id", oldestID))
}

func (p *Pool) reapLoop() {
	defer close(p.done)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	cfg := p.cfg()
	idle := time.Duration(cfg.SessionIdleTimeoutMs) * time.Millisecond
	if idle <= 0 {
		return
	}
	cutoff := time.Now().Add(-idle)

	p.mu.Lock()
	var expired []*Session
	for id, s := range p.sessions {
		if s.lastUsedTime().Before(cutoff) {
			expired = append(expired, s)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()

	for _, s := range expired {
		s.close()
		p.logger.Info("reaped idle browser session", zap.String("conversation_id", s.conversationID))
	}
}

// Navigate loads a URL and returns the page title once the load settles.
func (s *Session) Navigate(ctx context.Context, url string) (string, error) {
	s.touch()
	page := s.page.Context(ctx).Timeout(defaultNavigationTimeout)
	if err := page.Navigate(url); err != nil {
		return "", err
	}
	if err := page.WaitLoad(); err != nil {
		return "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	s.touch()
	return s.page.Context(ctx).Screenshot(false, nil)
}

// ExtractText returns the visible text of the page, scoped to selector when
// one is given.
func (s *Session) ExtractText(ctx context.Context, selector string) (string, error) {
	s.touch()
	page := s.page.Context(ctx)
	if selector != "" {
		el, err := page.Element(selector)
		if err != nil {
			return "", fmt.Errorf("selector %q: %w", selector, err)
		}
		return el.Text()
	}
	obj, err := page.Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return "", err
	}
	return obj.Value.Str(), nil
}

// Page exposes the underlying rod page for the screencast hook.
func (s *Session) Page() *rod.Page { return s.page }

// ConversationID identifies the owning conversation.
func (s *Session) ConversationID() string { return s.conversationID }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastUsedTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) close() {
	if s.page != nil {
		_ = s.page.Close()
	}
}
