// Package channels connects external chat surfaces to the gateway. A channel
// owns exclusive external resources (a bot token, a poll loop), so swaps are
// stop-then-start with rollback rather than proxied.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spaceduck/internal/store"
)

// ErrSwapFailed reports a swap where neither the new nor the old set could be
// fully started. The coordinator surfaces it as CHANNEL_SWAP_FAILED.
var ErrSwapFailed = errors.New("channel swap failed")

// Handler receives one inbound message. sender identifies the remote party
// within the channel's namespace.
type Handler func(sender, text string, attachments []store.Attachment)

// Channel is one external chat surface. Deltas are buffered inside the
// channel; the remote party sees a single message per turn on SendDone.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	OnMessage(h Handler)
	SendDelta(sender, text string, refs []store.Attachment) error
	SendDone(sender, messageID string, refs []store.Attachment) error
	SendError(sender, code, message string, refs []store.Attachment) error
}

// Manager owns the running channel set.
type Manager struct {
	logger *zap.Logger

	mu      sync.Mutex
	active  []Channel
	running bool
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger.Named("channels")}
}

// StartAll starts every channel. If any fails, the ones already started are
// stopped and the error is returned; the manager ends up empty.
func (m *Manager) StartAll(ctx context.Context, chans []Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("channels already started")
	}
	if err := startSet(ctx, chans, m.logger); err != nil {
		return err
	}
	m.active = chans
	m.running = len(chans) > 0
	return nil
}

// StopAll stops every running channel, logging rather than failing on
// individual stop errors.
func (m *Manager) StopAll() {
	m.mu.Lock()
	chans := m.active
	m.active = nil
	m.running = false
	m.mu.Unlock()
	stopSet(chans, m.logger)
}

// Swap replaces the running set: stop old, start new. If the new set fails to
// start, the old set is restarted best-effort; if that also fails the manager
// is left empty and ErrSwapFailed is returned.
func (m *Manager) Swap(ctx context.Context, next []Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.active
	stopSet(old, m.logger)
	m.active = nil
	m.running = false

	if err := startSet(ctx, next, m.logger); err != nil {
		m.logger.Warn("new channel set failed to start, rolling back", zap.Error(err))
		if rbErr := startSet(ctx, old, m.logger); rbErr != nil {
			m.logger.Error("channel rollback failed", zap.Error(rbErr))
			return fmt.Errorf("%w: %v (rollback also failed: %v)", ErrSwapFailed, err, rbErr)
		}
		m.active = old
		m.running = len(old) > 0
		return fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}

	m.active = next
	m.running = len(next) > 0
	return nil
}

// Active lists the names of running channels.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.active))
	for _, c := range m.active {
		names = append(names, c.Name())
	}
	return names
}

func startSet(ctx context.Context, chans []Channel, logger *zap.Logger) error {
	var (
		mu      sync.Mutex
		started []Channel
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range chans {
		c := c
		g.Go(func() error {
			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("start channel %s: %w", c.Name(), err)
			}
			mu.Lock()
			started = append(started, c)
			mu.Unlock()
			logger.Info("channel started", zap.String("channel", c.Name()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		stopSet(started, logger)
		return err
	}
	return nil
}

func stopSet(chans []Channel, logger *zap.Logger) {
	for _, c := range chans {
		if err := c.Stop(); err != nil {
			logger.Warn("stop channel", zap.String("channel", c.Name()), zap.Error(err))
		} else {
			logger.Info("channel stopped", zap.String("channel", c.Name()))
		}
	}
}
