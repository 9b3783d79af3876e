package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"spaceduck/internal/config"
	"spaceduck/internal/store"
)

const (
	telegramLongPollSec    = 30
	defaultPollIntervalMs  = 2000
	telegramMaxMessageRune = 4096
)

// Telegram is the long-poll Telegram channel. Deltas accumulate per sender
// and flush as one message on SendDone.
type Telegram struct {
	cfg    func() config.TelegramConfig
	token  func() string
	logger *zap.Logger

	// APIEndpoint overrides the bot API base, for tests.
	APIEndpoint string

	mu      sync.Mutex
	bot     *tgbotapi.BotAPI
	handler Handler
	buffers map[string]*strings.Builder
	stop    chan struct{}
	done    chan struct{}
}

// NewTelegram wires the channel; Start does the network work.
func NewTelegram(cfg func() config.TelegramConfig, token func() string, logger *zap.Logger) *Telegram {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{
		cfg:     cfg,
		token:   token,
		logger:  logger.Named("telegram"),
		buffers: make(map[string]*strings.Builder),
	}
}

// Name implements Channel.
func (t *Telegram) Name() string { return "telegram" }

// OnMessage implements Channel.
func (t *Telegram) OnMessage(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Start authenticates the bot and begins the poll loop.
func (t *Telegram) Start(ctx context.Context) error {
	token := t.token()
	if token == "" {
		return errors.New("telegram bot token not set")
	}

	endpoint := t.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return fmt.Errorf("telegram auth: %w", err)
	}

	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return errors.New("telegram already started")
	}
	t.bot = bot
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stop, t.done
	t.mu.Unlock()

	t.logger.Info("telegram connected", zap.String("bot", bot.Self.UserName))
	go t.pollLoop(stop, done)
	return nil
}

// Stop ends the poll loop and forgets the bot session.
func (t *Telegram) Stop() error {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done, t.bot = nil, nil, nil
	t.buffers = make(map[string]*strings.Builder)
	t.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (t *Telegram) pollLoop(stop, done chan struct{}) {
	defer close(done)

	offset := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		bot := t.currentBot()
		if bot == nil {
			return
		}
		updates, err := bot.GetUpdates(tgbotapi.UpdateConfig{
			Offset:  offset,
			Timeout: telegramLongPollSec,
		})
		if err != nil {
			t.logger.Warn("telegram poll", zap.Error(err))
			if !t.sleep(stop, t.pollInterval()) {
				return
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			t.dispatch(u.Message)
		}

		if len(updates) == 0 {
			if !t.sleep(stop, t.pollInterval()) {
				return
			}
		}
	}
}

func (t *Telegram) dispatch(msg *tgbotapi.Message) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return
	}
	sender := strconv.FormatInt(msg.Chat.ID, 10)
	h(sender, msg.Text, nil)
}

// SendDelta buffers text until SendDone flushes the turn.
func (t *Telegram) SendDelta(sender, text string, refs []store.Attachment) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buffers[sender]
	if !ok {
		b = &strings.Builder{}
		t.buffers[sender] = b
	}
	b.WriteString(text)
	return nil
}

// SendDone flushes the buffered turn as a single message.
func (t *Telegram) SendDone(sender, messageID string, refs []store.Attachment) error {
	t.mu.Lock()
	b := t.buffers[sender]
	delete(t.buffers, sender)
	t.mu.Unlock()

	text := ""
	if b != nil {
		text = b.String()
	}
	if text == "" {
		text = "(no response)"
	}
	for _, ref := range refs {
		text += fmt.Sprintf("\n[attachment: %s]", ref.Filename)
	}
	return t.send(sender, text)
}

// SendError reports a failed turn; any buffered partial text is dropped.
func (t *Telegram) SendError(sender, code, message string, refs []store.Attachment) error {
	t.mu.Lock()
	delete(t.buffers, sender)
	t.mu.Unlock()
	return t.send(sender, fmt.Sprintf("Something went wrong (%s): %s", code, message))
}

func (t *Telegram) send(sender, text string) error {
	bot := t.currentBot()
	if bot == nil {
		return errors.New("telegram not started")
	}
	chatID, err := strconv.ParseInt(sender, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram sender %q: %w", sender, err)
	}
	for _, part := range splitRunes(text, telegramMaxMessageRune) {
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (t *Telegram) currentBot() *tgbotapi.BotAPI {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bot
}

func (t *Telegram) pollInterval() time.Duration {
	ms := t.cfg().PollIntervalMs
	if ms <= 0 {
		ms = defaultPollIntervalMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (t *Telegram) sleep(stop chan struct{}, d time.Duration) bool {
	select {
	case <-stop:
		return false
	case <-time.After(d):
		return true
	}
}

func splitRunes(s string, max int) []string {
	runes := []rune(s)
	if len(runes) <= max {
		return []string{s}
	}
	var out []string
	for len(runes) > 0 {
		n := max
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
