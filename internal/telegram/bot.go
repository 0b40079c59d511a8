package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/ranya-runtime/pkg/channels"
)

// ChannelName is the channel name used for Telegram tasks.
const ChannelName = "telegram"

// maxMessageLen is Telegram's limit for a single text message.
const maxMessageLen = 4096

// botAPI is the subset of *tgbotapi.BotAPI used by the bot.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Options configures the Telegram channel.
type Options struct {
	BotToken string
	// Allowlist restricts ingress to these user or chat ids. Empty allows all.
	Allowlist []int64
	// StreamInterval is the minimum time between edits of a streamed reply.
	StreamInterval time.Duration
	Logger         *zerolog.Logger
}

// Bot is the Telegram ingress channel. Inbound messages become tasks on
// session "telegram:<chat_id>"; replies are sent back to the same chat and
// streamed chunks progressively edit a single message.
type Bot struct {
	api       botAPI
	logger    zerolog.Logger
	allowlist map[int64]struct{}
	streaming *Streaming

	mu       sync.Mutex
	running  bool
	dispatch channels.DispatchFunc
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// New authenticates against the Bot API and creates the channel.
func New(opts Options) (*Bot, error) {
	if opts.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(opts.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := newBot(api, opts)
	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return bot, nil
}

func newBot(api botAPI, opts Options) *Bot {
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	b := &Bot{
		api:       api,
		logger:    base.With().Str("component", "channel").Str("channel", ChannelName).Logger(),
		allowlist: make(map[int64]struct{}, len(opts.Allowlist)),
	}
	for _, id := range opts.Allowlist {
		b.allowlist[id] = struct{}{}
	}
	b.streaming = NewStreaming(b, opts.StreamInterval)
	return b
}

// Name returns channel name.
func (b *Bot) Name() string {
	return ChannelName
}

// Start begins long polling for updates.
func (b *Bot) Start(ctx context.Context, dispatch channels.DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.dispatch = dispatch
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.done = make(chan struct{})
	b.running = true

	go b.processUpdates(updates)

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop stops polling and waits for the update loop to exit.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	done := b.done
	b.mu.Unlock()

	b.cancel()
	b.api.StopReceivingUpdates()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("telegram update loop did not stop: %w", ctx.Err())
	}

	b.logger.Info().Msg("Telegram bot stopped")
	return nil
}

// processUpdates processes incoming updates
func (b *Bot) processUpdates(updates tgbotapi.UpdatesChannel) {
	defer close(b.done)
	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-cleanup.C:
			b.streaming.CleanupStaleStreams(10 * time.Minute)
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := b.handleUpdate(b.ctx, update); err != nil {
				b.logger.Error().
					Err(err).
					Int("update_id", update.UpdateID).
					Msg("Failed to handle update")
			}
		}
	}
}

// Deliver sends the final reply to the originating chat, finishing the
// streamed message when one exists.
func (b *Bot) Deliver(_ context.Context, reply channels.Reply) error {
	chatID, err := chatIDFor(reply.SessionKey, reply.Metadata)
	if err != nil {
		return err
	}

	text := reply.Content
	if reply.Error != "" {
		text = "Sorry, that request failed: " + reply.Error
	}
	if strings.TrimSpace(text) == "" {
		text = "(empty response)"
	}

	if b.streaming.Finish(reply.TaskID, text) {
		return nil
	}

	replyTo, _ := strconv.Atoi(reply.Metadata[metaMessageID])
	for i, part := range splitMessage(text, maxMessageLen) {
		to := 0
		if i == 0 {
			to = replyTo
		}
		if err := b.SendMessageWithReply(chatID, part, to); err != nil {
			return err
		}
	}
	return nil
}

// DeliverChunk streams partial reply text into the chat.
func (b *Bot) DeliverChunk(_ context.Context, chunk channels.Chunk) error {
	if chunk.Reset {
		b.streaming.Restart(chunk.TaskID)
		return nil
	}
	chatID, err := chatIDFor(chunk.SessionKey, chunk.Metadata)
	if err != nil {
		return err
	}
	return b.streaming.Append(chunk.TaskID, chatID, chunk.Text)
}

// SendMessage sends a text message
func (b *Bot) SendMessage(chatID int64, text string) error {
	return b.SendMessageWithReply(chatID, text, 0)
}

// SendMessageWithReply sends a text message as a reply. A zero
// replyToMessageID sends a plain message.
func (b *Bot) SendMessageWithReply(chatID int64, text string, replyToMessageID int) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyToMessageID

	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	b.logger.Debug().
		Int64("chat_id", chatID).
		Int("reply_to", replyToMessageID).
		Msg("Message sent")
	return nil
}

// IsRunning reports whether the update loop is active.
func (b *Bot) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func chatIDFor(session string, meta map[string]string) (int64, error) {
	raw := meta[metaChatID]
	if raw == "" {
		raw = strings.TrimPrefix(session, ChannelName+":")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("no telegram chat id for session %q", session)
	}
	return id, nil
}

// splitMessage splits text into parts of at most limit bytes, preferring
// newline boundaries and never splitting a UTF-8 sequence.
func splitMessage(text string, limit int) []string {
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8RuneStart(text[cut]) {
				cut--
			}
		}
		parts = append(parts, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	return append(parts, text)
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
