package telegram

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// liveMessage is the Telegram message that shows one task's reply while it
// is being generated.
type liveMessage struct {
	mu        sync.Mutex
	chatID    int64
	messageID int
	text      strings.Builder
	touched   atomic.Int64 // unix nanos of the last send or edit
}

// Streaming edits one message per task as chunks arrive. Edits are
// throttled per chat since Telegram rate limits edits per chat.
type Streaming struct {
	bot      *Bot
	logger   zerolog.Logger
	interval time.Duration

	mu       sync.Mutex
	live     map[string]*liveMessage
	lastEdit map[int64]time.Time
}

// NewStreaming creates a streaming editor. interval <= 0 means one edit per
// second per chat.
func NewStreaming(bot *Bot, interval time.Duration) *Streaming {
	if interval <= 0 {
		interval = time.Second
	}
	return &Streaming{
		bot:      bot,
		logger:   bot.logger.With().Str("module", "streaming").Logger(),
		interval: interval,
		live:     make(map[string]*liveMessage),
		lastEdit: make(map[int64]time.Time),
	}
}

// Append adds chunk text to the task's message. The first chunk sends the
// message; later chunks edit it when the chat's throttle allows.
func (s *Streaming) Append(taskID string, chatID int64, chunk string) error {
	if chunk == "" {
		return nil
	}

	s.mu.Lock()
	m, ok := s.live[taskID]
	if !ok {
		m = &liveMessage{chatID: chatID}
		s.live[taskID] = m
	}
	s.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.text.WriteString(chunk)
	text := m.text.String()

	if m.messageID == 0 {
		sent, err := s.bot.api.Send(tgbotapi.NewMessage(chatID, text))
		if err != nil {
			return fmt.Errorf("failed to send initial message: %w", err)
		}
		m.messageID = sent.MessageID
		s.markEdited(m)
		s.logger.Debug().Str("task_id", taskID).Int64("chat_id", chatID).Int("message_id", m.messageID).Msg("Stream started")
		return nil
	}

	// Over-long text waits for Finish, which splits it.
	if len(text) > maxMessageLen || !s.editAllowed(chatID) {
		return nil
	}
	return s.edit(m, text)
}

// Restart drops the text gathered for the task after its stream started
// over. The live message stays and the next edit overwrites it.
func (s *Streaming) Restart(taskID string) {
	s.mu.Lock()
	m, ok := s.live[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	m.mu.Lock()
	m.text.Reset()
	m.mu.Unlock()
}

// Finish replaces the live message with the final text and forgets the
// task. It returns false when the task never produced a message.
func (s *Streaming) Finish(taskID string, finalText string) bool {
	s.mu.Lock()
	m, ok := s.live[taskID]
	delete(s.live, taskID)
	s.mu.Unlock()
	if !ok {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messageID == 0 {
		return false
	}

	parts := splitMessage(finalText, maxMessageLen)
	if err := s.edit(m, parts[0]); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to finish stream")
	}
	for _, part := range parts[1:] {
		if err := s.bot.SendMessage(m.chatID, part); err != nil {
			s.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to send continuation")
		}
	}
	return true
}

// edit requires m.mu. Telegram rejects edits that do not change the text;
// those count as success.
func (s *Streaming) edit(m *liveMessage, text string) error {
	_, err := s.bot.api.Send(tgbotapi.NewEditMessageText(m.chatID, m.messageID, text))
	if err != nil && !strings.Contains(err.Error(), "message is not modified") {
		return fmt.Errorf("failed to update message: %w", err)
	}
	s.markEdited(m)
	return nil
}

func (s *Streaming) markEdited(m *liveMessage) {
	now := time.Now()
	m.touched.Store(now.UnixNano())
	s.mu.Lock()
	s.lastEdit[m.chatID] = now
	s.mu.Unlock()
}

func (s *Streaming) editAllowed(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastEdit[chatID]
	return !ok || time.Since(last) >= s.interval
}

// ActiveStreams returns the number of tasks with a live message.
func (s *Streaming) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// CleanupStaleStreams forgets live messages untouched for longer than
// maxAge, e.g. when a task failed before its reply arrived.
func (s *Streaming) CleanupStaleStreams(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	var stale []string
	for taskID, m := range s.live {
		if m.touched.Load() < cutoff.UnixNano() {
			stale = append(stale, taskID)
		}
	}
	for _, taskID := range stale {
		delete(s.live, taskID)
	}
	s.mu.Unlock()

	if len(stale) > 0 {
		s.logger.Info().Int("removed", len(stale)).Msg("Cleaned up stale streams")
	}
	return len(stale)
}
