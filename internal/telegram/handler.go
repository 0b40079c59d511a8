package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/harun/ranya-runtime/pkg/channels"
)

const (
	metaChatID    = "chat_id"
	metaMessageID = "message_id"
	metaUserID    = "user_id"
	metaUsername  = "username"
)

const startText = "Send me a message and I will queue it as a task. Replies arrive in this chat."

// handleUpdate turns a text message into a task.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return nil
	}

	var userID int64
	var username string
	if msg.From != nil {
		userID = msg.From.ID
		username = msg.From.UserName
	}

	if !b.allowed(userID, msg.Chat.ID) {
		b.logger.Warn().
			Int64("chat_id", msg.Chat.ID).
			Int64("user_id", userID).
			Msg("Message from non-allowlisted sender ignored")
		return nil
	}

	if msg.IsCommand() && msg.Command() == "start" {
		return b.SendMessage(msg.Chat.ID, startText)
	}

	text := ParseCaption(msg)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	receipt, err := b.dispatch(ctx, channels.InboundMessage{
		Channel:    ChannelName,
		SessionKey: fmt.Sprintf("%s:%d", ChannelName, msg.Chat.ID),
		Content:    text,
		Metadata: map[string]string{
			metaChatID:    strconv.FormatInt(msg.Chat.ID, 10),
			metaMessageID: strconv.Itoa(msg.MessageID),
			metaUserID:    strconv.FormatInt(userID, 10),
			metaUsername:  username,
		},
	})
	if err != nil {
		_ = b.SendMessageWithReply(msg.Chat.ID, "I can't take new requests right now.", msg.MessageID)
		return fmt.Errorf("failed to dispatch message: %w", err)
	}

	b.logger.Debug().
		Int64("chat_id", msg.Chat.ID).
		Str("task_id", receipt.TaskID).
		Msg("Message queued")

	return b.SendTyping(msg.Chat.ID)
}

func (b *Bot) allowed(userID, chatID int64) bool {
	if len(b.allowlist) == 0 {
		return true
	}
	if _, ok := b.allowlist[userID]; ok {
		return true
	}
	_, ok := b.allowlist[chatID]
	return ok
}

// SendTyping sends typing action
func (b *Bot) SendTyping(chatID int64) error {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := b.api.Request(action); err != nil {
		return fmt.Errorf("failed to send typing action: %w", err)
	}
	return nil
}

// ParseCaption extracts caption from a message
func ParseCaption(msg *tgbotapi.Message) string {
	if msg.Caption != "" {
		return msg.Caption
	}
	return msg.Text
}
