// ABOUTME: Telegram chatprovider.Provider backed by github.com/mymmrac/telego
// ABOUTME: Plain-text sends only; webhook bodies classified into message/callback updates

package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/relaykeep/relaykeep/internal/chatprovider"
)

// maxMessageLength mirrors Telegram's own per-message text limit.
const maxMessageLength = 4096

// Adapter implements chatprovider.Provider against the Telegram Bot API.
type Adapter struct {
	bot *telego.Bot
}

// New constructs an Adapter authenticated with botToken.
func New(botToken string) (*Adapter, error) {
	bot, err := telego.NewBot(botToken)
	if err != nil {
		return nil, fmt.Errorf("constructing telegram bot: %w", err)
	}
	return &Adapter{bot: bot}, nil
}

// Send delivers text as a plain message to chatID, returning the sent
// message's ID as a string.
func (a *Adapter) Send(ctx context.Context, chatID, text string) (string, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	msg, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(id), text))
	if err != nil {
		return "", fmt.Errorf("sending telegram message: %w", err)
	}
	return strconv.Itoa(msg.MessageID), nil
}

// ParseWebhook decodes a Telegram update and classifies it as a plain
// message or a callback-query button press. Updates carrying neither are
// reported as UpdateKindIgnored rather than an error, since Telegram
// sends many update types (edited messages, chat member changes, ...)
// that never reach a command.
func (a *Adapter) ParseWebhook(body []byte) (*chatprovider.InboundUpdate, error) {
	var upd telego.Update
	if err := json.Unmarshal(body, &upd); err != nil {
		return nil, fmt.Errorf("decoding telegram update: %w", err)
	}

	switch {
	case upd.CallbackQuery != nil:
		cb := upd.CallbackQuery
		chatID := ""
		if cb.Message != nil && cb.Message.GetChat().ID != 0 {
			chatID = strconv.FormatInt(cb.Message.GetChat().ID, 10)
		}
		return &chatprovider.InboundUpdate{
			UpdateID: strconv.Itoa(upd.UpdateID),
			Kind:     chatprovider.UpdateKindCallback,
			ChatID:   chatID,
			UserID:   strconv.FormatInt(cb.From.ID, 10),
			Text:     cb.Data,
		}, nil

	case upd.Message != nil:
		m := upd.Message
		var replyToID string
		if m.ReplyToMessage != nil {
			replyToID = strconv.Itoa(m.ReplyToMessage.MessageID)
		}
		userID := ""
		if m.From != nil {
			userID = strconv.FormatInt(m.From.ID, 10)
		}
		return &chatprovider.InboundUpdate{
			UpdateID:  strconv.Itoa(upd.UpdateID),
			Kind:      chatprovider.UpdateKindMessage,
			ChatID:    strconv.FormatInt(m.Chat.ID, 10),
			UserID:    userID,
			Text:      m.Text,
			ReplyToID: replyToID,
		}, nil

	default:
		return &chatprovider.InboundUpdate{
			UpdateID: strconv.Itoa(upd.UpdateID),
			Kind:     chatprovider.UpdateKindIgnored,
		}, nil
	}
}

// Capabilities reports Telegram's inline-keyboard support and message
// length limit.
func (a *Adapter) Capabilities() chatprovider.Capabilities {
	return chatprovider.Capabilities{SupportsButtons: true, MaxMessageLength: maxMessageLength}
}
