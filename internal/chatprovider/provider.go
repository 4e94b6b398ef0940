// ABOUTME: Provider abstracts the chat messaging platform: sending plain-text
// ABOUTME: messages and classifying inbound webhook payloads into typed updates

package chatprovider

import "context"

// UpdateKind classifies an inbound webhook payload.
type UpdateKind string

const (
	UpdateKindMessage  UpdateKind = "message"
	UpdateKindCallback UpdateKind = "callback"
	UpdateKindIgnored  UpdateKind = "ignored"
)

// InboundUpdate is a provider-neutral view of one webhook delivery.
type InboundUpdate struct {
	UpdateID  string
	Kind      UpdateKind
	ChatID    string
	UserID    string
	Text      string // message text, or callback data when Kind == UpdateKindCallback
	ReplyToID string // non-empty when the message is a reply to another message
}

// Capabilities describes what a provider can do, so callers can adapt
// formatting without a type switch on the concrete provider.
type Capabilities struct {
	SupportsButtons  bool
	MaxMessageLength int
}

// Provider sends plain-text notifications to a chat and parses inbound
// webhook bodies into InboundUpdate values. Implementations must not
// assume any particular platform beyond what InboundUpdate can express.
type Provider interface {
	// Send delivers text to chatID, returning the provider's message
	// identifier for that delivery if one exists.
	Send(ctx context.Context, chatID, text string) (messageID string, err error)

	// ParseWebhook decodes one raw webhook body. A nil update with a nil
	// error means the payload was recognized but carries nothing actionable.
	ParseWebhook(body []byte) (*InboundUpdate, error)

	Capabilities() Capabilities
}
