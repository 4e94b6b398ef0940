// ABOUTME: Notifier implementations that deliver a stop/notify event to the chat platform
// ABOUTME: RouterNotifier forwards through the Edge Router's REST surface; DirectNotifier posts straight to the provider

package localapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/relaykeep/relaykeep/internal/chatprovider"
)

// Notifier delivers a notification for sessionID to chatID, passing along
// the reply token (if any) that the caller minted so the recipient can
// route a command back to the session.
type Notifier interface {
	Notify(ctx context.Context, sessionID, chatID, text, token string, tokenTTL time.Duration) error
}

// RouterNotifier posts to an Edge Router's /notifications endpoint using
// the shared API key, the same credential used for /machines/register.
type RouterNotifier struct {
	routerURL string
	sharedKey string
	http      *http.Client
}

// NewRouterNotifier builds a RouterNotifier targeting routerURL (the same
// base URL configured for the duplex client).
func NewRouterNotifier(routerURL, sharedKey string) *RouterNotifier {
	return &RouterNotifier{routerURL: routerURL, sharedKey: sharedKey, http: &http.Client{Timeout: 10 * time.Second}}
}

type notifyRequest struct {
	SessionID       string `json:"session_id"`
	ChatID          string `json:"chat_id"`
	Text            string `json:"text"`
	Token           string `json:"token,omitempty"`
	TokenTTLSeconds int64  `json:"token_ttl_seconds,omitempty"`
}

func (n *RouterNotifier) Notify(ctx context.Context, sessionID, chatID, text, token string, tokenTTL time.Duration) error {
	u, err := url.Parse(n.routerURL)
	if err != nil {
		return fmt.Errorf("parsing router url: %w", err)
	}
	u.Path = "/notifications"

	body, err := json.Marshal(notifyRequest{
		SessionID:       sessionID,
		ChatID:          chatID,
		Text:            text,
		Token:           token,
		TokenTTLSeconds: int64(tokenTTL.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("encoding notify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.sharedKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling router: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("router returned %d", resp.StatusCode)
	}
	return nil
}

// DirectNotifier posts straight to the chat platform when no Router is
// configured. It carries no token-mirroring step since there is no webhook
// receiver to route a reply against in this mode.
type DirectNotifier struct {
	provider chatprovider.Provider
}

// NewDirectNotifier builds a DirectNotifier over provider.
func NewDirectNotifier(provider chatprovider.Provider) *DirectNotifier {
	return &DirectNotifier{provider: provider}
}

func (n *DirectNotifier) Notify(ctx context.Context, sessionID, chatID, text, token string, tokenTTL time.Duration) error {
	_, err := n.provider.Send(ctx, chatID, text)
	return err
}
