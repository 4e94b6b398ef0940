// ABOUTME: Duplex client connecting a Machine Agent to the Edge Router's hub
// ABOUTME: Owns bootstrap, the ping/pong heartbeat, and reconnect-with-backoff, grounded on the worker hub client's pattern

package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/relaykeep/relaykeep/internal/agentinbox"
	"github.com/relaykeep/relaykeep/internal/wire"
)

const subprotocol = "relaykeep.agent.v1"

// resetThreshold mirrors the worker hub client: a connection that survives
// at least this long resets the reconnect backoff to its initial interval.
const resetThreshold = 30 * time.Second

// Config bounds the client's reconnect and heartbeat behavior.
type Config struct {
	RouterURL        string
	MachineID        string
	SharedAPIKey     string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	PongTimeout      time.Duration
}

const (
	defaultReconnectInitial = time.Second
	defaultReconnectMax     = 30 * time.Second
	defaultPongTimeout      = 90 * time.Second
	heartbeatInterval       = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = defaultReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}
	return c
}

// Handler receives commands once the Agent has durably recorded and acked
// them. It is invoked both for freshly-received commands and for entries
// replayed from the inbox on (re)connect.
type Handler interface {
	HandleCommand(ctx context.Context, cmd wire.CommandFrame)
}

// Client maintains the Agent's side of the duplex channel to the Router.
type Client struct {
	cfg     Config
	inbox   *agentinbox.Inbox
	handler Handler
	logger  *slog.Logger
	http    *http.Client

	connMu sync.Mutex
	conn   *websocket.Conn

	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time
}

// New builds a Client. inbox and handler must be non-nil.
func New(cfg Config, inbox *agentinbox.Inbox, handler Handler, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		inbox:   inbox,
		handler: handler,
		logger:  logger,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Run connects and serves the duplex channel until ctx is canceled,
// reconnecting with exponential backoff on every disconnect.
func (c *Client) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectInitial
	bo.MaxInterval = c.cfg.ReconnectMax
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2
	bo.Reset()

	for {
		start := time.Now()
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("duplex connection ended", "error", err)
		}

		if time.Since(start) >= resetThreshold {
			bo.Reset()
		}

		interval := bo.NextBackOff()
		c.logger.Info("reconnecting to router", "in", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// SendCommandResult reports the outcome of a command upstream, for chat
// visibility when injection fails.
func (c *Client) SendCommandResult(ctx context.Context, result wire.CommandResultFrame) error {
	result.Type = wire.TypeCommandResult
	return c.send(ctx, result)
}

func (c *Client) connectAndServe(ctx context.Context) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	duplexURL, err := deriveURL(c.cfg.RouterURL, "/duplex", true)
	if err != nil {
		return fmt.Errorf("deriving duplex url: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, duplexURL, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
	}()

	c.logger.Info("connected to router", "url", duplexURL)
	c.replayInbox(ctx)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go c.heartbeatLoop(hbCtx)

	return c.readLoop(ctx, conn)
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, wire.PingFrame{Type: wire.TypePing}); err != nil {
				c.logger.Warn("ping send failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, c.cfg.PongTimeout)
		typ, data, err := wire.ReadEnvelope(readCtx, conn)
		cancel()
		if err != nil {
			return err
		}

		switch typ {
		case wire.TypePong:
			// liveness only; the per-read timeout above is the real check.

		case wire.TypeCommand:
			c.handleCommandFrame(ctx, data)

		default:
			c.logger.Debug("ignoring unrecognized duplex frame", "type", typ)
		}
	}
}

func (c *Client) handleCommandFrame(ctx context.Context, data []byte) {
	var cmd wire.CommandFrame
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.logger.Warn("malformed command frame", "error", err)
		return
	}

	inserted, err := c.inbox.InsertIfAbsent(ctx, cmd.CommandID, data)
	if err != nil {
		c.logger.Error("inbox write failed, leaving command unacked", "command_id", cmd.CommandID, "error", err)
		return
	}

	if err := c.send(ctx, wire.AckFrame{Type: wire.TypeAck, CommandID: cmd.CommandID}); err != nil {
		c.logger.Warn("ack send failed", "command_id", cmd.CommandID, "error", err)
	}

	if inserted {
		go c.handler.HandleCommand(context.Background(), cmd)
	}
}

// replayInbox re-dispatches every not-yet-done inbox entry on connect, per
// the Agent's restart/reconnect replay contract. The primary key on
// command_id guards against double execution if the router resends.
func (c *Client) replayInbox(ctx context.Context) {
	entries, err := c.inbox.ListUndone(ctx)
	if err != nil {
		c.logger.Error("listing undone inbox entries failed", "error", err)
		return
	}
	for _, e := range entries {
		var cmd wire.CommandFrame
		if err := json.Unmarshal(e.PayloadRaw, &cmd); err != nil {
			c.logger.Warn("skipping unparseable inbox entry", "command_id", e.CommandID, "error", err)
			continue
		}
		go c.handler.HandleCommand(context.Background(), cmd)
	}
}

func (c *Client) send(ctx context.Context, v any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return wire.WriteJSON(ctx, conn, v)
}

type registerMachineResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in_seconds"`
}

// ensureToken returns the current bootstrap JWT, re-minting it if absent
// or within 10s of expiry.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	tok, exp := c.token, c.tokenExp
	c.tokenMu.Unlock()
	if tok != "" && time.Now().Before(exp.Add(-10*time.Second)) {
		return tok, nil
	}
	return c.bootstrap(ctx)
}

func (c *Client) bootstrap(ctx context.Context) (string, error) {
	registerURL, err := deriveURL(c.cfg.RouterURL, "/machines/register", false)
	if err != nil {
		return "", fmt.Errorf("deriving register url: %w", err)
	}

	body, err := json.Marshal(map[string]string{"machine_id": c.cfg.MachineID})
	if err != nil {
		return "", fmt.Errorf("encoding register request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registerURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building register request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.SharedAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("register returned %d: %s", resp.StatusCode, b)
	}

	var out registerMachineResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding register response: %w", err)
	}

	c.tokenMu.Lock()
	c.token = out.Token
	c.tokenExp = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	c.tokenMu.Unlock()

	return out.Token, nil
}

// deriveURL rewrites base's path to the given one, switching the scheme to
// its websocket equivalent (ws/wss) when ws is true.
func deriveURL(base, path string, ws bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if ws {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "ws"
		}
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}
