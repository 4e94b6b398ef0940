// ABOUTME: HTTP handler upgrading an authenticated machine's connection to the duplex channel
// ABOUTME: Auth happens before accepting the websocket; the read loop then handles ping/ack/commandResult frames

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/relaykeep/relaykeep/internal/auth"
	"github.com/relaykeep/relaykeep/internal/chatprovider"
	"github.com/relaykeep/relaykeep/internal/routerstore"
	"github.com/relaykeep/relaykeep/internal/wire"
)

// subprotocol identifies the Agent<->Router duplex wire format, mirroring
// how a browser client would be made to opt in via Sec-WebSocket-Protocol.
const subprotocol = "relaykeep.agent.v1"

// staleTimeout closes a connection that has not produced a single frame
// (ping or otherwise) for this long; the Agent is expected to ping well
// inside this window.
const staleTimeout = 90 * time.Second

// UpgradeHandler returns an http.Handler serving the duplex channel.
// Authentication happens against the Authorization header before the
// websocket handshake is accepted, so a rejected machine never completes
// the upgrade.
func UpgradeHandler(mgr *Manager, verifier *auth.JWTVerifier, store routerstore.Store, provider chatprovider.Provider, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		machineID, errMsg := auth.VerifyMachineBearer(verifier, r.Header.Get("Authorization"))
		if errMsg != "" {
			http.Error(w, errMsg, http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{subprotocol},
		})
		if err != nil {
			logger.Debug("duplex accept failed", "machine_id", machineID, "error", err)
			return
		}

		c := mgr.Register(r.Context(), machineID, conn)
		logger.Info("machine connected", "machine_id", machineID)

		runReadLoop(r.Context(), c, mgr, store, provider, logger)
	})
}

func runReadLoop(ctx context.Context, c *Connection, mgr *Manager, store routerstore.Store, provider chatprovider.Provider, logger *slog.Logger) {
	defer func() {
		mgr.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		logger.Info("machine disconnected", "machine_id", c.MachineID)
	}()

	for {
		readCtx, cancel := context.WithTimeout(ctx, staleTimeout)
		typ, data, err := wire.ReadEnvelope(readCtx, c.conn)
		cancel()
		if err != nil {
			logger.Debug("duplex read ended", "machine_id", c.MachineID, "error", err)
			return
		}
		c.touch()

		switch typ {
		case wire.TypePing:
			if err := c.sendPong(ctx); err != nil {
				logger.Warn("pong send failed", "machine_id", c.MachineID, "error", err)
				return
			}

		case wire.TypeAck:
			// The Agent has durably written the command to its inbox; the
			// Router now owns the right to delete its queue entry.
			var ack wire.AckFrame
			if err := json.Unmarshal(data, &ack); err != nil {
				logger.Warn("malformed ack frame", "machine_id", c.MachineID, "error", err)
				continue
			}
			id, err := strconv.ParseInt(ack.CommandID, 10, 64)
			if err != nil {
				logger.Warn("ack with non-numeric command_id", "machine_id", c.MachineID, "command_id", ack.CommandID)
				continue
			}
			if err := store.DeleteQueueEntry(ctx, id); err != nil {
				logger.Error("deleting acked queue entry failed", "machine_id", c.MachineID, "command_id", ack.CommandID, "error", err)
			}

		case wire.TypeCommandResult:
			var result wire.CommandResultFrame
			if err := json.Unmarshal(data, &result); err != nil {
				logger.Warn("malformed commandResult frame", "machine_id", c.MachineID, "error", err)
				continue
			}
			if result.Success {
				continue
			}
			if result.ChatID == "" {
				logger.Warn("commandResult failure has no chat to notify", "machine_id", c.MachineID, "command_id", result.CommandID, "error", result.Error)
				continue
			}
			reason := result.Error
			if reason == "" {
				reason = "command failed"
			}
			if _, err := provider.Send(ctx, result.ChatID, "Command failed: "+reason); err != nil {
				logger.Error("notifying chat of command failure failed", "machine_id", c.MachineID, "command_id", result.CommandID, "error", err)
			}

		default:
			logger.Debug("ignoring unrecognized duplex frame", "machine_id", c.MachineID, "type", typ)
		}
	}
}
