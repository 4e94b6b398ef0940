package machineagent

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaykeep/relaykeep/internal/agentinbox"
	"github.com/relaykeep/relaykeep/internal/injector"
	"github.com/relaykeep/relaykeep/internal/metrics"
	"github.com/relaykeep/relaykeep/internal/registry"
	"github.com/relaykeep/relaykeep/internal/wire"
)

// resultSender is the slice of hubclient.Client that commandHandler needs,
// kept as an interface so it can be exercised without a live websocket.
type resultSender interface {
	SendCommandResult(ctx context.Context, result wire.CommandResultFrame) error
}

// commandHandler bridges the duplex client's inbound commands to the
// Injector and reports the outcome back upstream as a commandResult frame.
// Failures are never retried here: a failed inject leaves the inbox entry
// in "received" state, so it is replayed on the next reconnect rather than
// silently dropped.
type commandHandler struct {
	registry registry.Registry
	injector *injector.Injector
	inbox    *agentinbox.Inbox
	hub      resultSender
	logger   *slog.Logger
}

func (h *commandHandler) HandleCommand(ctx context.Context, cmd wire.CommandFrame) {
	result := wire.CommandResultFrame{
		Type:      wire.TypeCommandResult,
		CommandID: cmd.CommandID,
		ChatID:    cmd.ChatID,
	}

	sess, err := h.registry.Get(ctx, cmd.SessionID)
	if err != nil {
		h.logger.Warn("command targets unknown session", "session_id", cmd.SessionID, "command_id", cmd.CommandID)
		result.Error = "session not found"
		h.sendResult(ctx, result)
		return
	}

	start := time.Now()
	res, err := h.injector.Inject(ctx, sess, cmd.Command)
	outcome := "ok"
	if err != nil || !res.OK {
		outcome = "error"
	}
	metrics.InjectorLatency.WithLabelValues(string(sess.Transport.Kind), outcome).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		h.logger.Error("injecting command failed", "session_id", cmd.SessionID, "command_id", cmd.CommandID, "error", err)
		result.Error = err.Error()
	case !res.OK:
		h.logger.Warn("adapter reported failed delivery", "session_id", cmd.SessionID, "command_id", cmd.CommandID, "error", res.Error)
		result.Error = res.Error
	default:
		result.Success = true
		if markErr := h.inbox.MarkDone(ctx, cmd.CommandID); markErr != nil {
			h.logger.Error("marking inbox entry done failed", "command_id", cmd.CommandID, "error", markErr)
		}
	}

	h.sendResult(ctx, result)
}

func (h *commandHandler) sendResult(ctx context.Context, result wire.CommandResultFrame) {
	if err := h.hub.SendCommandResult(ctx, result); err != nil {
		h.logger.Error("sending command result failed", "command_id", result.CommandID, "error", err)
	}
}
