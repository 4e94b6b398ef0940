// ABOUTME: Manager tracks the one live duplex channel per machine and dispatches commands
// ABOUTME: A new authenticated connection always replaces an older one for the same machine

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/relaykeep/relaykeep/internal/routerstore"
	"github.com/relaykeep/relaykeep/internal/wire"
)

// commandID formats a queue entry's autoincrement id as the command_id
// carried on the wire, which the Agent uses as its inbox dedup key.
func commandID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Manager coordinates all connected machines and routes queued commands
// to them as soon as they connect or as soon as they are enqueued.
type Manager struct {
	store  routerstore.Store
	logger *slog.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
}

// New builds a Manager backed by store for flush-on-connect.
func New(store routerstore.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:       store,
		logger:      logger,
		connections: make(map[string]*Connection),
	}
}

// Register installs conn as the live channel for machineID, replacing and
// closing any previous connection with wire.CloseReplaced, then flushes
// that machine's queued commands in FIFO order.
func (m *Manager) Register(ctx context.Context, machineID string, rawConn *websocket.Conn) *Connection {
	c := newConnection(machineID, rawConn, m.logger)

	m.mu.Lock()
	old, existed := m.connections[machineID]
	m.connections[machineID] = c
	m.mu.Unlock()

	if existed {
		m.logger.Info("replacing existing machine connection", "machine_id", machineID)
		old.close(websocket.StatusCode(wire.CloseReplaced), "replaced by newer connection")
	}

	m.flush(ctx, c)
	return c
}

// Unregister removes current from the registry only if it is still the
// connection currently registered for its machine, avoiding a race where
// a replacement connection has already taken the slot.
func (m *Manager) Unregister(current *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.connections[current.MachineID]; ok && existing == current {
		delete(m.connections, current.MachineID)
	}
}

// Get returns the live connection for machineID, if any.
func (m *Manager) Get(machineID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[machineID]
	return c, ok
}

// IsOnline reports whether machineID currently has a live channel.
func (m *Manager) IsOnline(machineID string) bool {
	_, ok := m.Get(machineID)
	return ok
}

// CountOnline returns the number of machines with a live channel.
func (m *Manager) CountOnline() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Dispatch sends entry to machineID's live channel if one exists, marking
// it sent in the store on success. It returns false without error when the
// machine is offline; the caller (webhook handler) leaves the entry queued.
// A non-nil error means the transmit itself failed or the store could not
// record it as sent; either way the caller must leave entry (and anything
// queued behind it) in place rather than treat it as delivered.
func (m *Manager) Dispatch(ctx context.Context, machineID string, entry *routerstore.CommandQueueEntry) (bool, error) {
	c, ok := m.Get(machineID)
	if !ok {
		return false, nil
	}

	frame := wire.CommandFrame{
		CommandID: commandID(entry.ID),
		SessionID: entry.SessionID,
		Command:   entry.CommandText,
		ChatID:    entry.ChatID,
	}
	if err := c.SendCommand(ctx, frame); err != nil {
		return false, fmt.Errorf("transmitting command %d: %w", entry.ID, err)
	}

	now := time.Now()
	if err := m.store.MarkSent(ctx, entry.ID, now); err != nil {
		return true, err
	}
	return true, nil
}

// flush sends every queued command for c's machine, in FIFO order, over
// the just-established channel. A dispatch failure breaks the loop rather
// than skipping to the next entry, so a transmit failure on an earlier
// command can never let a later one jump ahead of it.
func (m *Manager) flush(ctx context.Context, c *Connection) {
	entries, err := m.store.ListQueued(ctx, c.MachineID)
	if err != nil {
		m.logger.Error("listing queued commands for flush", "machine_id", c.MachineID, "error", err)
		return
	}

	for _, entry := range entries {
		if _, err := m.Dispatch(ctx, c.MachineID, entry); err != nil {
			m.logger.Error("flush dispatch failed, leaving later entries queued", "machine_id", c.MachineID, "entry_id", entry.ID, "error", err)
			break
		}
	}
}
