// Package notify fans execution state changes out to live client connections.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/runrelay/runrelay/internal/store"
)

// Message type constants for envelope frames.
const (
	TypeExecutionUpdate = "execution_update"
	TypeBroadcast       = "broadcast"
)

// Envelope is the frame delivered to live connections.
type Envelope struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id,omitempty"`
	Data        any    `json:"data"`
}

// Conn is one live client connection. Satisfied by *websocket.Conn.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

type connKey struct {
	userID      string
	executionID string
}

// Hub is the process-local registry of live connections, keyed by
// (user, execution). At most one connection per key is authoritative; a new
// registration replaces the old one. The hub mirrors an existence marker into
// the store so other processes can discover registered channels. Safe for
// concurrent use.
type Hub struct {
	mu     sync.Mutex
	conns  map[connKey]Conn
	store  store.Store
	logger *slog.Logger
}

// NewHub creates an empty connection hub.
func NewHub(s store.Store, logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[connKey]Conn),
		store:  s,
		logger: logger,
	}
}

// Register installs a connection for the (user, execution) pair, replacing
// and closing any existing one, and mirrors the marker into the store.
func (h *Hub) Register(ctx context.Context, userID, executionID string, conn Conn) {
	key := connKey{userID, executionID}

	h.mu.Lock()
	old, replaced := h.conns[key]
	h.conns[key] = conn
	h.mu.Unlock()

	if replaced && old != conn {
		old.Close()
	}

	if err := h.store.SetConnectionMarker(ctx, userID, executionID); err != nil {
		h.logger.Warn("set connection marker", "user_id", userID, "execution_id", executionID, "error", err)
	}

	h.logger.Debug("connection registered", "user_id", userID, "execution_id", executionID, "replaced", replaced)
}

// Deregister removes the connection for the (user, execution) pair and clears
// the store marker. The connection itself is not closed; the caller owns its
// lifecycle.
func (h *Hub) Deregister(ctx context.Context, userID, executionID string) {
	key := connKey{userID, executionID}

	h.mu.Lock()
	delete(h.conns, key)
	h.mu.Unlock()

	if err := h.store.DeleteConnectionMarker(ctx, userID, executionID); err != nil {
		h.logger.Warn("delete connection marker", "user_id", userID, "execution_id", executionID, "error", err)
	}

	h.logger.Debug("connection deregistered", "user_id", userID, "execution_id", executionID)
}

// DeregisterConn removes the registration for the (user, execution) pair only
// while conn is still the registered connection. A registration that raced in
// after conn was displaced wins over the pending cleanup; the displaced
// handler's deregister is then a no-op. The connection itself is not closed;
// the caller owns its lifecycle.
func (h *Hub) DeregisterConn(ctx context.Context, userID, executionID string, conn Conn) {
	key := connKey{userID, executionID}

	h.mu.Lock()
	current, registered := h.conns[key]
	removed := registered && current == conn
	if removed {
		delete(h.conns, key)
	}
	h.mu.Unlock()

	if !removed {
		h.logger.Debug("deregister skipped, connection already replaced",
			"user_id", userID, "execution_id", executionID)
		return
	}

	if err := h.store.DeleteConnectionMarker(ctx, userID, executionID); err != nil {
		h.logger.Warn("delete connection marker", "user_id", userID, "execution_id", executionID, "error", err)
	}

	h.logger.Debug("connection deregistered", "user_id", userID, "execution_id", executionID)
}

// dropFailed removes a connection that failed a send, but only while it is
// still the registered one: a registration that raced in after the failure
// wins over the pending cleanup.
func (h *Hub) dropFailed(ctx context.Context, key connKey, failed Conn) {
	h.mu.Lock()
	current, registered := h.conns[key]
	removed := registered && current == failed
	if removed {
		delete(h.conns, key)
	}
	h.mu.Unlock()

	failed.Close()
	if removed {
		if err := h.store.DeleteConnectionMarker(ctx, key.userID, key.executionID); err != nil {
			h.logger.Warn("delete connection marker", "user_id", key.userID, "execution_id", key.executionID, "error", err)
		}
	}
}

// NotifyExecutionUpdate delivers an execution_update envelope to the
// connection registered for the (user, execution) pair. No-op when none is
// registered; a failed delivery deregisters the connection with no retry.
func (h *Hub) NotifyExecutionUpdate(ctx context.Context, userID, executionID string, data any) {
	key := connKey{userID, executionID}

	h.mu.Lock()
	conn, ok := h.conns[key]
	h.mu.Unlock()
	if !ok {
		return
	}

	err := conn.WriteJSON(Envelope{
		Type:        TypeExecutionUpdate,
		ExecutionID: executionID,
		Data:        data,
	})
	if err != nil {
		h.logger.Warn("notify delivery failed, pruning connection",
			"user_id", userID, "execution_id", executionID, "error", err)
		h.dropFailed(ctx, key, conn)
		return
	}

	h.logger.Debug("execution update delivered", "user_id", userID, "execution_id", executionID)
}

// BroadcastToUser delivers a best-effort broadcast envelope to every
// execution-scoped connection registered for the user, pruning any that fail
// and continuing past individual failures.
func (h *Hub) BroadcastToUser(ctx context.Context, userID string, data any) {
	h.mu.Lock()
	targets := make(map[connKey]Conn)
	for key, conn := range h.conns {
		if key.userID == userID {
			targets[key] = conn
		}
	}
	h.mu.Unlock()

	for key, conn := range targets {
		err := conn.WriteJSON(Envelope{
			Type: TypeBroadcast,
			Data: data,
		})
		if err != nil {
			h.logger.Warn("broadcast delivery failed, pruning connection",
				"user_id", userID, "execution_id", key.executionID, "error", err)
			h.dropFailed(ctx, key, conn)
		}
	}
}

// Len reports the number of registered connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
