package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/runrelay/runrelay/internal/notify"
	"github.com/runrelay/runrelay/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is already open cross-origin; the upgrade follows suit.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleExecutionWS upgrades the request to a websocket and registers it for
// live updates on the (caller, execution) pair. Ownership is checked before
// the upgrade so rejections stay plain HTTP. The connection stays registered
// until the client disconnects; inbound frames are drained and ignored.
func (s *Server) handleExecutionWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := callerID(r)

	record, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution for ws", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	if record.UserID != userID {
		s.writeError(w, http.StatusForbidden, "access denied")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "execution_id", id, "error", err)
		return
	}

	s.hub.Register(r.Context(), userID, id, conn)

	// Initial snapshot so the client does not have to race the next update.
	if err := conn.WriteJSON(notify.Envelope{
		Type:        notify.TypeExecutionUpdate,
		ExecutionID: id,
		Data:        record,
	}); err != nil {
		s.logger.Warn("initial snapshot send failed", "execution_id", id, "error", err)
	}

	// Drain inbound frames; the read failing is the disconnect signal.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// The request context is gone once the client disconnects; cleanup gets
	// its own. Deregistration is conn-scoped: if the client already
	// reconnected, the new registration survives this handler's exit.
	s.hub.DeregisterConn(context.Background(), userID, id, conn)
	conn.Close()
}
