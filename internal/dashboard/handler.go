package dashboard

import (
	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/engine"
)

// Handler turns engine notifications into dashboard messages and passes
// them on to another listener, usually the terminal printer of the watch
// command.
type Handler struct {
	server *Server
	next   engine.Listener
	logger *zap.Logger
}

// NewHandler connects engine events to server. next may be nil.
func NewHandler(server *Server, next engine.Listener, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{server: server, next: next, logger: logger.Named("dashboard")}
}

// OnFileChanged implements engine.Listener.
func (h *Handler) OnFileChanged(newPath string) {
	h.server.Publish(MessageTypeFileChanged, FileChangedData{NewPath: newPath})
	if h.next != nil {
		h.next.OnFileChanged(newPath)
	}
}

// OnPendingChanges implements engine.PendingListener.
func (h *Handler) OnPendingChanges(pending bool) {
	h.server.Publish(MessageTypePending, PendingData{Pending: pending})
	if l, ok := h.next.(engine.PendingListener); ok {
		l.OnPendingChanges(pending)
	}
}

// OnConnectivity implements engine.ConnectivityListener.
func (h *Handler) OnConnectivity(online bool) {
	h.server.Publish(MessageTypeConnectivity, ConnectivityData{Online: online})
	if l, ok := h.next.(engine.ConnectivityListener); ok {
		l.OnConnectivity(online)
	}
}

// OnSyncError implements engine.ErrorListener. Conflict renames are not
// failures and get their own message type.
func (h *Handler) OnSyncError(op string, err error) {
	if ce, ok := engine.IsConflict(err); ok {
		h.server.Publish(MessageTypeConflictRenamed, FileChangedData{Path: ce.Path, NewPath: ce.NewPath})
	} else {
		h.server.Publish(MessageTypeSyncError, SyncErrorData{
			Op:        op,
			Error:     err.Error(),
			Transient: engine.IsTransient(err),
		})
	}
	if l, ok := h.next.(engine.ErrorListener); ok {
		l.OnSyncError(op, err)
	}
}

var (
	_ engine.Listener             = (*Handler)(nil)
	_ engine.PendingListener      = (*Handler)(nil)
	_ engine.ConnectivityListener = (*Handler)(nil)
	_ engine.ErrorListener        = (*Handler)(nil)
)
