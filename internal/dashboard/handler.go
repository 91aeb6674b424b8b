package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/tracegraph/tracegraph/internal/schema"
)

// EntityUpdateData is the broadcast payload for one synced entity.
type EntityUpdateData struct {
	ExternalID    string  `json:"external_id"`
	Kind          string  `json:"kind"`
	Title         string  `json:"title"`
	State         string  `json:"state"`
	ParentID      string  `json:"parent_id,omitempty"`
	CompletionPct float64 `json:"completion_pct"`
	TrackerRef    *int64  `json:"tracker_ref,omitempty"`
}

// SyncFailedData is the broadcast payload for one failed apply.
type SyncFailedData struct {
	TrackerRef int64  `json:"tracker_ref"`
	Reason     string `json:"reason"`
}

// Handler bridges engine notifications onto the WebSocket broadcast. It
// implements engine.Notifier.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a handler feeding the server's broadcast channel.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}
	return &Handler{server: server, logger: logger}
}

// EntitySynced broadcasts a successful apply.
func (h *Handler) EntitySynced(e *schema.Entity) {
	data, err := json.Marshal(EntityUpdateData{
		ExternalID:    e.ExternalID,
		Kind:          string(e.Kind),
		Title:         e.Title,
		State:         e.State,
		ParentID:      e.ParentID,
		CompletionPct: e.CompletionPct,
		TrackerRef:    e.TrackerRef,
	})
	if err != nil {
		h.logger.Printf("failed to marshal entity update: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeEntityUpdate,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// SyncFailed broadcasts a failed apply.
func (h *Handler) SyncFailed(trackerRef int64, reason string) {
	data, err := json.Marshal(SyncFailedData{TrackerRef: trackerRef, Reason: reason})
	if err != nil {
		h.logger.Printf("failed to marshal sync failure: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeSyncFailed,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
