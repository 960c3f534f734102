package dashboard

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/signalcast/signalsync/internal/syncengine/coordinator"
	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/realtime"
)

// SignalUpdateData describes a signal change.
type SignalUpdateData struct {
	LocalID    string `json:"localId"`
	Action     string `json:"action"`
	CloudID    *int64 `json:"cloudId,omitempty"`
	Question   string `json:"question,omitempty"`
	Status     string `json:"status,omitempty"`
	SyncStatus string `json:"syncStatus,omitempty"`
	SyncError  string `json:"syncError,omitempty"`
}

// SyncCompleteData is the summary of one sync run.
type SyncCompleteData struct {
	coordinator.Report
	DurationMS int64 `json:"durationMs"`
}

// ChannelStateData reports the realtime channel state.
type ChannelStateData struct {
	State string `json:"state"`
}

// Handler turns coordinator notifications into dashboard messages. It
// implements coordinator.Observer.
type Handler struct {
	server *Server
	store  *db.DB
	logger *log.Logger
}

var _ coordinator.Observer = (*Handler)(nil)

// NewHandler creates a handler broadcasting on server. Stats are read from
// store; a new client is greeted with the current stats.
func NewHandler(server *Server, store *db.DB, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	h := &Handler{
		server: server,
		store:  store,
		logger: logger,
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// OnSignalChanged broadcasts the signal's current state and refreshed stats.
func (h *Handler) OnSignalChanged(localID string, change coordinator.Change) {
	data := SignalUpdateData{
		LocalID: localID,
		Action:  string(change),
	}

	if change != coordinator.ChangeDeleted {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		sig, err := h.store.GetSignalContext(ctx, localID)
		cancel()
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			h.logger.Printf("Failed to load signal %s: %v", localID, err)
		default:
			data.CloudID = sig.CloudID
			data.Question = sig.Question
			data.Status = string(sig.Status)
			data.SyncStatus = string(sig.SyncStatus)
			data.SyncError = sig.SyncError
		}
	}

	h.send(MessageTypeSignalUpdate, data)
	h.broadcastStats()
}

// OnSyncComplete broadcasts the run report and refreshed stats.
func (h *Handler) OnSyncComplete(report coordinator.Report) {
	h.send(MessageTypeSyncComplete, SyncCompleteData{
		Report:     report,
		DurationMS: report.Duration.Milliseconds(),
	})
	if report.Changed() {
		h.broadcastStats()
	}
}

// OnChannelState broadcasts a channel transition.
func (h *Handler) OnChannelState(state realtime.State) {
	h.send(MessageTypeChannelState, ChannelStateData{State: state.String()})
}

func (h *Handler) send(typ MessageType, data any) {
	msg, err := NewMessage(typ, data)
	if err != nil {
		h.logger.Printf("%v", err)
		return
	}
	h.server.Broadcast(msg)
}

func (h *Handler) broadcastStats() {
	if msg, ok := h.statsMessage(); ok {
		h.server.Broadcast(msg)
	}
}

func (h *Handler) statsMessage() (Message, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		h.logger.Printf("Failed to read stats: %v", err)
		return Message{}, false
	}
	msg, err := NewMessage(MessageTypeStats, stats)
	if err != nil {
		h.logger.Printf("%v", err)
		return Message{}, false
	}
	return msg, true
}
