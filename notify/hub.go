package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jupark12/recipe-ingest/models"
)

const writeWait = 5 * time.Second

// Hub handles WebSocket connections and broadcasts job updates and
// recipe-ready events to every connected client.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{} // closed when the loop exits
	mu         sync.Mutex
	logger     *slog.Logger
}

// NewHub creates a hub. Call Start before registering clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Start runs the hub loop until ctx is done, then closes every client.
func (h *Hub) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				close(h.done)
				h.mu.Lock()
				for client := range h.clients {
					client.Close()
					delete(h.clients, client)
				}
				h.mu.Unlock()
				return
			case client := <-h.register:
				h.mu.Lock()
				h.clients[client] = true
				n := len(h.clients)
				h.mu.Unlock()
				h.logger.Info("websocket client connected", "clients", n)
			case client := <-h.unregister:
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					client.Close()
				}
				n := len(h.clients)
				h.mu.Unlock()
				h.logger.Info("websocket client disconnected", "clients", n)
			case message := <-h.broadcast:
				h.mu.Lock()
				for client := range h.clients {
					client.SetWriteDeadline(time.Now().Add(writeWait))
					if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
						h.logger.Warn("websocket send failed", "err", err)
						client.Close()
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}()
}

// BroadcastJobUpdate sends a job_update message for job.
func (h *Hub) BroadcastJobUpdate(job *models.Job) {
	update := map[string]any{
		"type":          "job_update",
		"job_id":        job.ID,
		"status":        job.Status,
		"progress":      job.Progress,
		"attempt_count": job.Attempts,
		"timestamp":     job.UpdatedAt,
	}
	if job.Status == models.StatusFailed && job.LastError != nil {
		update["error"] = job.LastError
	}

	data, err := json.Marshal(update)
	if err != nil {
		h.logger.Error("marshal job update", "job_id", job.ID, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("websocket broadcast buffer full, dropping update", "job_id", job.ID)
	}
}

// Notify sends a recipe_ready message.
func (h *Hub) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(map[string]any{
		"type":         "recipe_ready",
		"job_id":       ev.JobID,
		"requester_id": ev.RequesterID,
		"recipe_name":  ev.RecipeName,
	})
	if err != nil {
		return fmt.Errorf("marshal recipe_ready: %w", err)
	}
	select {
	case <-h.done:
		return fmt.Errorf("hub stopped")
	default:
	}
	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return fmt.Errorf("hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterClient registers a new WebSocket client
func (h *Hub) RegisterClient(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

// UnregisterClient unregisters a WebSocket client
func (h *Hub) UnregisterClient(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
