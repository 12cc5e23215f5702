package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/medicall/internal/protocol"
	"github.com/1ureka/medicall/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes a Hub over HTTP: GET /ws upgrades to a relay connection,
// GET /healthz reports the hub's size.
type Server struct {
	hub *Hub
	ctx context.Context
}

// NewServer creates a server for hub. Connections end when ctx is done.
func NewServer(ctx context.Context, hub *Hub) *Server {
	return &Server{hub: hub, ctx: ctx}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.serveWS)
	r.Get("/healthz", s.serveHealth)

	return r
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		hub:  s.hub,
		ws:   ws,
		send: make(chan protocol.Message, sendBuffer),
	}

	select {
	case s.hub.register <- c:
	case <-s.ctx.Done():
		ws.Close()
		return
	}

	go c.writePump()
	go c.readPump(s.ctx)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.hub.Clients(),
		"members": s.hub.Members(),
	})
}

// ListenAndServe runs the hub and serves on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return Serve(ctx, ln)
}

// Serve runs the hub and serves on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener) error {
	hub := NewHub()
	go hub.Run(ctx)

	srv := &http.Server{
		Handler:           NewServer(ctx, hub).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		util.LogInfo("relay listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	return nil
}
