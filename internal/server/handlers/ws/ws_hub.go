package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/openmined/minisync/internal/remote/httpremote"
	"github.com/openmined/minisync/internal/server/handlers/api"
	"github.com/openmined/minisync/internal/server/vaults"
)

// WebsocketHub fans "history changed" notifications out to the clients
// subscribed to each vault.
type WebsocketHub struct {
	clients  map[string]*WebsocketClient // map of ConnID -> Client
	register chan *WebsocketClient
	ctx      context.Context
	cancel   context.CancelFunc

	wg sync.WaitGroup
	mu sync.RWMutex
}

func NewHub() *WebsocketHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebsocketHub{
		clients:  make(map[string]*WebsocketClient),
		register: make(chan *WebsocketClient),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (h *WebsocketHub) Run(ctx context.Context) {
	slog.Info("wshub started")
	defer slog.Info("wshub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ConnID] = client
			slog.Debug("wshub registered", "connId", client.ConnID, "user", client.Info.User, "vault", client.Info.VaultID, "active", len(h.clients))
			h.mu.Unlock()

			h.wg.Add(1)
			client.Start(h.ctx)
			go func() {
				<-client.Closed

				h.mu.Lock()
				delete(h.clients, client.ConnID)
				slog.Debug("wshub removed", "connId", client.ConnID, "active", len(h.clients))
				h.mu.Unlock()
				h.wg.Done()
			}()

		case <-ctx.Done():
			return
		}
	}
}

func (h *WebsocketHub) Shutdown(ctx context.Context) {
	h.cancel()

	h.mu.RLock()
	clients := make([]*WebsocketClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		go c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	slog.Info("wshub shutdown")
}

// Active returns the number of connected clients.
func (h *WebsocketHub) Active() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WebsocketHandler upgrades the request and subscribes the client to the
// vault named in the route.
func (h *WebsocketHub) WebsocketHandler(ctx *gin.Context) {
	vaultID := ctx.Param("vault")
	if !vaults.ValidID(vaultID) {
		api.AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, vaults.ErrInvalidVaultID)
		return
	}

	conn, err := websocket.Accept(ctx.Writer, ctx.Request, nil)
	if err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, fmt.Errorf("websocket accept failed: %w", err))
		return
	}

	client := NewWebsocketClient(conn, &ClientInfo{
		User:    ctx.GetString("user"),
		VaultID: vaultID,
		IPAddr:  ctx.ClientIP(),
		Version: ctx.GetHeader("User-Agent"),
	})

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close(websocket.StatusGoingAway, shutdownReason)
	}
}

// NotifyVault tells every subscriber of vaultID that its history moved.
func (h *WebsocketHub) NotifyVault(vaultID string, msg *httpremote.Notification) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, client := range h.clients {
		if client.Info.VaultID != vaultID {
			continue
		}
		select {
		case client.MsgTx <- msg:
			sent++
		default:
			slog.Warn("wshub send buffer full", "connId", client.ConnID, "vault", vaultID)
		}
	}
	return sent
}
