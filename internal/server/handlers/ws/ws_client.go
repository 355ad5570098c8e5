package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/openmined/minisync/internal/remote/httpremote"
)

const (
	writeTimeout   = 20 * time.Second
	pingPeriod     = 30 * time.Second
	shutdownReason = "shutdown"
	clientQueue    = 16
)

// WebsocketClient is one subscriber of a vault's notifications. Clients only
// listen; anything they send is read and discarded.
type WebsocketClient struct {
	ConnID string
	Info   *ClientInfo
	MsgTx  chan *httpremote.Notification
	Closed chan struct{}

	conn      *websocket.Conn
	wsDone    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWebsocketClient(conn *websocket.Conn, info *ClientInfo) *WebsocketClient {
	return &WebsocketClient{
		ConnID: uuid.NewString()[:8],
		Info:   info,
		MsgTx:  make(chan *httpremote.Notification, clientQueue),
		Closed: make(chan struct{}),
		wsDone: make(chan struct{}),
		conn:   conn,
	}
}

func (c *WebsocketClient) Start(ctx context.Context) {
	slog.Debug("wsclient start", "connId", c.ConnID, "vault", c.Info.VaultID)
	c.wg.Add(2)
	go c.writeLoop(ctx)
	go c.readLoop(ctx)
}

func (c *WebsocketClient) Close() {
	c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
	c.wg.Wait()
}

func (c *WebsocketClient) closeConnection(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.wsDone)
		c.conn.Close(status, reason)
		close(c.Closed)
		slog.Debug("wsclient closed", "connId", c.ConnID)
	})
}

func (c *WebsocketClient) readLoop(ctx context.Context) {
	defer func() {
		c.wg.Done()
		c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				// connection closed by client
			} else if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusNoStatusRcvd && status != websocket.StatusGoingAway {
				slog.Warn("wsclient reader", "error", err, "connId", c.ConnID)
			}
			return
		}
	}
}

func (c *WebsocketClient) writeLoop(ctx context.Context) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.wg.Done()
		c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
	}()

	for {
		select {
		case msg := <-c.MsgTx:
			ctxWrite, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(ctxWrite, c.conn, msg)
			cancel()
			if err != nil {
				slog.Warn("wsclient writer", "connId", c.ConnID, "type", msg.Type, "error", err)
				return
			}

		case <-ping.C:
			ctxPing, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(ctxPing)
			cancel()
			if err != nil {
				slog.Debug("wsclient ping", "connId", c.ConnID, "error", err)
				return
			}

		case <-c.wsDone:
			return

		case <-ctx.Done():
			return
		}
	}
}
