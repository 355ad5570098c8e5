package httpremote

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/minisync/internal/utils"
	"github.com/openmined/minisync/internal/version"
)

const (
	notifyReconnectMin = time.Second
	notifyReconnectMax = time.Minute
)

// Subscribe opens the server's notify websocket. The returned channel gets a
// value (coalesced) whenever the server accepts new history, and is closed
// when ctx is done. Dropped connections are re-dialled with backoff.
func (p *Provider) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	conn, err := p.dialNotify(ctx)
	if err != nil {
		return nil, err
	}

	notes := make(chan struct{}, 1)
	go func() {
		defer close(notes)

		backoff := notifyReconnectMin
		for {
			if conn != nil {
				p.readNotifications(ctx, conn, notes)
				backoff = notifyReconnectMin
			}
			conn = nil

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			conn, err = p.dialNotify(ctx)
			if err != nil {
				slog.Warn("notify reconnect", "error", err, "retry", backoff)
				backoff = min(backoff*2, notifyReconnectMax)
				continue
			}
			slog.Debug("notify reconnected")
			// changes may have landed while disconnected
			signal(notes)
		}
	}()
	return notes, nil
}

func (p *Provider) dialNotify(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := notifyURL(p.serverURL, p.vaultID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, statusError("notify", resp.StatusCode, &APIError{})
		}
		return nil, err
	}
	return conn, nil
}

func (p *Provider) readNotifications(ctx context.Context, conn *websocket.Conn, notes chan struct{}) {
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !isExpectedClose(err) {
				slog.Warn("notify read", "error", err)
			}
			return
		}

		var n Notification
		if err := utils.JSONUnmarshal(data, &n); err != nil {
			slog.Warn("notify decode", "error", err)
			continue
		}
		if n.Type == NotificationHistory {
			signal(notes)
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func notifyURL(serverURL, vaultID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", ErrNoServerURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + strings.Replace(RouteNotify, "{vault}", vaultID, 1)
	return u.String(), nil
}

func isExpectedClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
