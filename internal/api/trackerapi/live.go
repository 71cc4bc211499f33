package trackerapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BearBump/TrackLive/internal/auth"
	"github.com/BearBump/TrackLive/internal/fanout"
	"github.com/BearBump/TrackLive/internal/models"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pkg/errors"
)

const eventLocationUpdate = "locationUpdate"

// wsConn adapts a WebSocket session to fanout.Conn.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, ev models.PositionEvent) error {
	return wsjson.Write(ctx, w.c, liveEvent{Type: eventLocationUpdate, Data: ev})
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusGoingAway, reason)
}

// live upgrades to a WebSocket bound to the caller's account. Identity is
// proven at the handshake, from the Authorization header or the token query
// parameter.
func (a *API) live(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	acc, err := a.verifier.Verify(token)
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.origins})
	if err != nil {
		slog.Warn("websocket accept failed", "account_id", acc, "err", err)
		return
	}

	sub, err := a.hub.Subscribe(&wsConn{c: c}, acc)
	if err != nil {
		code := websocket.StatusInternalError
		if errors.Is(err, fanout.ErrHubClosed) {
			code = websocket.StatusGoingAway
		}
		_ = c.Close(code, "subscribe failed")
		return
	}
	defer a.hub.Unsubscribe(sub)
	slog.Info("live channel opened", "account_id", acc, "subscription", sub.ID())

	// Клиент ничего полезного не шлёт; читаем только чтобы заметить отключение.
	ctx := r.Context()
	for {
		if _, _, err := c.Read(ctx); err != nil {
			slog.Info("live channel closed", "account_id", acc, "subscription", sub.ID(), "status", websocket.CloseStatus(err))
			return
		}
	}
}
