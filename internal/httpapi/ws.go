package httpapi

import (
	"encoding/json"
	"net/http"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/suburbhost/suburb/internal/loghub"
)

// wsClient adapts a websocket connection to the log hub's subscriber
// contract. Entries go out as one JSON text message per line.
type wsClient struct {
	conn *websocket.Conn
	log  *slog.Logger
}

func newWSClient(conn *websocket.Conn, logger *slog.Logger) *wsClient {
	return &wsClient{conn: conn, log: logger}
}

func (c *wsClient) Send(entry loghub.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

func (c *wsClient) Close() {
	_ = c.conn.Close()
}

// handleLogsWS streams a site's retained history followed by live output
// until the client disconnects.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	site := req.URL.Query().Get("site")
	if site == "" {
		writeError(w, http.StatusBadRequest, "site query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := newWSClient(conn, r.logger)
	for _, entry := range r.hub.History(site) {
		if err := client.Send(entry); err != nil {
			client.Close()
			return
		}
	}
	r.hub.Register(site, client)
	go func() {
		defer func() {
			r.hub.Unregister(site, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
