package wsproto

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/malcolmhoward/dawn/internal/authn"
)

// upgrader is shared across connections; CheckOrigin defers to the session
// cookie already validated by the auth gate (spec §4.2's gate covers this
// route too), matching the teacher's pattern of trusting an upstream auth
// mechanism over browser origin headers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades one HTTP request to a WebSocket connection and runs its
// reader loop until the client disconnects (spec §4.6). The writer side
// runs on its own goroutine (Connection.writerLoop) so reads and writes
// never block on one another.
func (d *Dispatcher) Handler() http.HandlerFunc {
	logger := d.logger()
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", "error", err)
			return
		}

		var authSess *authn.AuthSession
		if cookie, err := r.Cookie("dawn_session"); err == nil && d.AuthStore != nil {
			if s, found, err := d.AuthStore.GetSession(cookie.Value); err == nil && found {
				authSess = s
			}
		}

		c := newConnection(ws, r.RemoteAddr, authSess, logger)
		go c.writerLoop()
		d.readLoop(c)
	}
}

// readLoop is the connection's single reader goroutine: the only goroutine
// permitted to call ws.ReadMessage (spec §5 "All socket I/O ... runs on the
// service loop only" mapped onto the reader/writer-goroutine split described
// in connection.go's package doc).
func (d *Dispatcher) readLoop(c *Connection) {
	defer func() {
		if ref := c.SessionRef(); ref != nil {
			d.unregister(ref.Session().ID, c)
		}
		c.Close()
	}()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read error", "conn_id", c.ID, "error", err)
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			d.Dispatch(c, data)
		case websocket.BinaryMessage:
			d.DispatchBinary(c, data)
		}
	}
}
