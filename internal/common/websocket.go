package common

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// WebSocketConn implements io.ReadWriteCloser
// it makes websocket.Conn a byte stream: every Write is sent as one binary message, and Read
// continues a partially read message before moving on to the next one
type WebSocketConn struct {
	*websocket.Conn
	writeM sync.Mutex

	// only touched by Read
	r io.Reader
}

func (ws *WebSocketConn) Write(data []byte) (int, error) {
	ws.writeM.Lock()
	err := ws.WriteMessage(websocket.BinaryMessage, data)
	ws.writeM.Unlock()
	if err != nil {
		return 0, err
	} else {
		return len(data), nil
	}
}

func (ws *WebSocketConn) Read(buf []byte) (n int, err error) {
	for {
		if ws.r == nil {
			var t int
			t, ws.r, err = ws.NextReader()
			if err != nil {
				return 0, err
			}
			if t != websocket.BinaryMessage {
				ws.r = nil
				continue
			}
		}
		n, err = ws.r.Read(buf)
		if err == io.EOF {
			ws.r = nil
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (ws *WebSocketConn) Close() error {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	return ws.Conn.Close()
}

func (ws *WebSocketConn) SetDeadline(t time.Time) error {
	err := ws.SetReadDeadline(t)
	if err != nil {
		return err
	}
	err = ws.SetWriteDeadline(t)
	if err != nil {
		return err
	}
	return nil
}

// WsAcceptHandler upgrades every request it serves to a websocket and hands the resulting
// WebSocketConn out through Conns
type WsAcceptHandler struct {
	upgrader websocket.Upgrader
	conns    chan *WebSocketConn
}

func NewWsAcceptHandler() *WsAcceptHandler {
	return &WsAcceptHandler{conns: make(chan *WebSocketConn)}
}

func (h *WsAcceptHandler) Conns() <-chan *WebSocketConn { return h.conns }

func (h *WsAcceptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("failed to upgrade connection to ws: %v", err)
		return
	}
	h.conns <- &WebSocketConn{Conn: c}
}
