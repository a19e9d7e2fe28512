package common

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// DialTransport connects to addr over "tcp" or "websocket". For websocket, addr is a ws:// or
// wss:// URL and the TCP connection underneath is made through d.
func DialTransport(d Dialer, network, addr string) (io.ReadWriteCloser, error) {
	switch network {
	case "tcp":
		return d.Dial("tcp", addr)
	case "websocket":
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("parsing websocket url: %w", err)
		}
		wsDialer := websocket.Dialer{
			NetDial: func(network, address string) (net.Conn, error) {
				return d.Dial(network, address)
			},
		}
		c, _, err := wsDialer.Dial(u.String(), http.Header{})
		if err != nil {
			return nil, fmt.Errorf("failed to handshake websocket: %w", err)
		}
		return &WebSocketConn{Conn: c}, nil
	default:
		return nil, fmt.Errorf("unknown transport %v", network)
	}
}
