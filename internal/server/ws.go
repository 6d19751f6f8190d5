package server

import (
	"bytes"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from whatever origin hosts them.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("SRV: websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	conn := &wsConn{ws: ws}
	s.track(conn)
	defer s.untrack(conn)
	s.front.Serve(conn)
}

// wsConn adapts a websocket session to net.Conn so the front end can
// treat framed messages as a line stream. Web clients tend to send one
// command per frame without a terminator, so Read supplies one.
type wsConn struct {
	ws       *websocket.Conn
	leftover []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.leftover) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if !bytes.HasSuffix(data, []byte("\n")) {
			data = append(data, '\r', '\n')
		}
		c.leftover = data
	}
	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error           { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr    { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr   { return c.ws.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
