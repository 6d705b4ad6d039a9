// Package altstratum carries the Stratum dispatch/broadcast path (§4.F)
// over two alternate transports instead of reimplementing it: a WebSocket
// getwork variant and a TLS-only "xatum"-style listener. Both adapt a
// foreign connection type into a net.Conn and hand it to
// stratum.Server.ServeConn, so mining.subscribe/submit/notify semantics
// stay in exactly one place. Grounded on the teacher's
// internal/slave/websocket.go (gorilla/websocket upgrade handler, one
// goroutine per connection) and internal/slave/xatum.go (TLS listener,
// same accept-loop shape as the plain Stratum server).
package altstratum

import (
	"bytes"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tos-network/stratum-pool/internal/stratum"
	"github.com/tos-network/stratum-pool/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketConfig configures the getwork-over-WebSocket listener.
type WebSocketConfig struct {
	Bind string
}

// WebSocketServer upgrades HTTP connections to WebSocket and feeds each one
// into the Stratum dispatch path as an ordinary newline-JSON session.
type WebSocketServer struct {
	cfg     WebSocketConfig
	stratum *stratum.Server
	http    *http.Server
}

// NewWebSocketServer builds a WebSocket front end for an existing Stratum
// server. It shares that server's sessions/policy/distributor state; it
// owns no mining state of its own.
func NewWebSocketServer(cfg WebSocketConfig, srv *stratum.Server) *WebSocketServer {
	return &WebSocketServer{cfg: cfg, stratum: srv}
}

// Start begins accepting WebSocket connections.
func (s *WebSocketServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	s.http = &http.Server{Addr: s.cfg.Bind, Handler: mux}
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return err
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			util.Errorf("websocket getwork server error: %v", err)
		}
	}()
	util.Infof("websocket getwork listening on %s", s.cfg.Bind)
	return nil
}

// Stop closes the listener and the HTTP server's own connections. Connections
// already upgraded to WebSocket are hijacked from the HTTP server and are not
// closed by Stop.
func (s *WebSocketServer) Stop() error {
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}

func (s *WebSocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warnf("websocket upgrade failed: %v", err)
		return
	}
	s.stratum.ServeConn(&wsConn{ws: conn})
}

// wsConn adapts a *websocket.Conn into a net.Conn, buffering one websocket
// text frame per Read call and appending the newline the Stratum session
// loop's framer needs to recognize a complete message.
type wsConn struct {
	ws  *websocket.Conn
	buf []byte

	writeMu sync.Mutex
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.buf) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.buf = append(data, '\n')
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := c.ws.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(p, []byte("\n")))
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
