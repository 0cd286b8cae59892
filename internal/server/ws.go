package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/companion-dev/companion/internal/logging"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checks belong to the deployment's proxy; the bridge itself
	// does not authenticate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSocket adapts a gorilla connection to the bridge Socket interface.
// gorilla/websocket requires a single writer, so writes are serialized with
// a mutex and bounded by a deadline.
type wsSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn}
}

func (s *wsSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *wsSocket) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// browserSocket upgrades a browser connection and pumps its frames through
// the session's browser router until it drops.
func (s *Server) browserSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("browser upgrade failed")
		return
	}

	sock := newWSSocket(conn)
	sess := s.registry.HandleBrowserOpen(id, sock)

	stop := keepAlive(sock)
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		sess.HandleBrowserMessage(sock, data)
	}
	sess.HandleBrowserClose(sock)
	conn.Close()
}

// cliSocket upgrades an upstream connection for socket-mode CLIs and feeds
// its newline-delimited JSON through the session's ingress.
func (s *Server) cliSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("upstream upgrade failed")
		return
	}

	sock := newWSSocket(conn)
	sess := s.registry.HandleCLIOpen(id, sock)

	stop := keepAlive(sock)
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		// WebSocket message boundaries replace stream chunking; terminate
		// each message so the line ingress sees it whole.
		sess.HandleCLIData(append(data, '\n'))
	}
	sess.HandleCLIClose()
	conn.Close()
}

// keepAlive pings the peer until stopped.
func keepAlive(sock *wsSocket) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sock.ping(); err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
