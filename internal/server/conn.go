package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ljhlovehui/rustdesk-server/internal/protocol"
)

const (
	// connIdleTimeout bounds how long a stream connection may sit without
	// traffic before the server drops it.
	connIdleTimeout = 30 * time.Second

	// natProbeTimeout bounds the single request/response exchange on the
	// NAT-probe port.
	natProbeTimeout = 10 * time.Second
)

// streamResponder writes framed envelopes back on a TCP connection. Replies
// may come from spawned goroutines, so writes are serialized.
type streamResponder struct {
	mu   sync.Mutex
	conn net.Conn
}

func (r *streamResponder) Reply(env *protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(connIdleTimeout))
	if err := protocol.WriteFrame(r.conn, env); err != nil {
		log.Printf("WARN: write to %s failed: %v", r.conn.RemoteAddr(), err)
	}
}

func (r *streamResponder) RemoteAddr() net.Addr { return r.conn.RemoteAddr() }

// serveStream runs one framed TCP connection until it closes, idles out,
// or sends a malformed frame. Panics in handlers are contained here so one
// bad connection cannot take down the event loop.
func (h *handler) serveStream(ctx context.Context, conn net.Conn) {
	defer logPanic("tcp connection")
	defer conn.Close()

	resp := &streamResponder{conn: conn}
	for {
		conn.SetReadDeadline(time.Now().Add(connIdleTimeout))
		env, err := protocol.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("WARN: closing %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		h.dispatch(ctx, env, resp)
	}
}

// serveNatProbe answers exactly one NAT classification exchange: the
// response carries the source port the server observed for the connection.
func (h *handler) serveNatProbe(conn net.Conn) {
	defer logPanic("nat probe connection")
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(natProbeTimeout))
	env, err := protocol.ReadFrame(conn)
	if err != nil || env.TestNatRequest == nil {
		return
	}
	h.handleTestNat(env.TestNatRequest, &streamResponder{conn: conn})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The rendezvous protocol is not a browser-credential surface.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsResponder writes bare envelopes as binary WebSocket messages.
type wsResponder struct {
	mu   sync.Mutex
	ws   *websocket.Conn
	addr net.Addr
}

func (r *wsResponder) Reply(env *protocol.Envelope) {
	payload, err := protocol.Marshal(env)
	if err != nil {
		log.Printf("ERROR: marshal websocket reply: %v", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ws.SetWriteDeadline(time.Now().Add(connIdleTimeout))
	if err := r.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		log.Printf("WARN: websocket write to %s failed: %v", r.addr, err)
	}
}

func (r *wsResponder) RemoteAddr() net.Addr { return r.addr }

// serveWebSocket upgrades one accepted connection and speaks the same
// envelope protocol over binary messages, one envelope per message. The
// upgrade runs through an http.Server over a single-connection listener so
// the accept loop stays transport-agnostic.
func (h *handler) serveWebSocket(ctx context.Context, conn net.Conn) {
	defer logPanic("websocket connection")

	srv := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ws, err := wsUpgrader.Upgrade(w, r, nil)
			if err != nil {
				log.Printf("WARN: websocket upgrade from %s failed: %v", conn.RemoteAddr(), err)
				return
			}
			h.serveWSMessages(ctx, ws, conn.RemoteAddr())
		}),
	}
	err := srv.Serve(newSingleConnListener(conn))
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("WARN: websocket serve for %s finished: %v", conn.RemoteAddr(), err)
	}
}

func (h *handler) serveWSMessages(ctx context.Context, ws *websocket.Conn, addr net.Addr) {
	defer ws.Close()
	resp := &wsResponder{ws: ws, addr: addr}
	for {
		ws.SetReadDeadline(time.Now().Add(connIdleTimeout))
		kind, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		env, err := protocol.Unmarshal(payload)
		if err != nil {
			log.Printf("WARN: dropping malformed websocket message from %s: %v", addr, err)
			continue
		}
		h.dispatch(ctx, env, resp)
	}
}

// singleConnListener hands an already-accepted connection to an
// http.Server exactly once, then reports closed.
type singleConnListener struct {
	conn net.Conn
	once sync.Once
}

func newSingleConnListener(conn net.Conn) net.Listener {
	return &singleConnListener{conn: conn}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	var c net.Conn
	l.once.Do(func() { c = l.conn })
	if c == nil {
		return nil, net.ErrClosed
	}
	return c, nil
}

func (l *singleConnListener) Close() error { return l.conn.Close() }

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
