// Package sandbox streaming.go exposes a websocket-framed pixel stream for
// VNC-mode sandboxes, grounded on kubeclaw's websocket relay pattern
// (github.com/gorilla/websocket).
package sandbox

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// PixelRelay fans out raw frame bytes from a sandbox's pixel port to any
// number of subscribed websocket clients (the VNC viewer).
type PixelRelay struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewPixelRelay builds an empty relay.
func NewPixelRelay() *PixelRelay {
	return &PixelRelay{clients: map[*websocket.Conn]struct{}{}}
}

// ServeHTTP upgrades the connection and registers it as a subscriber until
// the client disconnects or the request context is cancelled.
func (p *PixelRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.clients[conn] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.clients, conn)
		p.mu.Unlock()
		conn.Close()
	}()

	// Drain inbound control messages (viewer resize/input events) until close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast fans a binary frame out to every connected viewer, dropping
// (not blocking on) any client whose write fails.
func (p *PixelRelay) Broadcast(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.clients {
		if err := c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			c.Close()
			delete(p.clients, c)
		}
	}
}

// Pump reads frames from src until ctx is done, broadcasting each to
// subscribed viewers.
func (p *PixelRelay) Pump(ctx context.Context, src <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-src:
			if !ok {
				return
			}
			p.Broadcast(frame)
		}
	}
}
