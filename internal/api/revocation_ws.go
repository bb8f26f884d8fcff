package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yingzhisoft/license-server/internal/revocation"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Sync clients connect from edge hosts, not browsers; origin checks
	// would only block legitimate consumers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RevocationFeed pushes new revocation entries to connected sync clients so
// they learn about pulls without polling ListRevocations.
type RevocationFeed struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewRevocationFeed() *RevocationFeed {
	return &RevocationFeed{conns: make(map[*websocket.Conn]struct{})}
}

// Serve upgrades the connection and keeps it registered until the peer goes
// away. The read loop only consumes control frames.
// GET /api/v1/revocations/feed
func (f *RevocationFeed) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("revocation feed upgrade failed: %v", err)
		return
	}

	f.mu.Lock()
	f.conns[conn] = struct{}{}
	f.mu.Unlock()

	go func() {
		defer f.drop(conn)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast fans one revocation out to every connected client. Slow or dead
// peers are dropped rather than blocking the rest.
func (f *RevocationFeed) Broadcast(entry revocation.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for conn := range f.conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(entry); err != nil {
			conn.Close()
			delete(f.conns, conn)
		}
	}
}

func (f *RevocationFeed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn.Close()
	delete(f.conns, conn)
}

// Count reports connected clients, for the health endpoint.
func (f *RevocationFeed) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}
