package tracker

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uchit66/reactive-interaction-gateway/internal/model"
)

const (
	msgSync  = "sync"
	msgJoin  = "join"
	msgLeave = "leave"
)

// wireMessage is the envelope exchanged between cluster peers.
type wireMessage struct {
	Type      string                `json:"type"`
	Node      string                `json:"node"`
	API       *model.APIDefinition  `json:"api,omitempty"`
	Presences []model.APIDefinition `json:"presences,omitempty"`
}

type peerLink struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
	node string     // learned from the peer's first message
}

func (l *peerLink) write(msg wireMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteJSON(msg)
}

// Hub is the cluster transport: a WebSocket mesh over which nodes exchange
// presence snapshots and join/leave deltas. Each node serves /cluster/ws and
// dials its configured peers; either side of a link behaves the same once
// connected. Delivery is at-least-once; the tracker and its handler
// reconcile duplicates.
type Hub struct {
	tracker  *Tracker
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	links map[*peerLink]struct{}

	done chan struct{}
}

// NewHub wires a Hub to its tracker and registers itself as the tracker's
// broadcaster.
func NewHub(t *Tracker) *Hub {
	h := &Hub{
		tracker: t,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		links: make(map[*peerLink]struct{}),
		done:  make(chan struct{}),
	}
	t.SetTransport(h)
	return h
}

// Start dials the configured peers. Each peer gets its own reconnect loop.
func (h *Hub) Start(ctx context.Context, peers []string) {
	for _, peer := range peers {
		go h.dialLoop(ctx, peer)
	}
}

// Close tears down every open link.
func (h *Hub) Close() {
	close(h.done)
	h.mu.Lock()
	for l := range h.links {
		_ = l.conn.Close()
	}
	h.mu.Unlock()
}

// PeerCount reports the number of connected cluster links.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.links)
}

// ServeHTTP upgrades an inbound peer connection; mount it on /cluster/ws.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("cluster: upgrade failed: %v", err)
		return
	}
	h.runLink(conn)
}

func (h *Hub) dialLoop(ctx context.Context, peer string) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		default:
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, peer, nil)
		if err != nil {
			log.Printf("cluster: dial %s: %v", peer, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-h.done:
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		h.runLink(conn)
	}
}

// runLink registers the connection, exchanges the local snapshot, then
// pumps inbound messages until the link dies.
func (h *Hub) runLink(conn *websocket.Conn) {
	link := &peerLink{conn: conn}
	h.mu.Lock()
	h.links[link] = struct{}{}
	h.mu.Unlock()

	self := h.tracker.NodeName()
	if err := link.write(wireMessage{
		Type:      msgSync,
		Node:      self,
		Presences: h.tracker.ListByNode(self),
	}); err != nil {
		log.Printf("cluster: sync send failed: %v", err)
	}

	h.readLoop(link)

	h.mu.Lock()
	delete(h.links, link)
	node := link.node
	h.mu.Unlock()
	_ = conn.Close()
	if node != "" {
		log.Printf("cluster: peer %s disconnected", node)
		h.tracker.DropNode(node)
	}
}

func (h *Hub) readLoop(link *peerLink) {
	for {
		var msg wireMessage
		if err := link.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Node == "" || msg.Node == h.tracker.NodeName() {
			continue
		}
		h.mu.Lock()
		link.node = msg.Node
		h.mu.Unlock()

		switch msg.Type {
		case msgSync:
			h.tracker.SyncNode(msg.Node, msg.Presences)
		case msgJoin:
			if msg.API != nil {
				h.tracker.ApplyRemoteJoin(msg.Node, *msg.API)
			}
		case msgLeave:
			if msg.API != nil {
				h.tracker.ApplyRemoteLeave(msg.Node, *msg.API)
			}
		}
	}
}

// BroadcastJoin pushes a local announcement to every connected peer.
func (h *Hub) BroadcastJoin(def model.APIDefinition) {
	h.broadcast(wireMessage{Type: msgJoin, Node: h.tracker.NodeName(), API: &def})
}

// BroadcastLeave pushes a local withdrawal to every connected peer.
func (h *Hub) BroadcastLeave(def model.APIDefinition) {
	h.broadcast(wireMessage{Type: msgLeave, Node: h.tracker.NodeName(), API: &def})
}

func (h *Hub) broadcast(msg wireMessage) {
	h.mu.RLock()
	links := make([]*peerLink, 0, len(h.links))
	for l := range h.links {
		links = append(links, l)
	}
	h.mu.RUnlock()
	for _, l := range links {
		if err := l.write(msg); err != nil {
			log.Printf("cluster: send to %s failed: %v", l.node, err)
		}
	}
}
