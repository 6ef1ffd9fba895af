package tracker

import (
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/uchit66/reactive-interaction-gateway/internal/model"
)

var (
	// ErrAlreadyTracked is returned when (api id, self) is already announced.
	ErrAlreadyTracked = errors.New("already tracked")
	// ErrNotTracked is returned by Update when no local replica exists.
	ErrNotTracked = errors.New("not tracked")
)

// Handler receives presence callbacks. Callbacks may arrive for local or
// foreign replicas; receivers must be idempotent with respect to their own
// announcements.
type Handler interface {
	OnJoin(id string, def model.APIDefinition)
	OnLeave(id string, def model.APIDefinition)
}

// Broadcaster pushes presence deltas to the rest of the cluster.
type Broadcaster interface {
	BroadcastJoin(def model.APIDefinition)
	BroadcastLeave(def model.APIDefinition)
}

type eventKind int

const (
	eventJoin eventKind = iota
	eventLeave
)

type event struct {
	kind eventKind
	id   string
	def  model.APIDefinition
}

// Tracker is the cluster presence map: {api id, node} -> replica. Local
// replicas are announced with Track/Update/Untrack; foreign replicas arrive
// through the transport. Every change is delivered to the Handler on a
// dedicated dispatch goroutine, so callbacks never run on the hot path and
// re-entrant tracker calls from inside a callback cannot deadlock.
type Tracker struct {
	nodeName string

	mu        sync.RWMutex
	presences map[string]map[string]model.APIDefinition // api id -> tracking node -> replica

	handlerMu sync.RWMutex
	handler   Handler
	transport Broadcaster

	events chan event
	done   chan struct{}
}

// New creates a Tracker for the given node and starts its dispatch loop.
func New(nodeName string) *Tracker {
	t := &Tracker{
		nodeName:  nodeName,
		presences: make(map[string]map[string]model.APIDefinition),
		events:    make(chan event, 1024),
		done:      make(chan struct{}),
	}
	go t.dispatch()
	return t
}

// NodeName returns the identity of this node.
func (t *Tracker) NodeName() string { return t.nodeName }

// SetHandler registers the presence callback receiver.
func (t *Tracker) SetHandler(h Handler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

// SetTransport registers the cluster broadcaster.
func (t *Tracker) SetTransport(b Broadcaster) {
	t.handlerMu.Lock()
	t.transport = b
	t.handlerMu.Unlock()
}

// Close stops the dispatch loop. Pending events are dropped.
func (t *Tracker) Close() {
	close(t.done)
}

// Track announces a local replica and returns its presence token. The
// definition's NodeName is preserved when set, so a replica adopted from a
// foreign announcement keeps its author.
func (t *Tracker) Track(id string, def model.APIDefinition) (string, error) {
	t.mu.Lock()
	byNode := t.presences[id]
	if byNode == nil {
		byNode = make(map[string]model.APIDefinition)
		t.presences[id] = byNode
	}
	if _, ok := byNode[t.nodeName]; ok {
		t.mu.Unlock()
		return "", ErrAlreadyTracked
	}
	def.ID = id
	if def.NodeName == "" {
		def.NodeName = t.nodeName
	}
	def.PhxRef = uuid.NewString()
	byNode[t.nodeName] = def.Clone()
	t.mu.Unlock()

	t.emit(event{kind: eventJoin, id: id, def: def})
	t.broadcastJoin(def)
	return def.PhxRef, nil
}

// Update replaces the metadata of the local replica, issuing a fresh
// presence token.
func (t *Tracker) Update(id string, def model.APIDefinition) (string, error) {
	t.mu.Lock()
	byNode := t.presences[id]
	if _, ok := byNode[t.nodeName]; !ok {
		t.mu.Unlock()
		return "", ErrNotTracked
	}
	def.ID = id
	if def.NodeName == "" {
		def.NodeName = t.nodeName
	}
	def.PhxRef = uuid.NewString()
	byNode[t.nodeName] = def.Clone()
	t.mu.Unlock()

	t.emit(event{kind: eventJoin, id: id, def: def})
	t.broadcastJoin(def)
	return def.PhxRef, nil
}

// Untrack withdraws the local replica. Unknown ids are a no-op.
func (t *Tracker) Untrack(id string) {
	t.mu.Lock()
	byNode := t.presences[id]
	def, ok := byNode[t.nodeName]
	if ok {
		delete(byNode, t.nodeName)
		if len(byNode) == 0 {
			delete(t.presences, id)
		}
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	t.emit(event{kind: eventLeave, id: id, def: def})
	t.broadcastLeave(def)
}

// FindByNode returns the replica tracked by the given node, if any.
func (t *Tracker) FindByNode(id, node string) (model.APIDefinition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	def, ok := t.presences[id][node]
	if !ok {
		return model.APIDefinition{}, false
	}
	return def.Clone(), true
}

// FindAll returns every replica of the api across the cluster.
func (t *Tracker) FindAll(id string) []model.APIDefinition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byNode := t.presences[id]
	out := make([]model.APIDefinition, 0, len(byNode))
	for _, def := range byNode {
		out = append(out, def.Clone())
	}
	return out
}

// ListByNode returns all replicas tracked by the given node, sorted by api id.
func (t *Tracker) ListByNode(node string) []model.APIDefinition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []model.APIDefinition
	for _, byNode := range t.presences {
		if def, ok := byNode[node]; ok {
			out = append(out, def.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyRemoteJoin records a replica announced by a foreign node and fires
// the join callback. Duplicates overwrite; receivers reconcile idempotently.
func (t *Tracker) ApplyRemoteJoin(node string, def model.APIDefinition) {
	if node == t.nodeName {
		return
	}
	t.mu.Lock()
	byNode := t.presences[def.ID]
	if byNode == nil {
		byNode = make(map[string]model.APIDefinition)
		t.presences[def.ID] = byNode
	}
	byNode[node] = def.Clone()
	t.mu.Unlock()

	t.emit(event{kind: eventJoin, id: def.ID, def: def})
}

// ApplyRemoteLeave removes a foreign replica. The stored presence is only
// dropped when its token matches the departing one, so a stale leave cannot
// shadow a newer announcement; the leave callback fires either way and the
// receiver's own guards decide what to do with it.
func (t *Tracker) ApplyRemoteLeave(node string, def model.APIDefinition) {
	if node == t.nodeName {
		return
	}
	t.mu.Lock()
	byNode := t.presences[def.ID]
	if held, ok := byNode[node]; ok && held.PhxRef == def.PhxRef {
		delete(byNode, node)
		if len(byNode) == 0 {
			delete(t.presences, def.ID)
		}
	}
	t.mu.Unlock()

	t.emit(event{kind: eventLeave, id: def.ID, def: def})
}

// SyncNode reconciles a full presence snapshot from a peer: every listed
// replica joins, and replicas held for that peer but missing from the
// snapshot leave.
func (t *Tracker) SyncNode(node string, defs []model.APIDefinition) {
	if node == t.nodeName {
		return
	}
	listed := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		listed[def.ID] = struct{}{}
	}
	var gone []model.APIDefinition
	t.mu.RLock()
	for id, byNode := range t.presences {
		if def, ok := byNode[node]; ok {
			if _, still := listed[id]; !still {
				gone = append(gone, def.Clone())
			}
		}
	}
	t.mu.RUnlock()

	for _, def := range defs {
		t.ApplyRemoteJoin(node, def)
	}
	for _, def := range gone {
		t.ApplyRemoteLeave(node, def)
	}
}

// DropNode fires leaves for everything a departed peer was tracking.
func (t *Tracker) DropNode(node string) {
	if node == "" || node == t.nodeName {
		return
	}
	var gone []model.APIDefinition
	t.mu.RLock()
	for _, byNode := range t.presences {
		if def, ok := byNode[node]; ok {
			gone = append(gone, def.Clone())
		}
	}
	t.mu.RUnlock()
	for _, def := range gone {
		t.ApplyRemoteLeave(node, def)
	}
}

func (t *Tracker) emit(e event) {
	select {
	case t.events <- e:
	default:
		log.Printf("tracker: event queue full, dropping %s for %s", e.kindString(), e.id)
	}
}

func (e event) kindString() string {
	if e.kind == eventJoin {
		return "join"
	}
	return "leave"
}

func (t *Tracker) dispatch() {
	for {
		select {
		case <-t.done:
			return
		case e := <-t.events:
			t.handlerMu.RLock()
			h := t.handler
			t.handlerMu.RUnlock()
			if h == nil {
				continue
			}
			switch e.kind {
			case eventJoin:
				h.OnJoin(e.id, e.def)
			case eventLeave:
				h.OnLeave(e.id, e.def)
			}
		}
	}
}

func (t *Tracker) broadcastJoin(def model.APIDefinition) {
	t.handlerMu.RLock()
	b := t.transport
	t.handlerMu.RUnlock()
	if b != nil {
		b.BroadcastJoin(def)
	}
}

func (t *Tracker) broadcastLeave(def model.APIDefinition) {
	t.handlerMu.RLock()
	b := t.transport
	t.handlerMu.RUnlock()
	if b != nil {
		b.BroadcastLeave(def)
	}
}
