package registry

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uchit66/reactive-interaction-gateway/internal/model"
	"github.com/uchit66/reactive-interaction-gateway/internal/router"
	"github.com/uchit66/reactive-interaction-gateway/internal/tracker"
)

var (
	// ErrAlreadyTracked is returned by AddAPI when this node already hosts the api.
	ErrAlreadyTracked = errors.New("already tracked")
	// ErrNotFound is returned when no local replica exists.
	ErrNotFound = errors.New("not found")
)

// Presence is the slice of the tracker contract the registry consumes.
type Presence interface {
	Track(id string, def model.APIDefinition) (string, error)
	Untrack(id string)
	Update(id string, def model.APIDefinition) (string, error)
	FindByNode(id, node string) (model.APIDefinition, bool)
	FindAll(id string) []model.APIDefinition
	ListByNode(node string) []model.APIDefinition
}

var _ Presence = (*tracker.Tracker)(nil)

// Registry is this node's authoritative view of the api definitions. All
// mutations are serialized behind one mutex; after each mutation a freshly
// compiled route table is published, so the request matcher reads an
// immutable snapshot and never contends with cluster callbacks.
type Registry struct {
	nodeName string
	presence Presence

	mu    sync.Mutex // serializes add/update/delete and presence callbacks
	table atomic.Pointer[router.Table]
}

// New builds a Registry on top of the given presence service and publishes
// an empty route table.
func New(nodeName string, p Presence) *Registry {
	r := &Registry{nodeName: nodeName, presence: p}
	r.table.Store(router.New(nil))
	return r
}

// Table returns the current immutable route table for the hot path.
func (r *Registry) Table() *router.Table {
	return r.table.Load()
}

// ListAPIs returns a snapshot of all local replicas, sorted by api id.
func (r *Registry) ListAPIs() []model.APIDefinition {
	return r.presence.ListByNode(r.nodeName)
}

// GetAPI returns the local replica of the api.
func (r *Registry) GetAPI(id string) (model.APIDefinition, error) {
	def, ok := r.presence.FindByNode(id, r.nodeName)
	if !ok {
		return model.APIDefinition{}, ErrNotFound
	}
	return def, nil
}

// AddAPI announces a new local api. The replica starts at ref number zero
// with a fresh timestamp and this node as its author.
func (r *Registry) AddAPI(id string, def model.APIDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def.ID = id
	def.NodeName = r.nodeName
	def.RefNumber = 0
	def.Timestamp = time.Now()
	def.PhxRef = ""
	if _, err := r.presence.Track(id, def); err != nil {
		if errors.Is(err, tracker.ErrAlreadyTracked) {
			return ErrAlreadyTracked
		}
		return err
	}
	r.publish()
	return nil
}

// UpdateAPI replaces the local replica, bumping its ref number by one and
// refreshing its timestamp.
func (r *Registry) UpdateAPI(id string, def model.APIDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	local, ok := r.presence.FindByNode(id, r.nodeName)
	if !ok {
		return ErrNotFound
	}
	def.ID = id
	def.NodeName = r.nodeName
	def.RefNumber = local.RefNumber + 1
	def.Timestamp = time.Now()
	def.PhxRef = ""
	if _, err := r.presence.Update(id, def); err != nil {
		return ErrNotFound
	}
	r.publish()
	return nil
}

// DeleteAPI withdraws the local replica.
func (r *Registry) DeleteAPI(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.presence.FindByNode(id, r.nodeName); !ok {
		return ErrNotFound
	}
	r.presence.Untrack(id)
	r.publish()
	return nil
}

// OnJoin reconciles a replica announcement against the local view.
//
// Ref numbers decide first: a newer incoming replica is adopted, an older
// one is skipped. At equal refs a structurally equal replica is a no-op;
// otherwise the cluster votes: the incoming definition wins on a strict
// majority of matching replicas, loses on a strict minority, and on an
// exact half the later timestamp wins.
func (r *Registry) OnJoin(id string, incoming model.APIDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	local, ok := r.presence.FindByNode(id, r.nodeName)
	if !ok {
		// First sight of this api: adopt the announcement as-is, keeping
		// its ref number and author.
		if _, err := r.presence.Track(id, incoming); err != nil && !errors.Is(err, tracker.ErrAlreadyTracked) {
			log.Printf("registry: adopt %s: %v", id, err)
		}
		r.publish()
		return
	}

	switch {
	case local.RefNumber > incoming.RefNumber:
		return
	case local.RefNumber < incoming.RefNumber:
		r.adopt(id, incoming)
		return
	}

	if local.Equivalent(&incoming) {
		return
	}

	replicas := r.presence.FindAll(id)
	matching := 0
	for i := range replicas {
		if replicas[i].Equivalent(&incoming) {
			matching++
		}
	}
	total := len(replicas)
	switch {
	case 2*matching > total:
		r.adopt(id, incoming)
	case 2*matching < total:
		return
	default:
		if incoming.Timestamp.After(local.Timestamp) {
			r.adopt(id, incoming)
		}
	}
}

// OnLeave reconciles a replica withdrawal against the local view.
//
// A leave for our own announcement only counts when its presence token
// still matches the held replica; a foreign leave removes the local
// replica when the tokens match or the foreign replica is genuinely gone
// from the cluster view. Anything else is a stale event and is skipped.
func (r *Registry) OnLeave(id string, departing model.APIDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	local, ok := r.presence.FindByNode(id, r.nodeName)
	if !ok {
		return
	}

	if departing.NodeName == r.nodeName {
		if departing.PhxRef == local.PhxRef {
			r.presence.Untrack(id)
			r.publish()
		}
		return
	}

	if local.PhxRef == departing.PhxRef {
		r.presence.Untrack(id)
		r.publish()
		return
	}
	if _, still := r.presence.FindByNode(id, departing.NodeName); !still {
		r.presence.Untrack(id)
		r.publish()
	}
}

func (r *Registry) adopt(id string, incoming model.APIDefinition) {
	if _, err := r.presence.Update(id, incoming); err != nil {
		log.Printf("registry: update %s: %v", id, err)
		return
	}
	r.publish()
}

// publish recompiles the route table from the local replicas. Callers hold r.mu.
func (r *Registry) publish() {
	r.table.Store(router.New(r.presence.ListByNode(r.nodeName)))
}
