// Package relayserver implements the Signaling/Relay Server (spec §4.4): a
// WebSocket acceptor for client subscribers, fanning sync/awareness frames
// out to every other subscriber of a room, optionally bridging to the
// Mesh Participant for cross-relay delivery.
package relayserver

import (
	"sync"
	"time"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
	"github.com/nightjar-mesh/relaymesh/internal/store"
)

// Room is the server-side registry entry for one fan-out group, keyed by
// an opaque room_id (spec §3). A room with zero subscribers is deleted;
// recreation is idempotent.
type Room struct {
	ID           string
	AuthPolicy   string // open | hmac_token | owner_gated
	AuthSecret   string
	OwnerPubKey  string // hex, only meaningful for owner_gated
	CreatedAt    time.Time
	LastActivity time.Time

	mu          sync.RWMutex
	subscribers map[string]*ClientConn // client_id -> conn
}

func newRoom(id, policy, secret string) *Room {
	now := time.Now()
	return &Room{
		ID:           id,
		AuthPolicy:   policy,
		AuthSecret:   secret,
		CreatedAt:    now,
		LastActivity: now,
		subscribers:  make(map[string]*ClientConn),
	}
}

func (r *Room) addSubscriber(c *ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[c.ID] = c
	r.LastActivity = time.Now()
}

// removeSubscriber removes c and reports whether the room is now empty.
func (r *Room) removeSubscriber(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, clientID)
	r.LastActivity = time.Now()
	return len(r.subscribers) == 0
}

func (r *Room) snapshotSubscribers() []*ClientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientConn, 0, len(r.subscribers))
	for _, c := range r.subscribers {
		out = append(out, c)
	}
	return out
}

func (r *Room) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

func (r *Room) touch() {
	r.mu.Lock()
	r.LastActivity = time.Now()
	r.mu.Unlock()
}

// Registry owns every live Room. Mutated only by its own methods; callers
// that need a consistent view take a Snapshot.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	db    *store.DB
}

func newRegistry(db *store.DB) *Registry {
	return &Registry{rooms: make(map[string]*Room), db: db}
}

// GetOrCreate returns the existing room for id, or creates one with the
// given auth policy/secret. Recreation after deletion is idempotent.
func (reg *Registry) GetOrCreate(id, policy, secret string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[id]; ok {
		return r
	}
	r := newRoom(id, policy, secret)
	reg.rooms[id] = r
	if reg.db != nil {
		_ = reg.db.UpsertRoom(store.RoomRow{
			RoomID: id, AuthPolicy: policy, AuthSecret: secret,
			CreatedAt: r.CreatedAt, LastActivity: r.LastActivity,
		})
	}
	return r
}

func (reg *Registry) Get(id string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// removeIfEmpty deletes room from the registry if it currently has zero
// subscribers (spec §3 invariant, checked under the registry lock so a
// concurrent join can't race a delete).
func (reg *Registry) removeIfEmpty(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	if !ok {
		return
	}
	if r.count() != 0 {
		return
	}
	delete(reg.rooms, id)
	if reg.db != nil {
		_ = reg.db.DeleteRoom(id)
	}
}

func (reg *Registry) Snapshot() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// defaultAuthPolicy names the open policy. It is not referenced: implicit
// room creation uses Config.DefaultAuth, which NewServer defaults to
// meshproto.AuthOpen.
const defaultAuthPolicy = meshproto.AuthOpen
