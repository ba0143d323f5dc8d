package relayserver

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/nightjar-mesh/relaymesh/internal/lifecycle"
	"github.com/nightjar-mesh/relaymesh/internal/mesh"
	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
	"github.com/nightjar-mesh/relaymesh/internal/store"
	"github.com/nightjar-mesh/relaymesh/internal/util"
)

var log = logging.Logger("relayserver")

// Config configures one Signaling/Relay Server instance (spec §4.4).
type Config struct {
	Mode         string // host | relay | private
	MaxPeers     int    // per-room subscriber cap, spec DEFAULT_MAX_PEERS
	DefaultAuth  string // auth policy assumed for a room's first join if none was negotiated out of band
	RoomSecret   string // shared secret for hmac_token rooms created implicitly
	Mesh         *mesh.Participant
	DB           *store.DB
	Shutdown     *lifecycle.ShutdownGroup
}

// Server is the WebSocket acceptor plus embedded Mesh Participant
// described in spec §4.4.
type Server struct {
	cfg      Config
	registry *Registry
	mesh     *mesh.Participant

	rateMu     sync.Mutex
	rateWindow map[string]*rateBucket

	accepting bool
	acceptMu  sync.RWMutex
}

// rateBucket is a fixed-size sliding-window ring buffer of join-attempt
// timestamps, adapted verbatim from goop2's rendezvous.Server rate
// limiter (internal/rendezvous/server.go allowPublish) to blunt
// auth-timeout abuse — spec §4.4 is silent on this, a supplemented
// feature already idiomatic in the teacher.
const rateBucketCap = 60

type rateBucket struct {
	times [rateBucketCap]time.Time
	head  int
	count int
}

// NewServer constructs a Server in the given mode. The embedded Mesh
// Participant, if any, is expected to already be running (or about to be
// started by the caller) in relay_mode.
func NewServer(cfg Config) *Server {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = meshproto.DefaultMaxPeers
	}
	if cfg.DefaultAuth == "" {
		cfg.DefaultAuth = meshproto.AuthOpen
	}
	// Only host mode persists room bookkeeping (spec §4.4: "persist" is a
	// host-mode-only behavior; relay/private never touch the DB even if
	// one was configured).
	persistDB := cfg.DB
	if cfg.Mode != meshproto.ModeHost {
		persistDB = nil
	}

	s := &Server{
		cfg:        cfg,
		registry:   newRegistry(persistDB),
		mesh:       cfg.Mesh,
		rateWindow: make(map[string]*rateBucket),
		accepting:  true,
	}
	if s.mesh != nil {
		s.mesh.SetWorkspaceHandler(s.onMeshWorkspaceGossip)
	}
	if cfg.Shutdown != nil {
		cfg.Shutdown.Register(s.shutdownCleanup)
	}
	return s
}

// ServeHTTP implements the WebSocket relay protocol: URL path
// "/<roomId>" with optional "?auth=<token>" (spec §6).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID, err := util.ValidateRoomID(strings.Trim(r.URL.Path, "/"))
	if err != nil {
		http.Error(w, "invalid room id: "+err.Error(), http.StatusBadRequest)
		return
	}

	ip := clientIP(r)
	if !s.allowJoinAttempt(ip) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	s.acceptMu.RLock()
	accepting := s.accepting
	s.acceptMu.RUnlock()
	if !accepting {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	room := s.registry.GetOrCreate(roomID, s.cfg.DefaultAuth, s.cfg.RoomSecret)

	if room.AuthPolicy == meshproto.AuthHMACToken {
		token := r.URL.Query().Get("auth")
		issuedAt := room.CreatedAt
		if token == "" || !meshproto.VerifyToken(token, ip, room.AuthSecret, issuedAt) {
			http.Error(w, "auth_token_mismatch", http.StatusForbidden)
			return
		}
	}

	if room.count() >= s.cfg.MaxPeers {
		http.Error(w, "room full", http.StatusServiceUnavailable)
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade failed for room %s: %v", roomID, err)
		return
	}
	// Largest accepted frame: a full sync payload plus its topic prefix and
	// varuint tags. A bigger frame fails the read and closes the connection.
	ws.SetReadLimit(int64(meshproto.MaxSyncPayload) + 64)

	conn := newClientConn(ws, ip, room, s)
	if room.AuthPolicy == meshproto.AuthOpen {
		conn.authenticated = true
	}

	room.addSubscriber(conn)
	log.Infof("client %s joined room %s (policy=%s)", conn.ID, roomID, room.AuthPolicy)

	conn.run()
}

// CreateRoom pre-registers a room with an explicit auth policy before any
// client joins, for callers that negotiate room auth out of band (e.g. a
// share-link issuer outside this repo's scope, per spec §1 non-goals).
// A no-op if the room already exists.
func (s *Server) CreateRoom(id, policy, secret, ownerPubKeyHex string) *Room {
	if room, ok := s.registry.Get(id); ok {
		return room
	}
	room := s.registry.GetOrCreate(id, policy, secret)
	room.OwnerPubKey = ownerPubKeyHex
	return room
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// allowJoinAttempt checks a 60-request/minute-per-IP sliding window,
// matching goop2's allowPublish.
func (s *Server) allowJoinAttempt(ip string) bool {
	window := time.Minute
	now := time.Now()
	cutoff := now.Add(-window)

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	bucket, ok := s.rateWindow[ip]
	if !ok {
		bucket = &rateBucket{}
		s.rateWindow[ip] = bucket
	}

	for bucket.count > 0 {
		oldest := bucket.times[bucket.head]
		if oldest.After(cutoff) {
			break
		}
		bucket.head = (bucket.head + 1) % rateBucketCap
		bucket.count--
	}

	if bucket.count >= rateBucketCap {
		return false
	}

	idx := (bucket.head + bucket.count) % rateBucketCap
	bucket.times[idx] = now
	bucket.count++
	return true
}

// joinTopic implements the join-topic client message (spec §4.4): add the
// client to the room's subscriber set for topic, instruct the Mesh
// Participant to join the corresponding workspace topic if new, and reply
// with the current peers-list.
//
// Membership is keyed by the hex workspace-topic hash, not the raw
// join-topic string: binary sync/awareness frames (spec §3 SyncFrame) only
// ever carry the 32-byte topic hash, never the room's own id, so every
// membership lookup that has to agree with a decoded frame must use the
// same key space. c.topics maps that hash back to the raw id so the few
// calls that still need it (Mesh Participant join/leave/publish) can use
// it too.
func (s *Server) joinTopic(c *ClientConn, topic string) {
	t, err := meshproto.WorkspaceTopic(topic)
	if err != nil {
		return
	}
	hexTopic := t.Hex()

	c.mu.Lock()
	_, already := c.topics[hexTopic]
	c.topics[hexTopic] = topic
	c.mu.Unlock()

	if !already && s.mesh != nil {
		if err := s.mesh.JoinWorkspace(topic); err != nil {
			log.Warnf("join workspace %s: %v", topic, err)
		}
	}

	peers := s.localPeers(c.room, hexTopic, c.ID)
	if s.mesh != nil {
		if remote, err := s.mesh.QueryWorkspacePeers(context.Background(), topic); err == nil {
			for _, p := range remote {
				peers = append(peers, peerInfo{NodeID: p.NodeID, Endpoint: firstEndpoint(p.Endpoints)})
			}
		}
	}
	c.sendJSON(peersListMsg{Type: msgPeersList, Topic: topic, Peers: peers})
}

// leaveTopic implements leave-topic: remove the client from the room's
// topic membership; if no subscriber of the room is left on that topic,
// leave the workspace topic (spec §4.4). The room itself stays registered
// until its last connection closes (see onConnClosed).
func (s *Server) leaveTopic(c *ClientConn, topic string) {
	t, err := meshproto.WorkspaceTopic(topic)
	if err != nil {
		return
	}
	hexTopic := t.Hex()

	c.mu.Lock()
	delete(c.topics, hexTopic)
	c.mu.Unlock()

	if s.mesh != nil && s.topicHasNoSubscribers(c.room, hexTopic) {
		_ = s.mesh.LeaveWorkspace(topic)
	}
}

func (s *Server) topicHasNoSubscribers(room *Room, hexTopic string) bool {
	for _, sub := range room.snapshotSubscribers() {
		sub.mu.Lock()
		_, has := sub.topics[hexTopic]
		sub.mu.Unlock()
		if has {
			return false
		}
	}
	return true
}

func (s *Server) localPeers(room *Room, hexTopic, excludeClientID string) []peerInfo {
	var out []peerInfo
	for _, sub := range room.snapshotSubscribers() {
		if sub.ID == excludeClientID {
			continue
		}
		sub.mu.Lock()
		_, has := sub.topics[hexTopic]
		name := sub.displayName
		sub.mu.Unlock()
		if has {
			out = append(out, peerInfo{NodeID: sub.ID, Endpoint: name, Local: true})
		}
	}
	return out
}

func firstEndpoint(endpoints map[string]string) string {
	if v, ok := endpoints["wss"]; ok {
		return v
	}
	for _, v := range endpoints {
		return v
	}
	return ""
}

// handleSyncOrAwareness implements sync{topic, data} / awareness{topic,
// state}: broadcast to all other local subscribers of topic AND hand off
// to the Mesh Participant for cross-relay propagation (spec §4.4).
func (s *Server) handleSyncOrAwareness(origin *ClientConn, topic meshproto.Topic, frame meshproto.SyncFrame) {
	topicHex := topic.Hex()

	origin.mu.Lock()
	rawTopic, subscribed := origin.topics[topicHex]
	room := origin.room
	origin.mu.Unlock()
	if !subscribed {
		return
	}

	s.fanOutLocal(room, topicHex, origin.ID, topic, frame)

	if s.mesh != nil {
		raw, err := meshproto.EncodeTopicEnvelope(topic, frame)
		if err == nil {
			// PublishToWorkspace takes the raw workspace id (it derives the
			// hash itself, matching JoinWorkspace/LeaveWorkspace) — passing
			// topicHex here would hash an already-hashed value and silently
			// miss the joined topic.
			_ = s.mesh.PublishToWorkspace(rawTopic, raw)
		}
	}
}

func (s *Server) fanOutLocal(room *Room, topicHex, excludeClientID string, topic meshproto.Topic, frame meshproto.SyncFrame) {
	raw, err := meshproto.EncodeTopicEnvelope(topic, frame)
	if err != nil {
		return
	}
	for _, sub := range room.snapshotSubscribers() {
		if sub.ID == excludeClientID {
			continue
		}
		sub.mu.Lock()
		_, has := sub.topics[topicHex]
		sub.mu.Unlock()
		if has {
			sub.sendBinary(raw)
		}
	}
}

// onMeshWorkspaceGossip is the Mesh Participant callback wired in
// NewServer: raw sync/awareness bytes arriving from another relay over the
// workspace gossip topic (spec §4.4 "cross-relay handoff"). The origin is
// never local, so every subscriber of the topic receives it.
func (s *Server) onMeshWorkspaceGossip(topicHex string, raw []byte) {
	topic, frame, err := meshproto.DecodeTopicEnvelope(raw)
	if err != nil {
		return
	}
	for _, room := range s.registry.Snapshot() {
		s.fanOutLocal(room, topicHex, "", topic, frame)
	}
}

// onConnClosed removes a closed connection from its room and, if the room
// becomes empty, tears it down entirely (spec §4.4, §8 universal
// invariant: no dangling registry entries).
func (s *Server) onConnClosed(c *ClientConn, reason string) {
	empty := c.room.removeSubscriber(c.ID)
	log.Debugf("client %s left room %s: %s", c.ID, c.room.ID, reason)
	if empty {
		c.mu.Lock()
		topics := make([]string, 0, len(c.topics))
		for _, rawTopic := range c.topics {
			topics = append(topics, rawTopic)
		}
		c.mu.Unlock()
		for _, t := range topics {
			if s.mesh != nil {
				_ = s.mesh.LeaveWorkspace(t)
			}
		}
		s.registry.removeIfEmpty(c.room.ID)
	}
}

// shutdownCleanup implements spec §4.4's graceful shutdown: stop accepting
// new connections, close every subscriber with a normal-close code, and
// let the Mesh Participant's own Stop (registered separately) drain its
// topics.
func (s *Server) shutdownCleanup(ctx context.Context) {
	s.acceptMu.Lock()
	s.accepting = false
	s.acceptMu.Unlock()

	for _, room := range s.registry.Snapshot() {
		for _, sub := range room.snapshotSubscribers() {
			sub.closeWithCode(meshproto.CloseNormal, "server_shutdown")
		}
	}
}

func verifyOwnerSignature(room *Room, msg identityMsg) bool {
	if room.OwnerPubKey == "" || msg.Signature == "" {
		return false
	}
	pub, err := hex.DecodeString(room.OwnerPubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(msg.Signature)
	if err != nil {
		return false
	}
	payload := room.ID + "|" + msg.PublicKey + "|" + strconv.FormatInt(msg.Timestamp, 10)
	return ed25519.Verify(pub, []byte(payload), sig)
}
