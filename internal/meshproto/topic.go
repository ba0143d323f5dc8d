package meshproto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// NodeID is 32 random bytes, hex-encoded for transmission. Stable for a
// process's lifetime; callers may persist and reload it across restarts.
type NodeID [32]byte

func (id NodeID) String() string { return hex.EncodeToString(id[:]) }

// GenerateNodeID returns a fresh random node identifier.
func GenerateNodeID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken;
		// there is nothing sane to do but panic, matching stdlib convention.
		panic("meshproto: failed to read random node id: " + err.Error())
	}
	return id
}

// Topic is a 32-byte SHA-256 digest used as an opaque rendezvous key.
type Topic [32]byte

func (t Topic) Hex() string { return hex.EncodeToString(t[:]) }

// MeshTopic is the single well-known rendezvous topic every relay joins.
func MeshTopic() Topic {
	return Topic(sha256.Sum256([]byte(MeshTopicV1)))
}

// WorkspaceTopic derives the per-room rendezvous topic for id. An empty id
// is rejected; any other byte sequence is accepted since the hash absorbs
// it without interpretation.
func WorkspaceTopic(id string) (Topic, error) {
	if id == "" {
		return Topic{}, errors.New("meshproto: workspace id must not be empty")
	}
	return Topic(sha256.Sum256([]byte(WorkspaceTopicPrefix + id))), nil
}
