package meshproto

import "errors"

// ErrEnvelopeTooShort is returned when a binary WebSocket frame is shorter
// than a topic hash, so it cannot possibly carry a TopicEnvelope.
var ErrEnvelopeTooShort = errors.New("meshproto: binary frame shorter than topic hash")

// EncodeTopicEnvelope prefixes a SyncFrame with the 32-byte topic it
// belongs to. A single WebSocket connection (spec §4.4) or mesh workspace
// gossip channel may carry frames for more than one topic, but SyncFrame
// itself (spec §3) carries no topic field, so the wire sub-protocol
// between the Signaling/Relay Server and its clients — and between
// relays, over the workspace gossip topic — prefixes every binary frame
// with its topic.
func EncodeTopicEnvelope(topic Topic, frame SyncFrame) ([]byte, error) {
	body, err := frame.Encode()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(topic)+len(body))
	out = append(out, topic[:]...)
	out = append(out, body...)
	return out, nil
}

// DecodeTopicEnvelope parses the wire format produced by EncodeTopicEnvelope.
func DecodeTopicEnvelope(b []byte) (Topic, SyncFrame, error) {
	var topic Topic
	if len(b) < len(topic) {
		return topic, SyncFrame{}, ErrEnvelopeTooShort
	}
	copy(topic[:], b[:len(topic)])
	frame, err := DecodeSyncFrame(b[len(topic):])
	return topic, frame, err
}
