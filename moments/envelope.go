package moments

import (
	"encoding/json"
	"errors"
	"fmt"
)

// the shared protocol contract between client and server.
// the wire shape is the canonical flat envelope `{"type": <string>, ...}`.
// envelopes are immutable once sent. delivery is at-most-once per link;
// there is no acknowledgment beyond transport-level delivery.

type MessageType string

const (
	// client -> server. announces identity on connect and on every reconnect.
	MessageTypeInit MessageType = "init"
	// client -> server -> all members including sender.
	// confirms a completed upload. `value` is the canonical media id.
	MessageTypeAddMoment MessageType = "add_moment"
	// client -> server -> all members including sender.
	MessageTypeDeleteMoment MessageType = "delete_moment"
	// client -> server -> members except sender. ephemeral.
	MessageTypeTyping MessageType = "typing"
	// client -> server -> members except sender. `signal` is relayed opaque.
	MessageTypeWebrtcOffer        MessageType = "webrtc_offer"
	MessageTypeWebrtcAnswer       MessageType = "webrtc_answer"
	MessageTypeWebrtcIceCandidate MessageType = "webrtc_ice_candidate"
	// server -> joining link only. moment state snapshot.
	MessageTypeMomentData MessageType = "moment_data"
	// server -> per-user channel.
	MessageTypeNotification MessageType = "notification"
	// app level keepalive, client -> server and the `pong` reply
	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"
)

// closed set. unknown types are logged and ignored by routers,
// never a parse error, so that older peers tolerate newer message types.
func (self MessageType) Known() bool {
	switch self {
	case MessageTypeInit,
		MessageTypeAddMoment,
		MessageTypeDeleteMoment,
		MessageTypeTyping,
		MessageTypeWebrtcOffer,
		MessageTypeWebrtcAnswer,
		MessageTypeWebrtcIceCandidate,
		MessageTypeMomentData,
		MessageTypeNotification,
		MessageTypePing,
		MessageTypePong:
		return true
	default:
		return false
	}
}

// snapshot of the authoritative moment state, sent to a link after join.
type MomentData struct {
	MomentId    string   `json:"moment_id"`
	MediaIds    []string `json:"media_ids"`
	MediaCount  int      `json:"media_count"`
	MemberCount int      `json:"member_count"`
}

type Envelope struct {
	Type MessageType `json:"type"`

	// identity token for `init`, canonical media id for `add_moment`/`delete_moment`
	Value string `json:"value,omitempty"`

	// `typing` carries its channel explicitly for parity with the original payload shape
	MomentId string `json:"moment_id,omitempty"`
	IsTyping bool   `json:"is_typing,omitempty"`

	// optional client correlation tag on `add_moment`, echoed back by the server.
	// see ReconcilerSettings.TagConfirmations.
	Tag string `json:"tag,omitempty"`

	// attached by the server on broadcast, never client-spoofable
	Sender string `json:"sender,omitempty"`

	// opaque webrtc signaling payload, relayed verbatim and never inspected
	Signal json.RawMessage `json:"signal,omitempty"`

	Moment *MomentData `json:"moment,omitempty"`

	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

var ErrMalformedEnvelope = errors.New("malformed envelope")

// outbound envelopes must carry a known type.
// inbound unknown types are preserved so the router default arm can log them.
func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	if !envelope.Type.Known() {
		return nil, fmt.Errorf("unknown message type: %s", envelope.Type)
	}
	return json.Marshal(envelope)
}

func RequireEncodeEnvelope(envelope *Envelope) []byte {
	b, err := EncodeEnvelope(envelope)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeEnvelope(b []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(b, envelope); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEnvelope, err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return envelope, nil
}
