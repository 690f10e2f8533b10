package consult

import (
	"encoding/json"
	"errors"
)

// event names shared by both ends of the relay
const (
	EventJoinRoom         = "join-room"
	EventJoinError        = "join-error"
	EventUserJoined       = "user-joined"
	EventUserLeft         = "user-left"
	EventRoomUsers        = "room-users"
	EventOffer            = "offer"
	EventAnswer           = "answer"
	EventIceCandidate     = "ice-candidate"
	EventAnnotation       = "annotation"
	EventClearAnnotations = "clear-annotations"
	EventHandSkeleton     = "hand-skeleton"
	EventCadState         = "cad-state"
)

// every websocket message is a single json envelope
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func EncodeEnvelope(event string, data any) ([]byte, error) {
	dataJson, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{
		Event: event,
		Data:  dataJson,
	})
}

func DecodeEnvelope(message []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		return nil, err
	}
	if envelope.Event == "" {
		return nil, errors.New("Missing event.")
	}
	return envelope, nil
}

type JoinRoom struct {
	RoomId   string `json:"roomId"`
	Role     string `json:"role"`
	UserName string `json:"userName"`
}

type JoinError struct {
	RoomId string `json:"roomId,omitempty"`
	Error  string `json:"error"`
}

type UserJoined struct {
	RoomId   string `json:"roomId"`
	UserId   Id     `json:"userId"`
	Role     string `json:"role"`
	UserName string `json:"userName"`
}

type UserLeft struct {
	RoomId string `json:"roomId"`
	UserId Id     `json:"userId"`
}

type RoomUser struct {
	UserId   Id     `json:"userId"`
	Role     string `json:"role"`
	UserName string `json:"userName"`
}

// sent only to the joining connection, includes the joiner
type RoomUsers struct {
	RoomId string      `json:"roomId"`
	SelfId Id          `json:"selfId"`
	Users  []*RoomUser `json:"users"`
}

// offer, answer, and ice-candidate share one shape
// the relay reads roomId and targetId and treats the rest as opaque
type signalMessage struct {
	RoomId    string          `json:"roomId"`
	TargetId  Id              `json:"targetId"`
	Sdp       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type Annotation struct {
	RoomId     string          `json:"roomId"`
	Annotation json.RawMessage `json:"annotation"`
	SenderId   *Id             `json:"senderId,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

type ClearAnnotations struct {
	RoomId string `json:"roomId"`
}

type HandSkeleton struct {
	RoomId    string          `json:"roomId"`
	Skeleton  json.RawMessage `json:"skeleton"`
	SenderId  *Id             `json:"senderId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type CadStateMessage struct {
	RoomId string          `json:"roomId"`
	State  json.RawMessage `json:"state"`
}

// the fields the relay needs to route a message
// everything else in the payload passes through untouched
type routingHeader struct {
	RoomId   string `json:"roomId"`
	TargetId *Id    `json:"targetId,omitempty"`
}

// re-encode an opaque payload with relay metadata added at the top level
func withMeta(data json.RawMessage, meta map[string]any) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if 0 < len(data) {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
	}
	for key, value := range meta {
		valueJson, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		fields[key] = valueJson
	}
	return json.Marshal(fields)
}

// the skeleton payload accepts three shapes:
// a clear marker, a single hand, or a list of hands
type SkeletonPayload struct {
	Clear      bool            `json:"clear,omitempty"`
	Landmarks  []Vec3          `json:"landmarks,omitempty"`
	Handedness string          `json:"handedness,omitempty"`
	Hands      []*SkeletonHand `json:"hands,omitempty"`
	Ts         int64           `json:"ts,omitempty"`
}

type SkeletonHand struct {
	Landmarks  []Vec3 `json:"landmarks"`
	Handedness string `json:"handedness,omitempty"`
}

func DecodeHandFrame(skeleton json.RawMessage) (*HandFrame, error) {
	payload := &SkeletonPayload{}
	if err := json.Unmarshal(skeleton, payload); err != nil {
		return nil, err
	}
	frame := &HandFrame{
		CapturedAt: payload.Ts,
	}
	if payload.Clear {
		frame.Clear = true
		return frame, nil
	}
	if 0 < len(payload.Hands) {
		for _, hand := range payload.Hands {
			frame.Hands = append(frame.Hands, &HandPose{
				Landmarks:  hand.Landmarks,
				Handedness: hand.Handedness,
			})
		}
		return frame, nil
	}
	if 0 < len(payload.Landmarks) {
		frame.Hands = append(frame.Hands, &HandPose{
			Landmarks:  payload.Landmarks,
			Handedness: payload.Handedness,
		})
	}
	// no landmarks means a frame with no visible hands
	return frame, nil
}

func EncodeHandFrame(frame *HandFrame) (json.RawMessage, error) {
	payload := &SkeletonPayload{
		Ts: frame.CapturedAt,
	}
	switch {
	case frame.Clear:
		payload.Clear = true
	case len(frame.Hands) == 1:
		payload.Landmarks = frame.Hands[0].Landmarks
		payload.Handedness = frame.Hands[0].Handedness
	default:
		for _, hand := range frame.Hands {
			payload.Hands = append(payload.Hands, &SkeletonHand{
				Landmarks:  hand.Landmarks,
				Handedness: hand.Handedness,
			})
		}
	}
	return json.Marshal(payload)
}
