package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

const maxRoomIDLength = 99

var roomIDPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+$`)

// RoomID names a room. It is used verbatim as a fabric topic key,
// so it is only ever built through ParseRoomID.
type RoomID string

func ParseRoomID(s string) (RoomID, error) {
	switch {
	case s == "":
		return "", errors.Join(ErrInvalidRoomID, errors.New("room id is empty"))
	case len(s) > maxRoomIDLength:
		return "", errors.Join(ErrInvalidRoomID, fmt.Errorf("room id is longer than %d characters", maxRoomIDLength))
	case !roomIDPattern.MatchString(s):
		return "", errors.Join(ErrInvalidRoomID, fmt.Errorf("room id %q contains forbidden characters", s))
	}
	return RoomID(s), nil
}

func (id RoomID) String() string {
	return string(id)
}

// Message is the chat payload exchanged with clients.
type Message struct {
	Message string `json:"message"`
}

// ParseMessage decodes an inbound client frame. The frame must be a JSON
// object with a string "message" field, other fields are ignored.
func ParseMessage(raw []byte) (Message, error) {
	var in struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return Message{}, errors.Join(ErrMalformedPayload, err)
	}
	if in.Message == nil {
		return Message{}, errors.Join(ErrMalformedPayload, errors.New(`field "message" is required`))
	}
	return Message{Message: *in.Message}, nil
}

// Envelope is what travels through the fabric.
type Envelope struct {
	Room    RoomID  `json:"room"`
	Payload Message `json:"payload"`
	Origin  string  `json:"origin,omitempty"` // publishing instance, informational
}

func NewEnvelope(room RoomID, msg Message, origin string) Envelope {
	return Envelope{
		Room:    room,
		Payload: msg,
		Origin:  origin,
	}
}

// Wire returns the outbound frame delivered to every room member.
func (e Envelope) Wire() ([]byte, error) {
	return json.Marshal(&e.Payload)
}

// ErrorFrame is sent back to a single client when its frame could not be relayed.
type ErrorFrame struct {
	Error string `json:"error"`
}

func NewErrorFrame(err error) []byte {
	b, errJ := json.Marshal(&ErrorFrame{Error: err.Error()})
	if errJ != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return b
}
