package model

import "errors"

var (
	ErrInvalidRoomID = errors.New("invalid room id")

	// ErrHandshake means the connection setup was rejected. Not retried.
	ErrHandshake = errors.New("handshake rejected")
	// ErrAlreadyJoined is an invariant breach: a connection is single-room for its lifetime.
	ErrAlreadyJoined = errors.New("connection already joined a room")
	// ErrMalformedPayload is bad client input, the connection stays open.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrTransport is abnormal I/O on a client link, it triggers disconnect cleanup.
	ErrTransport = errors.New("transport error")
	// ErrPublish means the fabric could not be reached.
	ErrPublish = errors.New("unable to publish")
)
