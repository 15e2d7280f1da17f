package protocol

import (
	"errors"

	"collabtext/internal/room"
)

// Failure taxonomy. RoomNotFound, room.ErrRoomFull and Authentication are
// rejections reported to the requesting connection only. TransportDeath
// never reaches a client.
var (
	ErrRoomNotFound   = errors.New("protocol: room not found")
	ErrAuthentication = errors.New("protocol: authentication failed")
	ErrMalformedEvent = errors.New("protocol: malformed event")
	ErrTransportDeath = errors.New("protocol: transport closed")
	ErrNotAttached    = errors.New("protocol: connection is not attached to a room")
)

// RejectionFor maps a failure to the event reported back to the requester.
func RejectionFor(err error) (EventType, Rejection) {
	switch {
	case errors.Is(err, room.ErrRoomFull):
		return EventRoomFull, Rejection{Message: "room is full"}
	case errors.Is(err, ErrRoomNotFound):
		return EventRoomNotFound, Rejection{Message: "room not found"}
	case errors.Is(err, ErrAuthentication):
		return EventError, Rejection{Message: "authentication failed"}
	case errors.Is(err, ErrNotAttached):
		return EventError, Rejection{Message: "join a room first"}
	default:
		return EventError, Rejection{Message: err.Error()}
	}
}
