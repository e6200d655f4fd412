package models

import (
	"encoding/json"
	"time"
)

// Collaborator represents a participant present in a room
type Collaborator struct {
	UserID     string    `json:"userId"`
	Username   string    `json:"username"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Document is the shared editor state of a room
type Document struct {
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EventKind identifies a room event
type EventKind string

// Room event kinds accepted by the control endpoint
const (
	EventJoin           EventKind = "join-room"
	EventLeave          EventKind = "leave-room"
	EventCodeUpdate     EventKind = "codeUpdate"
	EventLanguageChange EventKind = "languageChange"
	EventHeartbeat      EventKind = "heartbeat"
)

// Event is a single room event submitted by a client
type Event struct {
	Kind     EventKind
	RoomID   string
	UserID   string
	Username string
	Data     string
}

// Broadcast event names published on a room channel
const (
	BroadcastCollaborators  = "collaboratorsUpdate"
	BroadcastRoomState      = "roomState"
	BroadcastCodeUpdate     = "codeUpdate"
	BroadcastLanguageChange = "languageChange"
)

// ChannelPrefix is prepended to a room id to form its fan-out channel
const ChannelPrefix = "room-"

// RoomChannel returns the fan-out channel name for a room
func RoomChannel(roomID string) string {
	return ChannelPrefix + roomID
}

// RosterEntry is the public view of a collaborator
type RosterEntry struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// Roster converts collaborators to their public view, preserving order
func Roster(collaborators []Collaborator) []RosterEntry {
	out := make([]RosterEntry, 0, len(collaborators))
	for _, c := range collaborators {
		out = append(out, RosterEntry{UserID: c.UserID, Username: c.Username, Timestamp: c.LastSeenAt})
	}
	return out
}

// CollaboratorsPayload is broadcast as collaboratorsUpdate
type CollaboratorsPayload struct {
	Collaborators []RosterEntry `json:"collaborators"`
	Seq           uint64        `json:"seq"`
	Timestamp     time.Time     `json:"timestamp"`
}

// RoomStatePayload is broadcast as roomState
type RoomStatePayload struct {
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// CodeUpdatePayload is broadcast as codeUpdate
type CodeUpdatePayload struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// LanguageChangePayload is broadcast as languageChange
type LanguageChangePayload struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Language  string    `json:"language"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomEventRequest is the control endpoint request body
type RoomEventRequest struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Event    string `json:"event"`
	Data     string `json:"data"`
}

// ToEvent converts the request to a room event
func (r RoomEventRequest) ToEvent() Event {
	return Event{
		Kind:     EventKind(r.Event),
		RoomID:   r.RoomID,
		UserID:   r.UserID,
		Username: r.Username,
		Data:     r.Data,
	}
}

// CollaboratorsResponse is returned by the read endpoint
type CollaboratorsResponse struct {
	Collaborators []RosterEntry `json:"collaborators"`
}

// RoomStateResponse is returned by the state endpoint
type RoomStateResponse struct {
	Exists   bool   `json:"exists"`
	Content  string `json:"content"`
	Language string `json:"language"`
}

// TokenRequest asks for a channel subscription token
type TokenRequest struct {
	RoomID string `json:"roomId" binding:"required"`
	UserID string `json:"userId" binding:"required"`
}

// TokenResponse carries a channel subscription token
type TokenResponse struct {
	Token     string    `json:"token"`
	Channel   string    `json:"channel"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Envelope is the message relayed on a fan-out channel
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}
