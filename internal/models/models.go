package models

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
)

// MessageType is the kind of a chat message body.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeAudio  MessageType = "audio"
	MessageTypeImage  MessageType = "image"
	MessageTypeSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeAudio, MessageTypeImage, MessageTypeSystem:
		return true
	}
	return false
}

// ChatEvent is the unit of fan-out. It is built once by the gateway after
// validation (and persistence, for messages) and is never mutated.
type ChatEvent struct {
	Kind           ServerFrameKind
	ID             int64
	ConversationID int64
	SenderID       int64
	MessageType    MessageType
	Content        string
	MediaRef       string
	IsTyping       bool
	Online         bool
	Timestamp      int64 // Unix milliseconds
}

// Frame converts the event into the outbound wire representation.
func (e ChatEvent) Frame() ServerFrame {
	f := ServerFrame{
		Kind:            e.Kind,
		ConversationID:  e.ConversationID,
		ServerTimestamp: e.Timestamp,
	}
	switch e.Kind {
	case ServerFrameMessage:
		f.ID = e.ID
		f.Sender = e.SenderID
		f.MessageType = e.MessageType
		f.Content = e.Content
		f.MediaRef = e.MediaRef
	case ServerFrameTyping:
		f.UserID = e.SenderID
		typing := e.IsTyping
		f.IsTyping = &typing
	case ServerFramePresence:
		f.UserID = e.SenderID
		online := e.Online
		f.Online = &online
	}
	return f
}

type ClientFrameKind string

const (
	ClientFrameMessage   ClientFrameKind = "message"
	ClientFrameTyping    ClientFrameKind = "typing"
	ClientFramePing      ClientFrameKind = "ping"
	ClientFrameSubscribe ClientFrameKind = "subscribe"
)

// ClientFrame is a frame sent from the client to the gateway.
type ClientFrame struct {
	Kind           ClientFrameKind `json:"kind"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Content        string          `json:"content,omitempty"`
	MessageType    MessageType     `json:"message_type,omitempty"`
	MediaRef       string          `json:"media_ref,omitempty"`
	IsTyping       *bool           `json:"is_typing,omitempty"`
}

type ServerFrameKind string

const (
	ServerFrameMessage    ServerFrameKind = "message"
	ServerFrameTyping     ServerFrameKind = "typing"
	ServerFramePresence   ServerFrameKind = "presence"
	ServerFramePong       ServerFrameKind = "pong"
	ServerFrameSubscribed ServerFrameKind = "subscribed"
	ServerFrameError      ServerFrameKind = "error"
)

// ErrorCode identifies why a client frame was rejected.
type ErrorCode string

const (
	ErrorCodeForbidden     ErrorCode = "forbidden"
	ErrorCodePersistFailed ErrorCode = "persist_failed"
	ErrorCodeInvalid       ErrorCode = "invalid"
	ErrorCodeBadFrame      ErrorCode = "bad_frame"
	ErrorCodeUnknownKind   ErrorCode = "unknown_kind"
)

// ServerFrame is a frame sent from the gateway to the client.
type ServerFrame struct {
	Kind            ServerFrameKind `json:"kind" msgpack:"kind"`
	ID              int64           `json:"id,omitempty" msgpack:"id,omitempty"`
	ConversationID  int64           `json:"conversation_id,omitempty" msgpack:"conversationId,omitempty"`
	Sender          int64           `json:"sender,omitempty" msgpack:"sender,omitempty"`
	UserID          int64           `json:"user_id,omitempty" msgpack:"userId,omitempty"`
	MessageType     MessageType     `json:"message_type,omitempty" msgpack:"messageType,omitempty"`
	Content         string          `json:"content,omitempty" msgpack:"content,omitempty"`
	MediaRef        string          `json:"media_ref,omitempty" msgpack:"mediaRef,omitempty"`
	IsTyping        *bool           `json:"is_typing,omitempty" msgpack:"isTyping,omitempty"`
	Online          *bool           `json:"online,omitempty" msgpack:"online,omitempty"`
	Code            ErrorCode       `json:"code,omitempty" msgpack:"code,omitempty"`
	Error           string          `json:"error,omitempty" msgpack:"error,omitempty"`
	ServerTimestamp int64           `json:"server_timestamp" msgpack:"serverTimestamp"` // Unix milliseconds
}

// EnvelopeKind tells a bridge subscriber what to do with an envelope.
type EnvelopeKind string

const (
	EnvelopeEvent      EnvelopeKind = "event"
	EnvelopeDisconnect EnvelopeKind = "disconnect"
)

// Envelope is what travels over the cross-process bridge.
type Envelope struct {
	Origin string       `msgpack:"origin"`
	UserID int64        `msgpack:"userId"`
	Kind   EnvelopeKind `msgpack:"kind"`
	Frame  ServerFrame  `msgpack:"frame"`
}

const userTopicPrefix = "user:"

// UserTopicPattern matches every per-user topic.
const UserTopicPattern = userTopicPrefix + "*"

// UserTopic returns the per-user bridge topic.
func UserTopic(userID int64) string {
	return userTopicPrefix + strconv.FormatInt(userID, 10)
}

// ParseUserTopic extracts the user id from a per-user topic.
func ParseUserTopic(topic string) (int64, bool) {
	rest, ok := strings.CutPrefix(topic, userTopicPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
