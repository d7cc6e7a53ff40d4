package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MessageMaxBodyLength = 2000

	// MessageMaxFileBytes bounds inline file payloads.
	MessageMaxFileBytes = 128 * 1024
)

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")
var ErrMessageFileTooLarge = fmt.Errorf("file payload exceeds %d bytes", MessageMaxFileBytes)

// MessageKind classifies wire and stored messages.
type MessageKind string

const (
	KindChat         MessageKind = "CHAT"
	KindSystem       MessageKind = "SYSTEM"
	KindPrivate      MessageKind = "PRIVATE"
	KindFile         MessageKind = "FILE"
	KindUserList     MessageKind = "USER_LIST"
	KindChannelList  MessageKind = "CHANNEL_LIST"
	KindChannelUsers MessageKind = "CHANNEL_USERS"
	KindStatusUpdate MessageKind = "STATUS_UPDATE"
	KindFriendList   MessageKind = "FRIEND_LIST"
	KindUserInfo     MessageKind = "USER_INFO"
	KindRolesList    MessageKind = "ROLES_LIST"
)

// Persistent reports whether messages of this kind are written to storage.
// Presence lists, status updates, and other derived kinds are ephemeral.
func (k MessageKind) Persistent() bool {
	switch k {
	case KindChat, KindFile, KindPrivate:
		return true
	default:
		return false
	}
}

// Message is a stored chat record. ChannelKey is either a channel name or
// a DirectKey for private conversations.
type Message struct {
	ID         int64       `json:"id"`
	ChannelKey string      `json:"channel_key"`
	Author     string      `json:"author"`
	Kind       MessageKind `json:"kind"`
	Body       string      `json:"body"`
	FileName   string      `json:"file_name,omitempty"`
	FileBytes  []byte      `json:"file_bytes,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Validate checks a message before persistence.
func (m *Message) Validate() error {
	if m.Kind == KindFile {
		if len(m.FileBytes) > MessageMaxFileBytes {
			return ErrMessageFileTooLarge
		}
		return nil
	}
	if strings.TrimSpace(m.Body) == "" {
		return ErrMessageBodyEmpty
	}
	if utf8.RuneCountInString(m.Body) > MessageMaxBodyLength {
		return ErrMessageBodyTooLong
	}
	return nil
}
