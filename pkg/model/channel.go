package model

import (
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// ChannelDefaultName is the channel every session joins after auth.
	ChannelDefaultName = "general"

	MaxChannelNameLength = 64
)

// ChannelKind distinguishes text channels from voice groups.
type ChannelKind string

const (
	ChannelText  ChannelKind = "TEXT"
	ChannelVoice ChannelKind = "VOICE"
)

var ErrChannelNameEmpty = errors.New("channel name must not be empty")
var ErrChannelNameTooLong = errors.New("channel name too long")
var ErrChannelNameInvalidChars = errors.New("channel name must contain only alphanumeric characters, underscores, or hyphens")
var ErrChannelInvalidKind = errors.New("channel kind must be TEXT or VOICE")

// Channel represents a persisted channel. The live member set is held by
// the server registry, never here.
type Channel struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	ServerID  int64       `json:"server_id"`
	Kind      ChannelKind `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewChannel returns a TEXT channel with the given name on the default server.
func NewChannel(name string) *Channel {
	return &Channel{Name: name, ServerID: DefaultServerID, Kind: ChannelText}
}

// Validate checks channel fields before persistence.
func (ch *Channel) Validate() error {
	if err := ValidateChannelName(ch.Name); err != nil {
		return err
	}
	if ch.Kind != ChannelText && ch.Kind != ChannelVoice {
		return ErrChannelInvalidKind
	}
	return nil
}

// ValidateChannelName checks that a channel name is 1-64 ASCII
// alphanumeric, underscore, or hyphen characters. The charset keeps
// channel names disjoint from direct-message keys, which carry ':' and
// '|', so no channel can alias a two-party conversation.
func ValidateChannelName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrChannelNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxChannelNameLength {
		return ErrChannelNameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrChannelNameInvalidChars
		}
	}
	return nil
}

// ParseChannelKind converts a string to a ChannelKind, defaulting to TEXT.
func ParseChannelKind(s string) ChannelKind {
	if strings.EqualFold(strings.TrimSpace(s), string(ChannelVoice)) {
		return ChannelVoice
	}
	return ChannelText
}

// ChannelKey returns the history key for a channel. Default-server
// channels key by bare name; other workspaces prefix the server ID.
func ChannelKey(serverID int64, name string) string {
	if serverID == DefaultServerID {
		return name
	}
	return strconv.FormatInt(serverID, 10) + "/" + name
}

// DirectKey returns the canonical history key for a two-party conversation.
// The key is identical regardless of which party is named first.
func DirectKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + "|" + b
}
