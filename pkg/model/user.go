// Package model defines the core domain types for Parley.
package model

import (
	"errors"
	"fmt"
	"time"
)

const (
	MaxUsernameLength = 32

	// TagLength is the number of digits in a discriminator tag.
	TagLength = 4
)

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrInvalidTag = fmt.Errorf("tag must be exactly %d digits", TagLength)

// User represents a registered account.
type User struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username"`
	Credential string    `json:"-"` // argon2id encoded hash, never serialized
	Tag        string    `json:"tag"` // 4-digit zero-padded discriminator
	Blocked    bool      `json:"blocked"`

	// CanCreateChannel is a legacy per-user override that predates roles.
	// It only affects the create-channel capability.
	CanCreateChannel bool      `json:"can_create_channel"`
	CreatedAt        time.Time `json:"created_at"`
}

// Handle returns the user's full "name#tag" handle.
func (u *User) Handle() string {
	return u.Username + "#" + u.Tag
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric,
// underscore, or hyphen characters.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// ValidateTag checks that a discriminator tag is exactly TagLength digits.
func ValidateTag(tag string) error {
	if len(tag) != TagLength {
		return ErrInvalidTag
	}
	for _, r := range tag {
		if r < '0' || r > '9' {
			return ErrInvalidTag
		}
	}
	return nil
}
