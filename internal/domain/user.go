// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrTokenEmpty      = errors.New("token empty")
)

type UserID string

type User struct {
	ID        UserID `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// NewUser derives a stable identity from an auth token. A token that is
// already a UUID is used verbatim.
func NewUser(token, username string) (*User, error) {
	if token == "" {
		return nil, ErrTokenEmpty
	}
	if username == "" {
		username = "guest"
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	return &User{ID: UserIDFromToken(token), Username: username}, nil
}

func UserIDFromToken(token string) UserID {
	if id, err := uuid.Parse(token); err == nil {
		return UserID(id.String())
	}
	return UserID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(token)).String())
}

func (u *User) SetUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}

// Polite reports whether local yields on offer collisions with remote.
// Both ends compute opposite answers from the same pair.
func Polite(local, remote UserID) bool {
	return local < remote
}
