// Package domain contains the chat entities without transport or lifecycle logic.
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 64
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrUserIDEmpty        = errors.New("user id empty")
	ErrUserIDTooLong      = errors.New("user id too long")
)

type UserID string

// User is the identity of the local session, used as sender of optimistic messages.
type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"display_name"`
}

// NewUser validates the identity fields; an empty display name falls back to the id.
func NewUser(id, displayName string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return User{}, ErrUserIDTooLong
	}
	u := User{ID: UserID(id)}
	if err := u.SetDisplayName(displayName); err != nil {
		return User{}, err
	}
	return u, nil
}

func (u *User) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		name = string(u.ID)
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	u.DisplayName = name
	return nil
}
