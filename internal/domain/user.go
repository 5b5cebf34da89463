package domain

import (
	"errors"
	"strings"
	"time"
)

// User is an account record stored in the users collection.
// Password always holds an already salted hash and is stored as-is.
type User struct {
	ID        string
	Name      string
	Email     string
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewUser builds a user stamped with now. Both timestamps share the same
// instant, truncated to the millisecond precision every backend keeps.
func NewUser(name, email, password string, now time.Time) (*User, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("user name is required")
	}
	if strings.TrimSpace(email) == "" {
		return nil, errors.New("user email is required")
	}
	if password == "" {
		return nil, errors.New("user password is required")
	}

	ts := now.UTC().Truncate(time.Millisecond)
	return &User{
		Name:      name,
		Email:     email,
		Password:  password,
		CreatedAt: ts,
		UpdatedAt: ts,
	}, nil
}
