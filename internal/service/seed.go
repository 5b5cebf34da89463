package service

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"userseed/internal/domain"
)

// SeedOptions overrides the literal seed account.
type SeedOptions struct {
	Name         string
	Email        string
	PasswordHash string
	// Password, when set, is hashed with bcrypt and replaces PasswordHash.
	Password   string
	BcryptCost int
}

// BuildSeed resolves the seed account. A configured hash is passed through
// untouched; only a plaintext password goes through bcrypt.
func BuildSeed(opts SeedOptions) (domain.Seed, error) {
	seed := domain.Seed{
		Name:     strings.TrimSpace(opts.Name),
		Email:    strings.TrimSpace(opts.Email),
		Password: opts.PasswordHash,
	}
	if seed.Name == "" {
		return domain.Seed{}, errors.New("seed name is required")
	}
	if seed.Email == "" {
		return domain.Seed{}, errors.New("seed email is required")
	}

	password := strings.TrimSpace(opts.Password)
	if password == "" {
		if seed.Password == "" {
			return domain.Seed{}, errors.New("seed password hash is required")
		}
		return seed, nil
	}
	if len(password) < 8 {
		return domain.Seed{}, errors.New("seed password must be at least 8 characters")
	}

	cost := opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return domain.Seed{}, fmt.Errorf("hash seed password: %w", err)
	}
	seed.Password = string(hash)
	return seed, nil
}
