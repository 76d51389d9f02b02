package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/fintask/engine/internal/app/engine"
)

// Directory adapts the identity repository to the engine's user directory:
// the engine only ever sees resolved display fields, never credentials.
type Directory struct {
	Repo Repository
}

func NewDirectory(repo Repository) Directory {
	return Directory{Repo: repo}
}

func (d Directory) Resolve(ctx context.Context, userID string) (engine.User, error) {
	if userID == "" {
		return engine.User{}, engine.ErrUnknownUser
	}
	u, err := d.Repo.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return engine.User{}, fmt.Errorf("user %q: %w", userID, engine.ErrUnknownUser)
		}
		return engine.User{}, err
	}
	return engine.User{ID: u.ID, Name: u.Name, Email: u.Email}, nil
}
