package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownUser is returned when an assignee or actor reference cannot be
// resolved against the user directory.
var ErrUnknownUser = errors.New("unknown user")

// UserDirectory resolves user references to display fields. Implementations
// return ErrUnknownUser (possibly wrapped) for missing users.
type UserDirectory interface {
	Resolve(ctx context.Context, userID string) (User, error)
}

// Parties is the set of users interested in a task mutation: the current
// assignee and the creator are always in; a reassignment adds the previous
// assignee for handoff notification.
type Parties struct {
	Assignee    User
	CreatedBy   User
	OldAssignee User
}

// resolveParties validates every user reference the mutation touches before
// any write, and gathers the resolved display fields the dispatcher needs
// to render messages.
func resolveParties(ctx context.Context, dir UserDirectory, old, next Task, m Mutation) (Parties, error) {
	var p Parties
	var err error

	if next.CreatedBy != "" {
		p.CreatedBy, err = dir.Resolve(ctx, next.CreatedBy)
		if err != nil {
			return Parties{}, fmt.Errorf("resolve creator %q: %w", next.CreatedBy, err)
		}
	}

	if next.Assignee != "" {
		p.Assignee, err = dir.Resolve(ctx, next.Assignee)
		if err != nil {
			return Parties{}, fmt.Errorf("resolve assignee %q: %w", next.Assignee, err)
		}
	}

	if m.Op == OpReassign {
		if next.Assignee == "" {
			return Parties{}, fmt.Errorf("%w: assignee is required", ErrUnknownUser)
		}
		if old.Assignee == next.Assignee {
			return Parties{}, fmt.Errorf("%w: task is already assigned to that user", ErrInvalidTransition)
		}
		if old.Assignee != "" {
			p.OldAssignee, err = dir.Resolve(ctx, old.Assignee)
			if err != nil {
				return Parties{}, fmt.Errorf("resolve previous assignee %q: %w", old.Assignee, err)
			}
		}
	}

	return p, nil
}
