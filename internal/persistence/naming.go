package persistence

import (
	"context"
	"fmt"
	"strconv"
)

// maxNameProbes bounds UniqueName; a real owner never has this many copies.
const maxNameProbes = 10000

// UniqueName returns base if ownerID does not use it yet, otherwise the first
// free name among base1, base2, ...
func UniqueName(ctx context.Context, store WorkflowStore, ownerID, base string) (string, error) {
	return uniqueName(ctx, store, ownerID, base, "")
}

// UniqueNameExcept is UniqueName for a workflow that is being renamed and
// currently holds ownName; that name counts as free.
func UniqueNameExcept(ctx context.Context, store WorkflowStore, ownerID, base, ownName string) (string, error) {
	return uniqueName(ctx, store, ownerID, base, ownName)
}

func uniqueName(ctx context.Context, store WorkflowStore, ownerID, base, ownName string) (string, error) {
	if base == "" {
		base = "Untitled workflow"
	}
	for i := 0; i < maxNameProbes; i++ {
		candidate := base
		if i > 0 {
			candidate = base + strconv.Itoa(i)
		}
		if ownName != "" && candidate == ownName {
			return candidate, nil
		}
		taken, err := store.NameExists(ctx, ownerID, candidate)
		if err != nil {
			return "", fmt.Errorf("probe name %q: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no free suffix for %q", ErrNameTaken, base)
}
