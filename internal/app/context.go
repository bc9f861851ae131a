package app

import (
	"context"
	"errors"
	"fmt"

	"deedline/internal/config"
	"deedline/internal/repo"
)

// ResolveConfig loads the active workflow config from the database, seeding
// the default pipeline when the registry has none yet. The database is the
// single source of truth for the CLI and the server; config import is an
// explicit operation.
func ResolveConfig(ctx context.Context, registryID string, r repo.Repo) (*config.Config, error) {
	if registryID == "" {
		registryID = "deedline"
	}
	cfg, err := r.GetWorkflowConfig(ctx, registryID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default(registryID)
	if err := r.UpsertWorkflowConfig(ctx, registryID, seed); err != nil {
		return nil, fmt.Errorf("seed workflow config: %w", err)
	}
	return seed, nil
}
