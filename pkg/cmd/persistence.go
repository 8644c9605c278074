package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vantagecrm/relay/pkg/persistence"
	"github.com/vantagecrm/relay/pkg/persistence/memory"
	"github.com/vantagecrm/relay/pkg/persistence/postgresql"
)

// NewPersistence selects the storage backend from the database URL scheme.
// A postgres URL gets the PostgreSQL backend; anything else falls back to the
// in-memory store, which is only suitable for development and tests.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgresql persistence: %w", err)
		}

		return store, nil
	case databaseURL == "" || databaseURL == "memory://":
		logger.WarnContext(ctx, "Using in-memory persistence, state is lost on restart")

		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database url scheme: %s", databaseURL)
	}
}
