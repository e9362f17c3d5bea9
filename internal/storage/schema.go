package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS tournaments (
    id          UUID PRIMARY KEY,
    slug        TEXT NOT NULL UNIQUE,
    pin_hash    BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tournament_state (
    tournament_id UUID PRIMARY KEY REFERENCES tournaments(id) ON DELETE CASCADE,
    state         JSONB NOT NULL,
    version       BIGINT NOT NULL DEFAULT 0,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tournament_history (
    tournament_id UUID NOT NULL REFERENCES tournaments(id) ON DELETE CASCADE,
    version       BIGINT NOT NULL,
    state         JSONB NOT NULL,
    device_id     TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tournament_id, version)
);

CREATE TABLE IF NOT EXISTS tournament_snapshots (
    tournament_id UUID NOT NULL REFERENCES tournaments(id) ON DELETE CASCADE,
    version       BIGINT NOT NULL,
    object_path   TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tournament_id, version)
);
`

// Migrate creates the tables used by Store when they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
