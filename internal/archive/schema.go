package archive

import (
	"context"
	"fmt"
)

// schema creates the calls table. Kept as a single idempotent statement —
// the archive has exactly one table and no cross-version migration history
// yet.
const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id               TEXT PRIMARY KEY,
	occurred_at      TIMESTAMPTZ NOT NULL,
	talkgroup        TEXT NOT NULL DEFAULT '',
	source           TEXT NOT NULL DEFAULT '',
	site             TEXT NOT NULL DEFAULT '',
	receiver         TEXT NOT NULL DEFAULT '',
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	transcript       TEXT NOT NULL DEFAULT '',
	audio_url        TEXT NOT NULL DEFAULT '',
	archived_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS calls_occurred_at_idx ON calls (occurred_at DESC);
`

// Migrate ensures the archive schema exists.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("archive: apply schema: %w", err)
	}
	return nil
}
