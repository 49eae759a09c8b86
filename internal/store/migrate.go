package store

import (
	"context"
	"fmt"
	"time"
)

// migration is one schema step. Statements run one by one inside a
// transaction so both SQLite and Postgres accept them.
type migration struct {
	Version     int
	Description string
	Statements  []string
}

// Timestamps are unix milliseconds in BIGINT columns so the same SQL runs
// on both drivers.
var migrations = []migration{
	{
		Version:     1,
		Description: "offsets",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS offsets (
				chat_id     BIGINT PRIMARY KEY,
				message_id  BIGINT NOT NULL,
				updated_at  BIGINT NOT NULL
			)`,
		},
	},
	{
		Version:     2,
		Description: "feed: conversations, senders, messages",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS feed_conversations (
				id               BIGINT PRIMARY KEY,
				kind             TEXT NOT NULL,
				title            TEXT NOT NULL DEFAULT '',
				last_message_id  BIGINT NOT NULL DEFAULT 0,
				last_message_at  BIGINT NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS feed_senders (
				id            BIGINT PRIMARY KEY,
				display_name  TEXT NOT NULL DEFAULT '',
				username      TEXT NOT NULL DEFAULT '',
				is_bot        BOOLEAN NOT NULL DEFAULT FALSE,
				updated_at    BIGINT NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS feed_messages (
				chat_id      BIGINT NOT NULL,
				message_id   BIGINT NOT NULL,
				sender_id    BIGINT NOT NULL DEFAULT 0,
				direction    TEXT NOT NULL,
				text         TEXT NOT NULL DEFAULT '',
				reply_to_id  BIGINT NOT NULL DEFAULT 0,
				has_media    BOOLEAN NOT NULL DEFAULT FALSE,
				sent_at      BIGINT NOT NULL,
				PRIMARY KEY (chat_id, message_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_feed_messages_sent ON feed_messages(sent_at)`,
		},
	},
}

// migrate applies all pending schema migrations, tracked in schema_version.
func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  BIGINT
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := d.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		d.logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range m.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d: %w", m.Version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			d.rebind(`INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)
			 ON CONFLICT (version) DO NOTHING`),
			m.Version, m.Description, time.Now().UnixMilli(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := d.queryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}

// LatestSchemaVersion is the version a fully migrated database reports.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].Version
}
