package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Migration is one forward schema change, tracked by id so it only
// ever applies once. Grounded on the teacher's
// modules/database/migrations.go Migration/MigrationRunner pair.
type Migration struct {
	ID      string
	Version string
	SQL     string
}

// schemaMigrationsTable is the tracking table name, mirroring the
// teacher's "schema_migrations" convention.
const schemaMigrationsTable = "schema_migrations"

// Migrations returns the ordered set of migrations that create the
// three event-bus tables and their indexes, per spec.md §6.
func Migrations(dialect Dialect) []Migration {
	textPK := dialect.TextPK()
	now := dialect.NowExpr()

	eventsDDL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS events (
	id %s,
	organization_id TEXT NOT NULL,
	type TEXT NOT NULL,
	source TEXT NOT NULL,
	subject TEXT,
	event_time TIMESTAMP NOT NULL,
	datacontenttype TEXT NOT NULL DEFAULT 'application/json',
	dataschema TEXT,
	data TEXT,
	cron TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	next_retry_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT (%s),
	updated_at TIMESTAMP NOT NULL DEFAULT (%s)
)`, textPK, now, now)

	subscriptionsDDL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS event_subscriptions (
	id %s,
	organization_id TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	publisher TEXT,
	filter TEXT,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL DEFAULT (%s),
	updated_at TIMESTAMP NOT NULL DEFAULT (%s)
)`, textPK, now, now)

	deliveriesDDL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS event_deliveries (
	id %s,
	event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	subscription_id TEXT NOT NULL REFERENCES event_subscriptions(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	delivered_at TIMESTAMP,
	next_retry_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT (%s)
)`, textPK, now)

	return []Migration{
		{ID: "0001_events", Version: "0001", SQL: eventsDDL},
		{ID: "0002_event_subscriptions", Version: "0002", SQL: subscriptionsDDL},
		{ID: "0003_event_deliveries", Version: "0003", SQL: deliveriesDDL},
		{
			ID: "0004_index_claim", Version: "0004",
			SQL: "CREATE INDEX IF NOT EXISTS idx_deliveries_claim ON event_deliveries (status, next_retry_at)",
		},
		{
			ID: "0005_index_delivery_subscription", Version: "0005",
			SQL: "CREATE INDEX IF NOT EXISTS idx_deliveries_subscription ON event_deliveries (subscription_id)",
		},
		{
			ID: "0006_index_subscription_match", Version: "0006",
			SQL: "CREATE INDEX IF NOT EXISTS idx_subscriptions_match ON event_subscriptions (organization_id, event_type)",
		},
		{
			ID: "0007_index_cron_idempotency", Version: "0007",
			SQL: "CREATE INDEX IF NOT EXISTS idx_events_cron ON events (organization_id, type, source, cron) " +
				"WHERE status IN ('pending', 'processing')",
		},
	}
}

// MigrationRunner applies pending migrations exactly once, tracked in
// a schema_migrations table. Grounded on
// modules/database/migrations.go's MigrationRunner.
type MigrationRunner struct {
	db      *sql.DB
	dialect Dialect
}

// NewMigrationRunner wraps db for migration application.
func NewMigrationRunner(db *sql.DB, dialect Dialect) *MigrationRunner {
	return &MigrationRunner{db: db, dialect: dialect}
}

func (r *MigrationRunner) createMigrationsTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`, schemaMigrationsTable)
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: create migrations table: %w", err)
	}
	return nil
}

func (r *MigrationRunner) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT id FROM %s", schemaMigrationsTable))
	if err != nil {
		return nil, fmt.Errorf("store: query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan migration row: %w", err)
		}
		applied[id] = true
	}
	return applied, rows.Err()
}

// Run applies every migration in migrations that hasn't already been
// recorded as applied, in version order, each in its own transaction.
func (r *MigrationRunner) Run(ctx context.Context, migrations []Migration) error {
	if err := r.createMigrationsTable(ctx); err != nil {
		return err
	}
	applied, err := r.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	ordered := make([]Migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	for _, m := range ordered {
		if applied[m.ID] {
			continue
		}
		if err := r.runOne(ctx, m); err != nil {
			return fmt.Errorf("store: migration %s: %w", m.ID, err)
		}
	}
	return nil
}

func (r *MigrationRunner) runOne(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	recordSQL := fmt.Sprintf("INSERT INTO %s (id, version, applied_at) VALUES (%s, %s, %s)",
		schemaMigrationsTable, r.dialect.Placeholder(1), r.dialect.Placeholder(2), r.dialect.Placeholder(3))
	if _, err := tx.ExecContext(ctx, recordSQL, m.ID, m.Version, time.Now().UTC()); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}
