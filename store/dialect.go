package store

import "fmt"

// Dialect captures the SQL differences between backends, per spec.md
// §9's "discriminated union over store kinds" note: the tag lives here,
// and NotifyStrategy is the only outside caller that inspects it (to
// decide whether Postgres LISTEN/NOTIFY is available).
type Dialect interface {
	// Name identifies the dialect ("postgres" or "sqlite").
	Name() string

	// Placeholder returns the bind-parameter marker for the i-th
	// (1-based) argument in a query.
	Placeholder(i int) string

	// SupportsListen reports whether this dialect can back
	// notify.ServerNotify (Postgres LISTEN/NOTIFY).
	SupportsListen() bool

	// SupportsSkipLocked reports whether ClaimPending can use a
	// single-statement `FOR UPDATE SKIP LOCKED` claim, or must fall
	// back to the two-statement select+conditional-update described in
	// spec.md §9.
	SupportsSkipLocked() bool

	// NowExpr returns the SQL fragment for the current UTC timestamp.
	NowExpr() string

	// TextPK returns the column-type DDL fragment for a
	// TEXT/UUID primary key (both dialects store UUIDs as text).
	TextPK() string
}

type postgresDialect struct{}

func (postgresDialect) Name() string                 { return "postgres" }
func (postgresDialect) Placeholder(i int) string      { return fmt.Sprintf("$%d", i) }
func (postgresDialect) SupportsListen() bool          { return true }
func (postgresDialect) SupportsSkipLocked() bool      { return true }
func (postgresDialect) NowExpr() string               { return "now() AT TIME ZONE 'utc'" }
func (postgresDialect) TextPK() string                { return "TEXT PRIMARY KEY" }

type sqliteDialect struct{}

func (sqliteDialect) Name() string            { return "sqlite" }
func (sqliteDialect) Placeholder(int) string   { return "?" }
func (sqliteDialect) SupportsListen() bool     { return false }
func (sqliteDialect) SupportsSkipLocked() bool { return false }
func (sqliteDialect) NowExpr() string          { return "strftime('%Y-%m-%dT%H:%M:%fZ','now')" }
func (sqliteDialect) TextPK() string           { return "TEXT PRIMARY KEY" }

// Postgres is the Dialect for a jackc/pgx-backed Postgres connection.
var Postgres Dialect = postgresDialect{}

// SQLite is the Dialect for a modernc.org/sqlite-backed connection,
// the single-writer local store spec.md §9 describes as the fallback
// for stores that only serialize writes.
var SQLite Dialect = sqliteDialect{}

// DialectByName resolves "postgres" or "sqlite" to a Dialect.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case "postgres":
		return Postgres, nil
	case "sqlite":
		return SQLite, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, name)
	}
}
