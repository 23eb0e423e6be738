package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLStore is the generic database/sql-backed Store implementation.
// Dialect supplies the SQL differences between Postgres and SQLite;
// everything else (the state machine, the invariants) is identical
// across both, per spec.md §4.1. Grounded on the teacher's
// modules/database.DatabaseService: a bare *sql.DB wrapped with
// driver-agnostic operations plus a driver string for the bits that
// genuinely differ.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db. Callers are responsible for opening db with the
// driver matching dialect (e.g. "pgx" for Postgres, "sqlite" for
// modernc.org/sqlite) and for running Migrations via MigrationRunner
// before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	if dialect == SQLite {
		// The two-statement claim fallback requires a single serialized
		// writer; modernc.org/sqlite has no real connection pooling
		// benefit for writes anyway.
		db.SetMaxOpenConns(1)
	}
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) ph(i int) string { return s.dialect.Placeholder(i) }

// placeholders returns "$1, $2, ..." (or "?, ?, ...") for n args
// starting at offset+1.
func (s *SQLStore) placeholders(n, offset int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = s.ph(offset + i + 1)
	}
	return strings.Join(parts, ", ")
}

func nullableString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullableTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

func ptrFromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func ptrFromNullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time.UTC()
	return &v
}

// --- Event operations ---------------------------------------------------

func (s *SQLStore) InsertEvent(ctx context.Context, orgID string, input PublishInput) (Event, error) {
	if input.Type == "" {
		return Event{}, newError(KindInvalidInput, ErrMissingType)
	}
	if input.DeliverAt != nil && input.Cron != nil {
		return Event{}, newError(KindInvalidInput, ErrMutuallyExclusive)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, newError(KindTransient, fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if input.Cron != nil {
		query := fmt.Sprintf(`SELECT %s FROM events
			WHERE organization_id = %s AND type = %s AND source = %s AND cron = %s
			AND status IN ('pending', 'processing') LIMIT 1`,
			eventColumns, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
		row := tx.QueryRowContext(ctx, query, orgID, input.Type, input.Source, *input.Cron)
		if existing, err := scanEvent(row); err == nil {
			if commitErr := tx.Commit(); commitErr != nil {
				return Event{}, newError(KindTransient, commitErr)
			}
			return existing, nil
		} else if err != sql.ErrNoRows {
			return Event{}, newError(KindTransient, fmt.Errorf("cron idempotency check: %w", err))
		}
	}

	now := time.Now().UTC()
	contentType := input.DataContentType
	if contentType == "" {
		contentType = "application/json"
	}
	e := Event{
		ID:              uuid.New(),
		OrgID:           orgID,
		Type:            input.Type,
		Source:          input.Source,
		Subject:         input.Subject,
		Time:            now,
		DataContentType: contentType,
		DataSchema:      input.DataSchema,
		Data:            input.Data,
		Cron:            input.Cron,
		Status:          StatusPending,
		Attempts:        0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	insert := fmt.Sprintf(`INSERT INTO events
		(id, organization_id, type, source, subject, event_time, datacontenttype, dataschema, data, cron, status, attempts, created_at, updated_at)
		VALUES (%s)`, s.placeholders(14, 0))
	_, err = tx.ExecContext(ctx, insert,
		e.ID.String(), e.OrgID, e.Type, e.Source, nullableString(e.Subject), e.Time,
		e.DataContentType, nullableString(e.DataSchema), dataToString(e.Data), nullableString(e.Cron),
		string(e.Status), e.Attempts, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return Event{}, newError(KindFatal, fmt.Errorf("insert event: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return Event{}, newError(KindTransient, fmt.Errorf("commit: %w", err))
	}
	return e, nil
}

func dataToString(d json.RawMessage) sql.NullString {
	if len(d) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(d), Valid: true}
}

const eventColumns = `id, organization_id, type, source, subject, event_time, datacontenttype, dataschema, data, cron, status, attempts, last_error, next_retry_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		e                                     Event
		idStr                                 string
		subject, dataSchema, cron, lastError  sql.NullString
		data                                  sql.NullString
		nextRetryAt                           sql.NullTime
		status                                string
	)
	err := row.Scan(&idStr, &e.OrgID, &e.Type, &e.Source, &subject, &e.Time, &e.DataContentType,
		&dataSchema, &data, &cron, &status, &e.Attempts, &lastError, &nextRetryAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Event{}, err
	}
	e.ID, err = uuid.Parse(idStr)
	if err != nil {
		return Event{}, fmt.Errorf("parse event id: %w", err)
	}
	e.Subject = ptrFromNullString(subject)
	e.DataSchema = ptrFromNullString(dataSchema)
	e.Cron = ptrFromNullString(cron)
	e.LastError = ptrFromNullString(lastError)
	e.NextRetryAt = ptrFromNullTime(nextRetryAt)
	e.Status = Status(status)
	if data.Valid {
		e.Data = json.RawMessage(data.String)
	}
	return e, nil
}

func (s *SQLStore) GetEvent(ctx context.Context, orgID string, id uuid.UUID) (Event, error) {
	query := fmt.Sprintf("SELECT %s FROM events WHERE id = %s AND organization_id = %s", eventColumns, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, query, id.String(), orgID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return Event{}, newError(KindNotFound, ErrEventNotFound)
	}
	if err != nil {
		return Event{}, newError(KindTransient, err)
	}
	return e, nil
}

func (s *SQLStore) CancelEvent(ctx context.Context, orgID string, eventID uuid.UUID, callerConnectionID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, newError(KindTransient, err)
	}
	defer func() { _ = tx.Rollback() }()

	errMsg := "Cancelled by publisher"
	now := time.Now().UTC()

	update := fmt.Sprintf(`UPDATE events SET status = 'failed', last_error = %s, updated_at = %s
		WHERE id = %s AND organization_id = %s AND source = %s AND status IN ('pending', 'processing')`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	res, err := tx.ExecContext(ctx, update, errMsg, now, eventID.String(), orgID, callerConnectionID)
	if err != nil {
		return false, newError(KindFatal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newError(KindFatal, err)
	}
	if n == 0 {
		return false, tx.Commit()
	}

	updateDeliveries := fmt.Sprintf(`UPDATE event_deliveries SET status = 'failed', last_error = %s
		WHERE event_id = %s AND status IN ('pending', 'processing')`, s.ph(1), s.ph(2))
	if _, err := tx.ExecContext(ctx, updateDeliveries, errMsg, eventID.String()); err != nil {
		return false, newError(KindFatal, err)
	}

	if err := tx.Commit(); err != nil {
		return false, newError(KindTransient, err)
	}
	return true, nil
}

// --- Subscription matching ----------------------------------------------

func (s *SQLStore) MatchSubscriptions(ctx context.Context, event Event) ([]Subscription, error) {
	query := fmt.Sprintf(`SELECT %s FROM event_subscriptions
		WHERE organization_id = %s AND event_type = %s AND enabled = %s
		AND (publisher IS NULL OR publisher = %s)
		ORDER BY created_at ASC`, subscriptionColumns, s.ph(1), s.ph(2), s.boolTrue(), s.ph(3))
	rows, err := s.db.QueryContext(ctx, query, event.OrgID, event.Type, event.Source)
	if err != nil {
		return nil, newError(KindTransient, err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (s *SQLStore) boolTrue() string {
	if s.dialect == SQLite {
		return "1"
	}
	return "TRUE"
}

const subscriptionColumns = `id, organization_id, connection_id, event_type, publisher, filter, enabled, created_at, updated_at`

func scanSubscription(row rowScanner) (Subscription, error) {
	var (
		sub         Subscription
		idStr       string
		publisher   sql.NullString
		filter      sql.NullString
		enabledCode interface{}
	)
	err := row.Scan(&idStr, &sub.OrgID, &sub.ConnectionID, &sub.EventType, &publisher, &filter, &enabledCode, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return Subscription{}, err
	}
	sub.ID, err = uuid.Parse(idStr)
	if err != nil {
		return Subscription{}, fmt.Errorf("parse subscription id: %w", err)
	}
	sub.Publisher = ptrFromNullString(publisher)
	sub.Filter = ptrFromNullString(filter)
	sub.Enabled = truthy(enabledCode)
	return sub, nil
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case []byte:
		return string(t) == "1" || strings.EqualFold(string(t), "true")
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	default:
		return false
	}
}

func scanSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// --- Deliveries -----------------------------------------------------------

func (s *SQLStore) InsertDeliveries(ctx context.Context, eventID uuid.UUID, subscriptionIDs []uuid.UUID, deliverAt *time.Time) error {
	if len(subscriptionIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newError(KindTransient, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	insert := fmt.Sprintf(`INSERT INTO event_deliveries
		(id, event_id, subscription_id, status, attempts, next_retry_at, created_at) VALUES (%s)`,
		s.placeholders(7, 0))
	for _, subID := range subscriptionIDs {
		_, err := tx.ExecContext(ctx, insert, uuid.New().String(), eventID.String(), subID.String(),
			string(StatusPending), 0, nullableTime(deliverAt), now)
		if err != nil {
			return newError(KindFatal, fmt.Errorf("insert delivery: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return newError(KindTransient, err)
	}
	return nil
}

const deliveryColumns = `id, event_id, subscription_id, status, attempts, last_error, delivered_at, next_retry_at, created_at`

func scanDelivery(row rowScanner) (Delivery, error) {
	var (
		d                                   Delivery
		idStr, eventIDStr, subscriptionID   string
		status                              string
		lastError                          sql.NullString
		deliveredAt, nextRetryAt           sql.NullTime
	)
	err := row.Scan(&idStr, &eventIDStr, &subscriptionID, &status, &d.Attempts, &lastError, &deliveredAt, &nextRetryAt, &d.CreatedAt)
	if err != nil {
		return Delivery{}, err
	}
	if d.ID, err = uuid.Parse(idStr); err != nil {
		return Delivery{}, err
	}
	if d.EventID, err = uuid.Parse(eventIDStr); err != nil {
		return Delivery{}, err
	}
	if d.SubscriptionID, err = uuid.Parse(subscriptionID); err != nil {
		return Delivery{}, err
	}
	d.Status = Status(status)
	d.LastError = ptrFromNullString(lastError)
	d.DeliveredAt = ptrFromNullTime(deliveredAt)
	d.NextRetryAt = ptrFromNullTime(nextRetryAt)
	return d, nil
}

// ClaimPending atomically claims up to limit eligible deliveries.
//
// Postgres: a single UPDATE ... FROM (SELECT ... FOR UPDATE SKIP LOCKED)
// RETURNING statement, so two concurrent claimers never see the same
// row (spec.md §4.1/§9).
//
// SQLite: the two-statement fallback. SQLStore forces SetMaxOpenConns(1)
// for the SQLite dialect so the select and the conditional update are
// never interleaved with another claimer's statements on a different
// connection; the WHERE status = 'pending' guard on the UPDATE makes
// the claim self-correcting even if that assumption is ever relaxed.
func (s *SQLStore) ClaimPending(ctx context.Context, limit int) ([]Claim, error) {
	if limit <= 0 {
		return nil, nil
	}
	if s.dialect.SupportsSkipLocked() {
		return s.claimPendingSkipLocked(ctx, limit)
	}
	return s.claimPendingFallback(ctx, limit)
}

func (s *SQLStore) claimPendingSkipLocked(ctx context.Context, limit int) ([]Claim, error) {
	query := fmt.Sprintf(`UPDATE event_deliveries d SET status = 'processing'
		FROM (
			SELECT d2.id FROM event_deliveries d2
			JOIN event_subscriptions s2 ON s2.id = d2.subscription_id
			WHERE d2.status = 'pending' AND s2.enabled = TRUE
			AND (d2.next_retry_at IS NULL OR d2.next_retry_at <= %s)
			ORDER BY d2.created_at ASC
			LIMIT %s
			FOR UPDATE SKIP LOCKED
		) eligible
		WHERE d.id = eligible.id
		RETURNING %s`, s.dialect.NowExpr(), s.ph(1), "d."+strings.ReplaceAll(deliveryColumns, ", ", ", d."))

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, newError(KindTransient, fmt.Errorf("claim pending: %w", err))
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, newError(KindFatal, err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, newError(KindTransient, err)
	}
	return s.hydrateClaims(ctx, deliveries)
}

func (s *SQLStore) claimPendingFallback(ctx context.Context, limit int) ([]Claim, error) {
	selectQuery := fmt.Sprintf(`SELECT d.id FROM event_deliveries d
		JOIN event_subscriptions s ON s.id = d.subscription_id
		WHERE d.status = 'pending' AND s.enabled = %s
		AND (d.next_retry_at IS NULL OR d.next_retry_at <= %s)
		ORDER BY d.created_at ASC LIMIT %s`, s.boolTrue(), s.ph(1), s.ph(2))

	// The current time is bound as a parameter rather than taken from
	// NowExpr so it is written in the same text format the driver used
	// for next_retry_at, keeping the comparison consistent.
	rows, err := s.db.QueryContext(ctx, selectQuery, time.Now().UTC(), limit)
	if err != nil {
		return nil, newError(KindTransient, fmt.Errorf("select eligible: %w", err))
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, newError(KindFatal, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, newError(KindTransient, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var claimed []Delivery
	for _, id := range ids {
		updateQuery := fmt.Sprintf(`UPDATE event_deliveries SET status = 'processing' WHERE id = %s AND status = 'pending'`, s.ph(1))
		res, err := s.db.ExecContext(ctx, updateQuery, id)
		if err != nil {
			return nil, newError(KindFatal, fmt.Errorf("conditional claim: %w", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, newError(KindFatal, err)
		}
		if n == 0 {
			// Another claimer (or a concurrent cancel) got it first.
			continue
		}
		row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM event_deliveries WHERE id = %s", deliveryColumns, s.ph(1)), id)
		d, err := scanDelivery(row)
		if err != nil {
			return nil, newError(KindFatal, err)
		}
		claimed = append(claimed, d)
	}
	return s.hydrateClaims(ctx, claimed)
}

func (s *SQLStore) hydrateClaims(ctx context.Context, deliveries []Delivery) ([]Claim, error) {
	claims := make([]Claim, 0, len(deliveries))
	for _, d := range deliveries {
		row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM events WHERE id = %s", eventColumns, s.ph(1)), d.EventID.String())
		event, err := scanEvent(row)
		if err != nil {
			return nil, newError(KindFatal, fmt.Errorf("hydrate event %s: %w", d.EventID, err))
		}
		row = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM event_subscriptions WHERE id = %s", subscriptionColumns, s.ph(1)), d.SubscriptionID.String())
		sub, err := scanSubscription(row)
		if err != nil {
			return nil, newError(KindFatal, fmt.Errorf("hydrate subscription %s: %w", d.SubscriptionID, err))
		}
		claims = append(claims, Claim{Delivery: d, Event: event, Subscription: sub})
	}
	_ = ctx
	return claims, nil
}

func (s *SQLStore) idFilter(ids []uuid.UUID) ([]string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = s.ph(i + 1)
		args[i] = id.String()
	}
	return placeholders, args
}

func (s *SQLStore) MarkDelivered(ctx context.Context, deliveryIDs []uuid.UUID) error {
	if len(deliveryIDs) == 0 {
		return nil
	}
	placeholders, args := s.idFilter(deliveryIDs)
	now := time.Now().UTC()
	query := fmt.Sprintf("UPDATE event_deliveries SET status = 'delivered', delivered_at = %s WHERE id IN (%s)",
		s.ph(len(args)+1), strings.Join(placeholders, ", "))
	args = append(args, now)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return newError(KindFatal, err)
	}
	return nil
}

// MarkFailed applies the retry policy per-delivery: each delivery's
// Attempts is independent, so this issues one UPDATE per delivery
// rather than a single batched statement (a batched statement can't
// express "attempts >= maxAttempts ? terminal : backoff" differently
// per row portably across both dialects).
func (s *SQLStore) MarkFailed(ctx context.Context, deliveryIDs []uuid.UUID, errMsg string, maxAttempts int, baseDelayMs, maxDelayMs int64) (int, error) {
	deadLettered := 0
	for _, id := range deliveryIDs {
		row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT attempts FROM event_deliveries WHERE id = %s", s.ph(1)), id.String())
		var attempts int
		if err := row.Scan(&attempts); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return deadLettered, newError(KindFatal, err)
		}
		attempts++

		if attempts >= maxAttempts {
			query := fmt.Sprintf(`UPDATE event_deliveries SET status = 'failed', attempts = %s, last_error = %s, next_retry_at = NULL WHERE id = %s`,
				s.ph(1), s.ph(2), s.ph(3))
			if _, err := s.db.ExecContext(ctx, query, attempts, errMsg, id.String()); err != nil {
				return deadLettered, newError(KindFatal, err)
			}
			deadLettered++
			continue
		}

		delay := RetryDelay(attempts, baseDelayMs, maxDelayMs)
		next := time.Now().UTC().Add(time.Duration(delay) * time.Millisecond)
		query := fmt.Sprintf(`UPDATE event_deliveries SET status = 'pending', attempts = %s, last_error = %s, next_retry_at = %s WHERE id = %s`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4))
		if _, err := s.db.ExecContext(ctx, query, attempts, errMsg, next, id.String()); err != nil {
			return deadLettered, newError(KindFatal, err)
		}
	}
	return deadLettered, nil
}

func (s *SQLStore) ScheduleRetryNoIncrement(ctx context.Context, deliveryIDs []uuid.UUID, delayMs int64) error {
	if len(deliveryIDs) == 0 {
		return nil
	}
	placeholders, args := s.idFilter(deliveryIDs)
	next := time.Now().UTC().Add(time.Duration(delayMs) * time.Millisecond)
	query := fmt.Sprintf("UPDATE event_deliveries SET status = 'pending', next_retry_at = %s WHERE id IN (%s)",
		s.ph(len(args)+1), strings.Join(placeholders, ", "))
	args = append(args, next)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return newError(KindFatal, err)
	}
	return nil
}

// RollupEventStatus must not downgrade a terminal status (spec.md
// §4.1). The WHERE clause on each UPDATE only matches events not
// already in the target status (or, for the delivered transition, a
// cron event currently 'failed' from an earlier tick), so a concurrent
// cancel always wins over a rollup racing it.
func (s *SQLStore) RollupEventStatus(ctx context.Context, eventID uuid.UUID) error {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status IN ('pending', 'processing') THEN 1 ELSE 0 END)
		FROM event_deliveries WHERE event_id = %s`, s.ph(1)), eventID.String())

	var total, delivered, failed, active sql.NullInt64
	if err := row.Scan(&total, &delivered, &failed, &active); err != nil {
		return newError(KindFatal, err)
	}
	if total.Int64 == 0 {
		return nil
	}

	now := time.Now().UTC()
	if delivered.Int64 == total.Int64 {
		// A cron event may leave 'failed' on a later tick's rollup (its
		// next occurrence delivered cleanly); a one-shot event may not,
		// matching MemoryStore.RollupEventStatus's early-return guard.
		query := fmt.Sprintf(`UPDATE events SET status = 'delivered', updated_at = %s
			WHERE id = %s AND status != 'delivered' AND (cron IS NOT NULL OR status != 'failed')`, s.ph(1), s.ph(2))
		_, err := s.db.ExecContext(ctx, query, now, eventID.String())
		if err != nil {
			return newError(KindFatal, err)
		}
		return nil
	}
	if failed.Int64 > 0 && active.Int64 == 0 {
		query := fmt.Sprintf(`UPDATE events SET status = 'failed', updated_at = %s
			WHERE id = %s AND status != 'delivered'`, s.ph(1), s.ph(2))
		_, err := s.db.ExecContext(ctx, query, now, eventID.String())
		if err != nil {
			return newError(KindFatal, err)
		}
	}
	return nil
}

func (s *SQLStore) ResetStuck(ctx context.Context) (int, error) {
	query := "UPDATE event_deliveries SET status = 'pending' WHERE status = 'processing'"
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, newError(KindFatal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newError(KindFatal, err)
	}
	return int(n), nil
}

func (s *SQLStore) AckDelivery(ctx context.Context, orgID string, eventID uuid.UUID, subscriberConnectionID string) (bool, error) {
	now := time.Now().UTC()
	query := fmt.Sprintf(`UPDATE event_deliveries SET status = 'delivered', delivered_at = %s
		WHERE event_id = %s AND status IN ('pending', 'processing')
		AND subscription_id IN (
			SELECT id FROM event_subscriptions WHERE organization_id = %s AND connection_id = %s
		)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	res, err := s.db.ExecContext(ctx, query, now, eventID.String(), orgID, subscriberConnectionID)
	if err != nil {
		return false, newError(KindFatal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newError(KindFatal, err)
	}
	if n == 0 {
		return false, nil
	}
	if err := s.RollupEventStatus(ctx, eventID); err != nil {
		return true, err
	}
	return true, nil
}

// --- Subscriptions ----------------------------------------------------

func (s *SQLStore) Subscribe(ctx context.Context, orgID string, input SubscribeInput) (Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Subscription{}, newError(KindTransient, err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.findSubscription(ctx, tx, orgID, input.ConnectionID, input.EventType, input.Publisher, input.Filter)
	if err == nil {
		if commitErr := tx.Commit(); commitErr != nil {
			return Subscription{}, newError(KindTransient, commitErr)
		}
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return Subscription{}, newError(KindTransient, err)
	}

	now := time.Now().UTC()
	sub := Subscription{
		ID:           uuid.New(),
		OrgID:        orgID,
		ConnectionID: input.ConnectionID,
		EventType:    input.EventType,
		Publisher:    input.Publisher,
		Filter:       input.Filter,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	insert := fmt.Sprintf(`INSERT INTO event_subscriptions
		(id, organization_id, connection_id, event_type, publisher, filter, enabled, created_at, updated_at)
		VALUES (%s)`, s.placeholders(9, 0))
	_, err = tx.ExecContext(ctx, insert, sub.ID.String(), sub.OrgID, sub.ConnectionID, sub.EventType,
		nullableString(sub.Publisher), nullableString(sub.Filter), true, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return Subscription{}, newError(KindFatal, err)
	}
	if err := tx.Commit(); err != nil {
		return Subscription{}, newError(KindTransient, err)
	}
	return sub, nil
}

func (s *SQLStore) findSubscription(ctx context.Context, tx *sql.Tx, orgID, connectionID, eventType string, publisher, filter *string) (Subscription, error) {
	query := fmt.Sprintf(`SELECT %s FROM event_subscriptions
		WHERE organization_id = %s AND connection_id = %s AND event_type = %s
		AND publisher IS NOT DISTINCT FROM %s AND filter IS NOT DISTINCT FROM %s`,
		subscriptionColumns, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	if s.dialect == SQLite {
		// SQLite lacks IS NOT DISTINCT FROM; emulate with explicit NULL checks.
		query = fmt.Sprintf(`SELECT %s FROM event_subscriptions
			WHERE organization_id = %s AND connection_id = %s AND event_type = %s
			AND ((publisher IS NULL AND %s IS NULL) OR publisher = %s)
			AND ((filter IS NULL AND %s IS NULL) OR filter = %s)`,
			subscriptionColumns, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(4), s.ph(5), s.ph(5))
	}
	row := tx.QueryRowContext(ctx, query, orgID, connectionID, eventType, nullableString(publisher), nullableString(filter))
	return scanSubscription(row)
}

func (s *SQLStore) Unsubscribe(ctx context.Context, orgID string, id uuid.UUID) (bool, error) {
	query := fmt.Sprintf("DELETE FROM event_subscriptions WHERE id = %s AND organization_id = %s", s.ph(1), s.ph(2))
	res, err := s.db.ExecContext(ctx, query, id.String(), orgID)
	if err != nil {
		return false, newError(KindFatal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newError(KindFatal, err)
	}
	return n > 0, nil
}

func (s *SQLStore) GetSubscription(ctx context.Context, orgID string, id uuid.UUID) (Subscription, error) {
	query := fmt.Sprintf("SELECT %s FROM event_subscriptions WHERE id = %s AND organization_id = %s", subscriptionColumns, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, query, id.String(), orgID)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return Subscription{}, newError(KindNotFound, ErrSubscriptionNotFound)
	}
	if err != nil {
		return Subscription{}, newError(KindTransient, err)
	}
	return sub, nil
}

func (s *SQLStore) ListSubscriptions(ctx context.Context, orgID string, connectionID *string) ([]Subscription, error) {
	query := fmt.Sprintf("SELECT %s FROM event_subscriptions WHERE organization_id = %s", subscriptionColumns, s.ph(1))
	args := []interface{}{orgID}
	if connectionID != nil {
		query += fmt.Sprintf(" AND connection_id = %s", s.ph(2))
		args = append(args, *connectionID)
	}
	query += " ORDER BY created_at ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newError(KindTransient, err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// SyncSubscriptions reconciles current vs. desired subscriptions for
// (connectionID), identified by (EventType, Publisher), per spec.md
// §4.1's syncSubscriptions contract and the worked example in §8
// scenario 6.
func (s *SQLStore) SyncSubscriptions(ctx context.Context, orgID, connectionID string, desired []DesiredSubscription) (SyncResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncResult{}, newError(KindTransient, err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.currentSubscriptions(ctx, tx, orgID, connectionID)
	if err != nil {
		return SyncResult{}, newError(KindTransient, err)
	}

	type key struct {
		eventType string
		publisher string
	}
	keyOf := func(eventType string, publisher *string) key {
		p := ""
		if publisher != nil {
			p = *publisher
		}
		return key{eventType, p}
	}
	byKey := make(map[key]Subscription, len(current))
	for _, sub := range current {
		byKey[keyOf(sub.EventType, sub.Publisher)] = sub
	}

	result := SyncResult{}
	seen := make(map[key]bool, len(desired))
	now := time.Now().UTC()

	for _, d := range desired {
		k := keyOf(d.EventType, d.Publisher)
		seen[k] = true
		if existing, ok := byKey[k]; ok {
			if !ptrEq(existing.Filter, d.Filter) {
				query := fmt.Sprintf("UPDATE event_subscriptions SET filter = %s, updated_at = %s WHERE id = %s",
					s.ph(1), s.ph(2), s.ph(3))
				if _, err := tx.ExecContext(ctx, query, nullableString(d.Filter), now, existing.ID.String()); err != nil {
					return SyncResult{}, newError(KindFatal, err)
				}
				existing.Filter = d.Filter
				result.Updated++
			} else {
				result.Unchanged++
			}
			result.Subscriptions = append(result.Subscriptions, existing)
			continue
		}

		sub := Subscription{
			ID: uuid.New(), OrgID: orgID, ConnectionID: connectionID, EventType: d.EventType,
			Publisher: d.Publisher, Filter: d.Filter, Enabled: true, CreatedAt: now, UpdatedAt: now,
		}
		insert := fmt.Sprintf(`INSERT INTO event_subscriptions
			(id, organization_id, connection_id, event_type, publisher, filter, enabled, created_at, updated_at)
			VALUES (%s)`, s.placeholders(9, 0))
		_, err := tx.ExecContext(ctx, insert, sub.ID.String(), sub.OrgID, sub.ConnectionID, sub.EventType,
			nullableString(sub.Publisher), nullableString(sub.Filter), true, sub.CreatedAt, sub.UpdatedAt)
		if err != nil {
			return SyncResult{}, newError(KindFatal, err)
		}
		result.Created++
		result.Subscriptions = append(result.Subscriptions, sub)
	}

	for k, existing := range byKey {
		if !seen[k] {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM event_subscriptions WHERE id = %s", s.ph(1)), existing.ID.String()); err != nil {
				return SyncResult{}, newError(KindFatal, err)
			}
			result.Deleted++
		}
	}

	if err := tx.Commit(); err != nil {
		return SyncResult{}, newError(KindTransient, err)
	}
	return result, nil
}

func (s *SQLStore) currentSubscriptions(ctx context.Context, tx *sql.Tx, orgID, connectionID string) ([]Subscription, error) {
	query := fmt.Sprintf("SELECT %s FROM event_subscriptions WHERE organization_id = %s AND connection_id = %s",
		subscriptionColumns, s.ph(1), s.ph(2))
	rows, err := tx.QueryContext(ctx, query, orgID, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}
