package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shohag/driprelay/internal/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Storage on database/sql. The same statements run on
// SQLite and Postgres; placeholders are rebound for Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// DB exposes the pool for components that need a raw connection, such as
// the advisory sweep lock.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.dialect == dialectPostgres {
		return migratePostgres(ctx, s.db)
	}
	return migrateSQLite(ctx, s.db)
}

func (s *SQLStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	return rebind(query)
}

// rebind turns ? placeholders into $1..$n.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// --- Sequences ---

const sequenceColumns = `id, form_id, dedupe_key, topic, inputs, target_count, cadence_days, topic_depth, sections,
	recipient, preferred_time, timezone, progress, status, last_error, next_delivery, active, created_at, updated_at`

func (s *SQLStore) CreateSequence(ctx context.Context, seq *models.Sequence) error {
	inputs, err := json.Marshal(seq.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	sections, err := json.Marshal(seq.Sections)
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO sequences (`+sequenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		seq.ID, seq.FormID, seq.DedupeKey, seq.Topic, string(inputs), seq.TargetCount, seq.CadenceDays,
		seq.TopicDepth, string(sections), seq.Recipient, seq.PreferredTime.String(), seq.Timezone,
		seq.Progress, string(seq.Status), seq.LastError, seq.NextDelivery, seq.Active,
		seq.CreatedAt.UTC(), seq.UpdatedAt.UTC(),
	)
	return err
}

func scanSequence(row interface{ Scan(...any) error }) (*models.Sequence, error) {
	var seq models.Sequence
	var inputs, sections, preferred, status string
	var lastError sql.NullString
	var next sql.NullTime
	err := row.Scan(&seq.ID, &seq.FormID, &seq.DedupeKey, &seq.Topic, &inputs, &seq.TargetCount,
		&seq.CadenceDays, &seq.TopicDepth, &sections, &seq.Recipient, &preferred, &seq.Timezone,
		&seq.Progress, &status, &lastError, &next, &seq.Active, &seq.CreatedAt, &seq.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputs), &seq.Inputs); err != nil {
		return nil, fmt.Errorf("sequence %s inputs: %w", seq.ID, err)
	}
	if err := json.Unmarshal([]byte(sections), &seq.Sections); err != nil {
		return nil, fmt.Errorf("sequence %s sections: %w", seq.ID, err)
	}
	if seq.PreferredTime, err = models.ParseClockTime(preferred); err != nil {
		return nil, fmt.Errorf("sequence %s: %w", seq.ID, err)
	}
	seq.Status = models.SequenceStatus(status)
	if lastError.Valid {
		seq.LastError = &lastError.String
	}
	if next.Valid {
		t := next.Time.UTC()
		seq.NextDelivery = &t
	}
	seq.CreatedAt = seq.CreatedAt.UTC()
	seq.UpdatedAt = seq.UpdatedAt.UTC()
	return &seq, nil
}

func (s *SQLStore) GetSequence(ctx context.Context, id string) (*models.Sequence, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sequenceColumns+` FROM sequences WHERE id = ?`), id)
	seq, err := scanSequence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return seq, err
}

func (s *SQLStore) GetSequenceByDedupeKey(ctx context.Context, key string) (*models.Sequence, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sequenceColumns+` FROM sequences
		WHERE dedupe_key = ? AND status <> ? ORDER BY created_at DESC LIMIT 1`),
		key, string(models.SequenceFailed))
	seq, err := scanSequence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return seq, err
}

func (s *SQLStore) ListSequences(ctx context.Context, status models.SequenceStatus, limit, offset int) ([]models.Sequence, error) {
	query := `SELECT ` + sequenceColumns + ` FROM sequences`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []models.Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, *seq)
	}
	return seqs, rows.Err()
}

func (s *SQLStore) SetSequenceActive(ctx context.Context, id string, active bool) error {
	return s.execOne(ctx, `UPDATE sequences SET active = ?, updated_at = ? WHERE id = ?`, active, now(), id)
}

func (s *SQLStore) ClaimSequence(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sequences SET status = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND (status IN (?, ?) OR (status = ? AND updated_at < ?))`),
		string(models.SequenceGenerating), now(), id,
		string(models.SequencePending), string(models.SequenceFailed),
		string(models.SequenceGenerating), staleBefore.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateProgress never lowers the stored value.
func (s *SQLStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	return s.execOne(ctx, `UPDATE sequences
		SET progress = CASE WHEN progress < ? THEN ? ELSE progress END, updated_at = ?
		WHERE id = ?`, progress, progress, now(), id)
}

func (s *SQLStore) FailSequence(ctx context.Context, id, message string) error {
	return s.execOne(ctx, `UPDATE sequences SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(models.SequenceFailed), message, now(), id)
}

func (s *SQLStore) CompleteSequence(ctx context.Context, id string, nextDelivery *time.Time) error {
	return s.execOne(ctx, `UPDATE sequences
		SET status = ?, progress = 100, last_error = NULL, next_delivery = ?, updated_at = ?
		WHERE id = ?`, string(models.SequenceCompleted), utcPtr(nextDelivery), now(), id)
}

func (s *SQLStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Items ---

const itemColumns = `id, sequence_id, position, subject, sections, scheduled_for, delivered, delivered_at, provider_message_id, created_at`

// InsertItems inserts the batch in one transaction, skipping positions that
// already exist, and returns how many rows were new.
func (s *SQLStore) InsertItems(ctx context.Context, items []models.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sequence_id, position) DO NOTHING`))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, it := range items {
		sections, err := json.Marshal(it.Sections)
		if err != nil {
			return 0, fmt.Errorf("item %s sections: %w", it.ID, err)
		}
		res, err := stmt.ExecContext(ctx, it.ID, it.SequenceID, it.Position, it.Subject, string(sections),
			it.ScheduledFor.UTC(), it.Delivered, utcPtr(it.DeliveredAt), it.ProviderMessageID, it.CreatedAt.UTC())
		if err != nil {
			return 0, fmt.Errorf("insert item %d: %w", it.Position, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func scanItem(row interface{ Scan(...any) error }) (*models.Item, error) {
	var it models.Item
	var sections string
	var deliveredAt sql.NullTime
	var msgID sql.NullString
	err := row.Scan(&it.ID, &it.SequenceID, &it.Position, &it.Subject, &sections, &it.ScheduledFor,
		&it.Delivered, &deliveredAt, &msgID, &it.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sections), &it.Sections); err != nil {
		return nil, fmt.Errorf("item %s sections: %w", it.ID, err)
	}
	it.ScheduledFor = it.ScheduledFor.UTC()
	it.CreatedAt = it.CreatedAt.UTC()
	if deliveredAt.Valid {
		t := deliveredAt.Time.UTC()
		it.DeliveredAt = &t
	}
	if msgID.Valid {
		it.ProviderMessageID = &msgID.String
	}
	return &it, nil
}

func (s *SQLStore) CountItems(ctx context.Context, sequenceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM items WHERE sequence_id = ?`), sequenceID).Scan(&n)
	return n, err
}

func (s *SQLStore) LastItem(ctx context.Context, sequenceID string) (*models.Item, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+itemColumns+` FROM items
		WHERE sequence_id = ? ORDER BY position DESC LIMIT 1`), sequenceID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

func (s *SQLStore) ListItems(ctx context.Context, sequenceID string) ([]models.Item, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM items WHERE sequence_id = ? ORDER BY position`, sequenceID)
}

func (s *SQLStore) PendingItems(ctx context.Context, sequenceID string, before time.Time) ([]models.Item, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM items
		WHERE sequence_id = ? AND delivered = ? AND scheduled_for <= ?
		ORDER BY scheduled_for`, sequenceID, false, before.UTC())
}

func (s *SQLStore) queryItems(ctx context.Context, query string, args ...any) ([]models.Item, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// --- Delivery ---

func (s *SQLStore) DueItems(ctx context.Context, before time.Time, after *DueCursor, limit int) ([]models.DueItem, error) {
	query := `SELECT i.id, i.sequence_id, i.position, i.subject, i.sections,
			i.scheduled_for, i.delivered, i.delivered_at, i.provider_message_id, i.created_at,
			s.recipient, s.inputs, s.timezone, s.preferred_time
		FROM items i
		JOIN sequences s ON s.id = i.sequence_id
		WHERE i.delivered = ? AND i.scheduled_for <= ? AND s.active = ?`
	args := []any{false, before.UTC(), true}
	if after != nil {
		at := after.ScheduledFor.UTC()
		query += ` AND (i.scheduled_for > ? OR (i.scheduled_for = ? AND i.id > ?))`
		args = append(args, at, at, after.ID)
	}
	query += ` ORDER BY i.scheduled_for, i.id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []models.DueItem
	for rows.Next() {
		var d models.DueItem
		var sections, inputs, preferred string
		var deliveredAt sql.NullTime
		var msgID sql.NullString
		err := rows.Scan(&d.ID, &d.SequenceID, &d.Position, &d.Subject, &sections, &d.ScheduledFor,
			&d.Delivered, &deliveredAt, &msgID, &d.CreatedAt,
			&d.Recipient, &inputs, &d.Timezone, &preferred)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sections), &d.Sections); err != nil {
			return nil, fmt.Errorf("item %s sections: %w", d.ID, err)
		}
		if err := json.Unmarshal([]byte(inputs), &d.Inputs); err != nil {
			return nil, fmt.Errorf("item %s inputs: %w", d.ID, err)
		}
		if d.PreferredTime, err = models.ParseClockTime(preferred); err != nil {
			return nil, fmt.Errorf("item %s: %w", d.ID, err)
		}
		d.ScheduledFor = d.ScheduledFor.UTC()
		due = append(due, d)
	}
	return due, rows.Err()
}

func (s *SQLStore) SequencesDueWithin(ctx context.Context, horizon time.Time, limit int) ([]models.Sequence, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+sequenceColumns+` FROM sequences
		WHERE active = ? AND next_delivery IS NOT NULL AND next_delivery <= ?
		ORDER BY next_delivery
		LIMIT ?`), true, horizon.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []models.Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, *seq)
	}
	return seqs, rows.Err()
}

// MarkDelivered flips the item to delivered only if it is still pending, so
// a concurrent or repeated sweep cannot record a second message id.
func (s *SQLStore) MarkDelivered(ctx context.Context, itemID, providerMessageID string, at time.Time) (bool, error) {
	var msgID *string
	if providerMessageID != "" {
		msgID = &providerMessageID
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE items
		SET delivered = ?, delivered_at = ?, provider_message_id = ?
		WHERE id = ? AND delivered = ?`), true, at.UTC(), msgID, itemID, false)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) RefreshNextDelivery(ctx context.Context, sequenceID string) (*time.Time, error) {
	var next *time.Time
	var t time.Time
	err := s.db.QueryRowContext(ctx, s.q(`SELECT scheduled_for FROM items
		WHERE sequence_id = ? AND delivered = ?
		ORDER BY scheduled_for LIMIT 1`), sequenceID, false).Scan(&t)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		t = t.UTC()
		next = &t
	}
	// updated_at is the generation heartbeat; delivery bookkeeping leaves it alone.
	if err := s.execOne(ctx, `UPDATE sequences SET next_delivery = ? WHERE id = ?`,
		next, sequenceID); err != nil {
		return nil, err
	}
	return next, nil
}

// --- Stats ---

func (s *SQLStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: map[models.SequenceStatus]int64{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sequences GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[models.SequenceStatus(status)] = n
		stats.TotalSequences += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN delivered = ? THEN 1 ELSE 0 END), 0)
		FROM items`), true).Scan(&stats.TotalItems, &stats.DeliveredItems)
	if err != nil {
		return nil, err
	}
	stats.PendingItems = stats.TotalItems - stats.DeliveredItems
	if stats.TotalItems > 0 {
		stats.DeliveryRate = float64(stats.DeliveredItems) / float64(stats.TotalItems) * 100
	}
	return stats, nil
}

func now() time.Time {
	return time.Now().UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
