package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/commshubhq/commshub/internal/channel"
	dbpkg "github.com/commshubhq/commshub/internal/db"
	"github.com/commshubhq/commshub/internal/fault"
)

const entryColumns = `id, conversation_id, channel, status, attempts, next_attempt_at,
	last_error, payload, idempotency_key, priority, message_id, created_at, updated_at`

// Store persists outbox entries. Claiming is a conditional UPDATE on the
// entry row; no network call ever runs inside a transaction.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("service", "outbox.store")),
	}
}

// Insert adds a new entry. When the idempotency key already exists the stored
// entry is returned with inserted=false, regardless of its status.
func (s *Store) Insert(ctx context.Context, req channel.SendRequest, idempotencyKey string, priority int) (Entry, bool, error) {
	pgConvID, err := dbpkg.ParseUUID(req.ConversationID)
	if err != nil {
		return Entry{}, false, fault.Wrap(fault.KindValidation, err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Entry{}, false, fault.Wrap(fault.KindValidation, err)
	}

	entry, err := scanEntry(s.pool.QueryRow(ctx,
		`INSERT INTO outbox_messages (conversation_id, channel, payload, idempotency_key, priority)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING `+entryColumns,
		pgConvID, req.Channel.String(), payload, idempotencyKey, priority))
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, fmt.Errorf("insert outbox entry: %w", err)
	}

	existing, err := s.GetByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return Entry{}, false, err
	}
	return existing, false, nil
}

// Get loads one entry by ID.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Entry{}, fault.Wrap(fault.KindValidation, err)
	}
	entry, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM outbox_messages WHERE id = $1`, pgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fault.NotFound("outbox entry not found: %s", id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get outbox entry: %w", err)
	}
	return entry, nil
}

// GetByIdempotencyKey loads the entry behind a client key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (Entry, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM outbox_messages WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fault.NotFound("outbox entry not found for key")
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get outbox entry by key: %w", err)
	}
	return entry, nil
}

// ListDue returns claimable entries ordered by priority then age.
func (s *Store) ListDue(ctx context.Context, limit int32) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM outbox_messages
		 WHERE status IN ('queued', 'retrying') AND next_attempt_at <= now()
		 ORDER BY priority DESC, created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list due outbox entries: %w", err)
	}
	defer rows.Close()

	var items []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}

// List returns entries filtered by optional status, newest first.
func (s *Store) List(ctx context.Context, status Status, limit int32) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + entryColumns + ` FROM outbox_messages`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox entries: %w", err)
	}
	defer rows.Close()

	var items []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}

// Claim moves a due entry to sending and counts the attempt. Returns false
// when another worker got there first or the entry is no longer claimable.
func (s *Store) Claim(ctx context.Context, id string) (Entry, bool, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := scanEntry(s.pool.QueryRow(ctx,
		`UPDATE outbox_messages
		 SET status = 'sending', attempts = attempts + 1, updated_at = now()
		 WHERE id = $1 AND status IN ('queued', 'retrying') AND next_attempt_at <= now()
		 RETURNING `+entryColumns, pgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("claim outbox entry: %w", err)
	}
	return entry, true, nil
}

// SetMessageID links the conversation message row created on first attempt.
func (s *Store) SetMessageID(ctx context.Context, id, messageID string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	pgMsgID, err := dbpkg.ParseUUID(messageID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE outbox_messages SET message_id = $2, updated_at = now() WHERE id = $1`,
		pgID, pgMsgID)
	if err != nil {
		return fmt.Errorf("set outbox message id: %w", err)
	}
	return nil
}

// MarkSent finalizes a successful delivery.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusSent, "", time.Time{})
}

// MarkRetrying schedules the next attempt and records the failure.
func (s *Store) MarkRetrying(ctx context.Context, id string, nextAttempt time.Time, lastError string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE outbox_messages
		 SET status = 'retrying', next_attempt_at = $2, last_error = $3, updated_at = now()
		 WHERE id = $1`,
		pgID, dbpkg.ToPgTime(nextAttempt), lastError)
	if err != nil {
		return fmt.Errorf("mark outbox entry retrying: %w", err)
	}
	return nil
}

// MarkFailed finalizes a terminal failure.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE outbox_messages
		 SET status = 'failed', last_error = $2, updated_at = now()
		 WHERE id = $1`, pgID, lastError)
	if err != nil {
		return fmt.Errorf("mark outbox entry failed: %w", err)
	}
	return nil
}

// Cancel withdraws a pending entry. Entries already sending or terminal
// cannot be cancelled.
func (s *Store) Cancel(ctx context.Context, id string) (Entry, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Entry{}, fault.Wrap(fault.KindValidation, err)
	}
	entry, err := scanEntry(s.pool.QueryRow(ctx,
		`UPDATE outbox_messages
		 SET status = 'cancelled', updated_at = now()
		 WHERE id = $1 AND status IN ('queued', 'retrying')
		 RETURNING `+entryColumns, pgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fault.Validation("outbox entry %s is not cancellable", id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("cancel outbox entry: %w", err)
	}
	return entry, nil
}

// Retry requeues a failed entry for an immediate attempt.
func (s *Store) Retry(ctx context.Context, id string) (Entry, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Entry{}, fault.Wrap(fault.KindValidation, err)
	}
	entry, err := scanEntry(s.pool.QueryRow(ctx,
		`UPDATE outbox_messages
		 SET status = 'queued', next_attempt_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'failed'
		 RETURNING `+entryColumns, pgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fault.Validation("outbox entry %s is not in a retryable state", id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("retry outbox entry: %w", err)
	}
	return entry, nil
}

// RequeueStale returns entries stuck in sending past the threshold to the
// queue. Covers workers killed mid-send; the provider may or may not have
// delivered, so the payload's idempotency is the only duplicate guard.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_messages
		 SET status = 'queued', updated_at = now()
		 WHERE status = 'sending' AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox entries: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Warn("requeued stale sending entries", slog.Int64("count", n))
		return n, nil
	}
	return 0, nil
}

// CountByStatus reports queue depth per status.
func (s *Store) CountByStatus(ctx context.Context) (Counts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox entries: %w", err)
	}
	defer rows.Close()

	counts := Counts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) setStatus(ctx context.Context, id string, status Status, lastError string, nextAttempt time.Time) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	if nextAttempt.IsZero() {
		_, err = s.pool.Exec(ctx,
			`UPDATE outbox_messages SET status = $2, last_error = $3, updated_at = now() WHERE id = $1`,
			pgID, string(status), lastError)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE outbox_messages
			 SET status = $2, last_error = $3, next_attempt_at = $4, updated_at = now()
			 WHERE id = $1`,
			pgID, string(status), lastError, dbpkg.ToPgTime(nextAttempt))
	}
	if err != nil {
		return fmt.Errorf("update outbox entry status: %w", err)
	}
	return nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		id          pgtype.UUID
		convID      pgtype.UUID
		ct          string
		status      string
		attempts    int
		nextAttempt pgtype.Timestamptz
		lastError   string
		payload     []byte
		idemKey     string
		priority    int
		messageID   pgtype.UUID
		createdAt   pgtype.Timestamptz
		updatedAt   pgtype.Timestamptz
	)
	if err := row.Scan(&id, &convID, &ct, &status, &attempts, &nextAttempt, &lastError,
		&payload, &idemKey, &priority, &messageID, &createdAt, &updatedAt); err != nil {
		return Entry{}, err
	}
	entry := Entry{
		ID:             id.String(),
		ConversationID: convID.String(),
		Channel:        channel.ChannelType(ct),
		Status:         Status(status),
		Attempts:       attempts,
		NextAttemptAt:  dbpkg.TimeOrZero(nextAttempt),
		LastError:      lastError,
		IdempotencyKey: idemKey,
		Priority:       priority,
		CreatedAt:      dbpkg.TimeOrZero(createdAt),
		UpdatedAt:      dbpkg.TimeOrZero(updatedAt),
	}
	if messageID.Valid {
		entry.MessageID = messageID.String()
	}
	if err := json.Unmarshal(payload, &entry.Payload); err != nil {
		return Entry{}, fmt.Errorf("decode outbox payload: %w", err)
	}
	return entry, nil
}
