// Package deadletter parks inbound payloads that failed normalization or
// persistence past the bounded retry budget, so they can be inspected and
// replayed instead of silently dropped.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/commshubhq/commshub/internal/db"
	"github.com/commshubhq/commshub/internal/fault"
)

// Record is one parked payload.
type Record struct {
	ID         string          `json:"id"`
	Channel    string          `json:"channel"`
	TargetID   string          `json:"target_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	Trace      string          `json:"trace,omitempty"`
	ReplayedAt time.Time       `json:"replayed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store persists dead letters.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("service", "deadletter")),
	}
}

// Park stores a failed payload with its error summary.
func (s *Store) Park(ctx context.Context, ch, targetID string, payload any, cause error, trace string) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	var pgTargetID pgtype.UUID
	if strings.TrimSpace(targetID) != "" {
		pgTargetID, err = dbpkg.ParseUUID(targetID)
		if err != nil {
			pgTargetID = pgtype.UUID{}
		}
	}
	summary := ""
	if cause != nil {
		summary = cause.Error()
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`INSERT INTO dead_letters (channel, target_id, payload, error, trace)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, channel, target_id, payload, error, trace, replayed_at, created_at`,
		ch, pgTargetID, data, summary, trace))
	if err != nil {
		return Record{}, fmt.Errorf("park dead letter: %w", err)
	}
	s.logger.Warn("payload parked in dead letters",
		slog.String("id", rec.ID),
		slog.String("channel", ch),
		slog.String("error", summary))
	return rec, nil
}

// Get loads one record.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Record{}, fault.Wrap(fault.KindValidation, err)
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT id, channel, target_id, payload, error, trace, replayed_at, created_at
		 FROM dead_letters WHERE id = $1`, pgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fault.NotFound("dead letter not found: %s", id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get dead letter: %w", err)
	}
	return rec, nil
}

// List returns unreplayed records, oldest first.
func (s *Store) List(ctx context.Context, limit int32) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, channel, target_id, payload, error, trace, replayed_at, created_at
		 FROM dead_letters WHERE replayed_at IS NULL
		 ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var items []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

// MarkReplayed stamps a record after a successful replay.
func (s *Store) MarkReplayed(ctx context.Context, id string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET replayed_at = now() WHERE id = $1 AND replayed_at IS NULL`, pgID)
	if err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("dead letter not found or already replayed: %s", id)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		id         pgtype.UUID
		ch         string
		targetID   pgtype.UUID
		payload    []byte
		errText    string
		trace      string
		replayedAt pgtype.Timestamptz
		createdAt  pgtype.Timestamptz
	)
	if err := row.Scan(&id, &ch, &targetID, &payload, &errText, &trace, &replayedAt, &createdAt); err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:        id.String(),
		Channel:   ch,
		Payload:   payload,
		Error:     errText,
		Trace:     trace,
		CreatedAt: dbpkg.TimeOrZero(createdAt),
	}
	if targetID.Valid {
		rec.TargetID = targetID.String()
	}
	if replayedAt.Valid {
		rec.ReplayedAt = replayedAt.Time
	}
	return rec, nil
}
