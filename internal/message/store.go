package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/commshubhq/commshub/internal/channel"
	dbpkg "github.com/commshubhq/commshub/internal/db"
)

const messageColumns = `id, conversation_id, channel, direction, status, external_id, target_id,
	sender_address, subject, body, fingerprint, occurred_at, metadata, created_at`

// Store persists messages with hand-written pgx SQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("service", "message")),
	}
}

// Create inserts a message row and returns the stored form.
func (s *Store) Create(ctx context.Context, msg Message) (Message, error) {
	pgConvID, err := dbpkg.ParseUUID(msg.ConversationID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	var pgTargetID pgtype.UUID
	if strings.TrimSpace(msg.TargetID) != "" {
		pgTargetID, err = dbpkg.ParseUUID(msg.TargetID)
		if err != nil {
			return Message{}, fmt.Errorf("invalid target id: %w", err)
		}
	}
	occurredAt := msg.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, channel, direction, status, external_id, target_id,
			sender_address, subject, body, fingerprint, occurred_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+messageColumns,
		pgConvID, msg.Channel.String(), string(msg.Direction), string(msg.Status),
		dbpkg.ToPgText(msg.ExternalID), pgTargetID, msg.SenderAddress, msg.Subject, msg.Body,
		dbpkg.ToPgText(msg.Fingerprint), dbpkg.ToPgTime(occurredAt), dbpkg.MarshalMap(msg.Metadata))
	return scanMessage(row)
}

// Get loads one message by ID.
func (s *Store) Get(ctx context.Context, id string) (Message, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Message{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, pgID)
	return scanMessage(row)
}

// FindByExternalID dedupes by (channel, external id). An empty targetID
// matches across targets, which email requires because polling and SMTP
// receipt can observe the same message on different targets.
func (s *Store) FindByExternalID(ctx context.Context, ct channel.ChannelType, externalID, targetID string) (Message, bool, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE channel = $1 AND external_id = $2`
	args := []any{ct.String(), externalID}
	if strings.TrimSpace(targetID) != "" {
		pgTargetID, err := dbpkg.ParseUUID(targetID)
		if err != nil {
			return Message{}, false, err
		}
		query += ` AND target_id = $3`
		args = append(args, pgTargetID)
	}
	query += ` ORDER BY created_at LIMIT 1`

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("find message by external id: %w", err)
	}
	return msg, true, nil
}

// FindInboundByFingerprint matches a content fingerprint against inbound
// messages whose timestamps fall within the window around occurredAt.
func (s *Store) FindInboundByFingerprint(ctx context.Context, ct channel.ChannelType, fingerprint string, occurredAt time.Time, window time.Duration) (Message, bool, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE channel = $1 AND fingerprint = $2 AND direction = 'inbound'
		   AND occurred_at BETWEEN $3 AND $4
		 ORDER BY created_at LIMIT 1`,
		ct.String(), fingerprint,
		dbpkg.ToPgTime(occurredAt.Add(-window)), dbpkg.ToPgTime(occurredAt.Add(window))))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("find message by fingerprint: %w", err)
	}
	return msg, true, nil
}

// FindByExternalIDs returns the first message matching any of the given
// external IDs, used to resolve email References/In-Reply-To threading.
func (s *Store) FindByExternalIDs(ctx context.Context, ct channel.ChannelType, externalIDs []string) (Message, bool, error) {
	if len(externalIDs) == 0 {
		return Message{}, false, nil
	}
	msg, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE channel = $1 AND external_id = ANY($2)
		 ORDER BY created_at DESC LIMIT 1`,
		ct.String(), externalIDs))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("find message by external ids: %w", err)
	}
	return msg, true, nil
}

// LastInbound returns the most recent inbound message of a conversation.
// The dispatcher uses it for reply-channel binding and reply-window checks.
func (s *Store) LastInbound(ctx context.Context, conversationID string) (Message, bool, error) {
	pgConvID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return Message{}, false, err
	}
	msg, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 AND direction = 'inbound'
		 ORDER BY occurred_at DESC LIMIT 1`, pgConvID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("last inbound message: %w", err)
	}
	return msg, true, nil
}

// ListByConversation returns messages in visibility order (timestamp, not
// insertion), since inbound polling and outbound sends are concurrent.
func (s *Store) ListByConversation(ctx context.Context, conversationID string, limit int32) ([]Message, error) {
	pgConvID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY occurred_at, created_at LIMIT $2`, pgConvID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UpdateStatus moves a message to a terminal delivery state, recording the
// error summary in metadata when present.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, errSummary string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE messages
		 SET status = $2,
		     metadata = CASE WHEN $3 = '' THEN metadata
		                ELSE metadata || jsonb_build_object('error', $3::text) END
		 WHERE id = $1`,
		pgID, string(status), errSummary)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

// SetExternalID records the provider message ID after a successful send.
func (s *Store) SetExternalID(ctx context.Context, id, externalID string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE messages SET external_id = $2 WHERE id = $1`,
		pgID, dbpkg.ToPgText(externalID))
	if err != nil {
		return fmt.Errorf("set message external id: %w", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		id         pgtype.UUID
		convID     pgtype.UUID
		ct         string
		direction  string
		status     string
		externalID pgtype.Text
		targetID   pgtype.UUID
		sender     string
		subject    string
		body       string
		fp         pgtype.Text
		occurredAt pgtype.Timestamptz
		metadata   []byte
		createdAt  pgtype.Timestamptz
	)
	if err := row.Scan(&id, &convID, &ct, &direction, &status, &externalID, &targetID,
		&sender, &subject, &body, &fp, &occurredAt, &metadata, &createdAt); err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:             id.String(),
		ConversationID: convID.String(),
		Channel:        channel.ChannelType(ct),
		Direction:      Direction(direction),
		Status:         Status(status),
		ExternalID:     dbpkg.TextToString(externalID),
		SenderAddress:  sender,
		Subject:        subject,
		Body:           body,
		Fingerprint:    dbpkg.TextToString(fp),
		OccurredAt:     dbpkg.TimeOrZero(occurredAt),
		Metadata:       dbpkg.UnmarshalMap(metadata),
		CreatedAt:      dbpkg.TimeOrZero(createdAt),
	}
	if targetID.Valid {
		msg.TargetID = targetID.String()
	}
	return msg, nil
}
