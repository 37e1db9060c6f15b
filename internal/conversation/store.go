package conversation

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
	"github.com/commshubhq/commshub/internal/fault"
)

const conversationColumns = `id, contact_id, channel, status, subject, last_message_at, metadata, created_at, updated_at`

// Store persists conversations.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("service", "conversation")),
	}
}

// Create opens a new conversation thread.
func (s *Store) Create(ctx context.Context, contactID string, ct channel.ChannelType, subject string) (Conversation, error) {
	pgContactID, err := dbpkg.ParseUUID(contactID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid contact id: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO conversations (contact_id, channel, status, subject)
		 VALUES ($1, $2, 'open', $3)
		 RETURNING `+conversationColumns,
		pgContactID, ct.String(), strings.TrimSpace(subject))
	return scanConversation(row)
}

// Get loads one conversation by ID.
func (s *Store) Get(ctx context.Context, id string) (Conversation, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Conversation{}, fault.Wrap(fault.KindValidation, err)
	}
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, pgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fault.NotFound("conversation not found: %s", id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// FindByIDPrefix resolves an embedded conv-<uuid fragment> token by exact or
// prefix match. Ambiguous prefixes return not found.
func (s *Store) FindByIDPrefix(ctx context.Context, prefix string) (Conversation, bool, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if len(prefix) < 8 {
		return Conversation{}, false, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id::text LIKE $1 || '%' LIMIT 2`, prefix)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("find conversation by prefix: %w", err)
	}
	defer rows.Close()

	var matches []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return Conversation{}, false, err
		}
		matches = append(matches, conv)
	}
	if err := rows.Err(); err != nil {
		return Conversation{}, false, err
	}
	if len(matches) != 1 {
		return Conversation{}, false, nil
	}
	return matches[0], true, nil
}

// FindByTicketRef resolves a "ticket #<n>" subject token against either the
// recorded ticket_ref metadata or a subject containing the same token.
func (s *Store) FindByTicketRef(ctx context.Context, ref string) (Conversation, bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Conversation{}, false, nil
	}
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE metadata->>'ticket_ref' = $1 OR subject ILIKE '%#' || $1 || '%'
		 ORDER BY created_at DESC LIMIT 1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, fmt.Errorf("find conversation by ticket ref: %w", err)
	}
	return conv, true, nil
}

// FindOpen returns the canonical open conversation for a contact+channel
// pair. When several exist the most recent wins; older ones are superseded.
func (s *Store) FindOpen(ctx context.Context, contactID string, ct channel.ChannelType) (Conversation, bool, error) {
	pgContactID, err := dbpkg.ParseUUID(contactID)
	if err != nil {
		return Conversation{}, false, err
	}
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE contact_id = $1 AND channel = $2 AND status = 'open'
		 ORDER BY created_at DESC LIMIT 1`, pgContactID, ct.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, fmt.Errorf("find open conversation: %w", err)
	}
	return conv, true, nil
}

// List returns conversations filtered by optional status, newest activity first.
func (s *Store) List(ctx context.Context, status Status, limit int32) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY last_message_at DESC NULLS LAST LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var items []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, conv)
	}
	return items, rows.Err()
}

// UpdateStatus transitions the thread state.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) (Conversation, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Conversation{}, fault.Wrap(fault.KindValidation, err)
	}
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`UPDATE conversations SET status = $2, updated_at = now()
		 WHERE id = $1 RETURNING `+conversationColumns,
		pgID, string(status)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fault.NotFound("conversation not found: %s", id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("update conversation status: %w", err)
	}
	return conv, nil
}

// TouchLastMessage advances the activity timestamp (monotonically).
func (s *Store) TouchLastMessage(ctx context.Context, id string, at time.Time) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE conversations
		 SET last_message_at = GREATEST(COALESCE(last_message_at, 'epoch'::timestamptz), $2),
		     updated_at = now()
		 WHERE id = $1`, pgID, dbpkg.ToPgTime(at))
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// AppendWarning records a non-fatal resolution warning in metadata.
func (s *Store) AppendWarning(ctx context.Context, id, warning string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE conversations
		 SET metadata = jsonb_set(metadata, '{warnings}',
		         COALESCE(metadata->'warnings', '[]'::jsonb) || to_jsonb($2::text)),
		     updated_at = now()
		 WHERE id = $1`, pgID, warning)
	if err != nil {
		return fmt.Errorf("append conversation warning: %w", err)
	}
	return nil
}

// SetMetadataKey writes one metadata entry (e.g. the matched ticket ref).
func (s *Store) SetMetadataKey(ctx context.Context, id, key, value string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE conversations
		 SET metadata = metadata || jsonb_build_object($2::text, $3::text), updated_at = now()
		 WHERE id = $1`, pgID, key, value)
	if err != nil {
		return fmt.Errorf("set conversation metadata: %w", err)
	}
	return nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		id            pgtype.UUID
		contactID     pgtype.UUID
		ct            string
		status        string
		subject       string
		lastMessageAt pgtype.Timestamptz
		metadata      []byte
		createdAt     pgtype.Timestamptz
		updatedAt     pgtype.Timestamptz
	)
	if err := row.Scan(&id, &contactID, &ct, &status, &subject, &lastMessageAt, &metadata, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	return Conversation{
		ID:            id.String(),
		ContactID:     contactID.String(),
		Channel:       channel.ChannelType(ct),
		Status:        Status(status),
		Subject:       subject,
		LastMessageAt: dbpkg.TimeOrZero(lastMessageAt),
		Metadata:      dbpkg.UnmarshalMap(metadata),
		CreatedAt:     dbpkg.TimeOrZero(createdAt),
		UpdatedAt:     dbpkg.TimeOrZero(updatedAt),
	}, nil
}
