package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/commshubhq/commshub/internal/channel"
	dbpkg "github.com/commshubhq/commshub/internal/db"
	"github.com/commshubhq/commshub/internal/fault"
)

const targetColumns = `id, channel, name, routing_key, credentials, settings, disabled, created_at, updated_at`

// Store reads channel targets and persists mailbox cursors.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("service", "connector")),
	}
}

// Get loads a target by ID.
func (s *Store) Get(ctx context.Context, id string) (Target, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Target{}, fault.Wrap(fault.KindValidation, err)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM channel_targets WHERE id = $1`, pgID)
	target, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Target{}, fault.NotFound("channel target not found: %s", id)
	}
	if err != nil {
		return Target{}, fmt.Errorf("get channel target: %w", err)
	}
	return target, nil
}

// ResolveByRoutingKey finds the target serving a channel + routing key pair.
func (s *Store) ResolveByRoutingKey(ctx context.Context, ct channel.ChannelType, routingKey string) (Target, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM channel_targets WHERE channel = $1 AND routing_key = $2 AND NOT disabled`,
		ct.String(), routingKey)
	target, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Target{}, fault.NotFound("no target for channel %s routing key %s", ct, routingKey)
	}
	if err != nil {
		return Target{}, fmt.Errorf("resolve channel target: %w", err)
	}
	return target, nil
}

// ListByChannel returns all enabled targets for a channel type.
func (s *Store) ListByChannel(ctx context.Context, ct channel.ChannelType) ([]Target, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+targetColumns+` FROM channel_targets WHERE channel = $1 AND NOT disabled ORDER BY created_at`,
		ct.String())
	if err != nil {
		return nil, fmt.Errorf("list channel targets: %w", err)
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel target: %w", err)
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// UpdateSettings persists the settings map (mailbox cursor) for a target.
// The cursor must commit with the configuration record so a crash mid-batch
// re-processes rather than skips.
func (s *Store) UpdateSettings(ctx context.Context, id string, settings map[string]any) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fault.Wrap(fault.KindValidation, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE channel_targets SET settings = $2, updated_at = now() WHERE id = $1`,
		pgID, dbpkg.MarshalMap(settings))
	if err != nil {
		return fmt.Errorf("update target settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("channel target not found: %s", id)
	}
	return nil
}

func scanTarget(row pgx.Row) (Target, error) {
	var (
		id          pgtype.UUID
		ct          string
		name        string
		routingKey  string
		credentials []byte
		settings    []byte
		disabled    bool
		createdAt   pgtype.Timestamptz
		updatedAt   pgtype.Timestamptz
	)
	if err := row.Scan(&id, &ct, &name, &routingKey, &credentials, &settings, &disabled, &createdAt, &updatedAt); err != nil {
		return Target{}, err
	}
	return Target{
		ID:          id.String(),
		Channel:     channel.ChannelType(ct),
		Name:        name,
		RoutingKey:  routingKey,
		Credentials: dbpkg.UnmarshalMap(credentials),
		Settings:    dbpkg.UnmarshalMap(settings),
		Disabled:    disabled,
		CreatedAt:   dbpkg.TimeOrZero(createdAt),
		UpdatedAt:   dbpkg.TimeOrZero(updatedAt),
	}, nil
}
