package contact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/fault"
)

// Store is the Postgres-backed Resolver.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("service", "contact")),
	}
}

// ResolveOrCreate implements Resolver. The address must already be in the
// channel's normalized form; this store treats it as an opaque key.
func (s *Store) ResolveOrCreate(ctx context.Context, ct channel.ChannelType, address, displayName string) (Contact, PersonChannel, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Contact{}, PersonChannel{}, fault.Validation("sender address is required")
	}

	pc, contact, err := s.lookup(ctx, ct, address)
	if err == nil {
		return contact, pc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, PersonChannel{}, fmt.Errorf("lookup person channel: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contact{}, PersonChannel{}, fmt.Errorf("begin contact tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var contactID pgtype.UUID
	if err := tx.QueryRow(ctx,
		`INSERT INTO contacts (display_name) VALUES ($1) RETURNING id`,
		strings.TrimSpace(displayName)).Scan(&contactID); err != nil {
		return Contact{}, PersonChannel{}, fmt.Errorf("create contact: %w", err)
	}

	var channelID pgtype.UUID
	// Concurrent ingestion of the same sender races here; the unique
	// (channel, address) constraint keeps one row and we re-read on conflict.
	err = tx.QueryRow(ctx,
		`INSERT INTO person_channels (contact_id, channel, address, is_primary)
		 VALUES ($1, $2, $3, true)
		 ON CONFLICT (channel, address) DO NOTHING
		 RETURNING id`,
		contactID, ct.String(), address).Scan(&channelID)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		pc, contact, err := s.lookup(ctx, ct, address)
		if err != nil {
			return Contact{}, PersonChannel{}, fmt.Errorf("re-read person channel after conflict: %w", err)
		}
		return contact, pc, nil
	}
	if err != nil {
		return Contact{}, PersonChannel{}, fmt.Errorf("create person channel: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Contact{}, PersonChannel{}, fmt.Errorf("commit contact tx: %w", err)
	}

	s.logger.Info("created contact for new sender",
		slog.String("channel", ct.String()),
		slog.String("contact_id", contactID.String()))

	return Contact{ID: contactID.String(), DisplayName: strings.TrimSpace(displayName)},
		PersonChannel{
			ID:        channelID.String(),
			ContactID: contactID.String(),
			Channel:   ct,
			Address:   address,
			Primary:   true,
		}, nil
}

func (s *Store) lookup(ctx context.Context, ct channel.ChannelType, address string) (PersonChannel, Contact, error) {
	var (
		pcID        pgtype.UUID
		contactID   pgtype.UUID
		isPrimary   bool
		displayName string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT pc.id, pc.contact_id, pc.is_primary, c.display_name
		 FROM person_channels pc
		 JOIN contacts c ON c.id = pc.contact_id
		 WHERE pc.channel = $1 AND pc.address = $2`,
		ct.String(), address).Scan(&pcID, &contactID, &isPrimary, &displayName)
	if err != nil {
		return PersonChannel{}, Contact{}, err
	}
	return PersonChannel{
			ID:        pcID.String(),
			ContactID: contactID.String(),
			Channel:   ct,
			Address:   address,
			Primary:   isPrimary,
		}, Contact{
			ID:          contactID.String(),
			DisplayName: displayName,
		}, nil
}

var _ Resolver = (*Store)(nil)
