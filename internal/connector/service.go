package connector

import (
	"context"
	"log/slog"
	"strings"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/fault"
)

// Finder is the lookup surface the resolver needs; *Store satisfies it.
type Finder interface {
	Get(ctx context.Context, id string) (Target, error)
	ResolveByRoutingKey(ctx context.Context, ct channel.ChannelType, routingKey string) (Target, error)
	ListByChannel(ctx context.Context, ct channel.ChannelType) ([]Target, error)
}

// Service resolves targets for inbound routing and outbound sends.
type Service struct {
	store  Finder
	logger *slog.Logger
}

func NewService(log *slog.Logger, store *Store) *Service {
	return &Service{
		store:  store,
		logger: log.With(slog.String("service", "connector")),
	}
}

// NewServiceWithFinder wires a custom Finder, used by tests.
func NewServiceWithFinder(log *slog.Logger, store Finder) *Service {
	return &Service{store: store, logger: log.With(slog.String("service", "connector"))}
}

// Resolve finds the target for a channel, preferring an explicit target ID,
// then the routing key, then the only configured target for the channel.
func (s *Service) Resolve(ctx context.Context, ct channel.ChannelType, explicitID, routingKey string) (Target, error) {
	if id := strings.TrimSpace(explicitID); id != "" {
		target, err := s.store.Get(ctx, id)
		if err != nil {
			return Target{}, err
		}
		if target.Channel != ct {
			return Target{}, fault.Validation("target %s serves channel %s, not %s", id, target.Channel, ct)
		}
		return checkUsable(target)
	}
	if key := strings.TrimSpace(routingKey); key != "" {
		target, err := s.store.ResolveByRoutingKey(ctx, ct, key)
		if err != nil {
			return Target{}, err
		}
		return checkUsable(target)
	}
	targets, err := s.store.ListByChannel(ctx, ct)
	if err != nil {
		return Target{}, err
	}
	switch len(targets) {
	case 0:
		return Target{}, fault.Config("no target configured for channel %s", ct)
	case 1:
		return checkUsable(targets[0])
	default:
		return Target{}, fault.Validation("channel %s has %d targets; a routing key or target id is required", ct, len(targets))
	}
}

// Get exposes direct lookup for the dispatcher and pollers.
func (s *Service) Get(ctx context.Context, id string) (Target, error) {
	return s.store.Get(ctx, id)
}

// ListByChannel exposes enabled targets, used by the mailbox scheduler.
func (s *Service) ListByChannel(ctx context.Context, ct channel.ChannelType) ([]Target, error) {
	return s.store.ListByChannel(ctx, ct)
}

func checkUsable(target Target) (Target, error) {
	if target.Disabled {
		return Target{}, fault.Config("channel target %s is disabled", target.ID)
	}
	if len(target.Credentials) == 0 {
		return Target{}, fault.Config("channel target %s has no credentials", target.ID)
	}
	return target, nil
}
