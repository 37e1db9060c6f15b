package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/connector"
	"github.com/commshubhq/commshub/internal/inbound"
)

// Ingestor is the pipeline surface the poller feeds.
type Ingestor interface {
	Ingest(ctx context.Context, raw channel.RawInbound) (inbound.Outcome, error)
}

// Service schedules mailbox polls for every enabled email target. Each target
// declares its protocol (imap or pop3) in credentials; the poll cursor lives
// in the target's settings and advances only after the whole batch has been
// ingested, so a crash mid-batch re-fetches and dedup absorbs the overlap.
type Service struct {
	targets    *connector.Store
	pipeline   Ingestor
	interval   time.Duration
	batchLimit int
	cron       *cron.Cron
	logger     *slog.Logger

	mu      sync.Mutex
	polling map[string]bool
}

func NewService(log *slog.Logger, targets *connector.Store, pipeline Ingestor, interval time.Duration, batchLimit int) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchLimit <= 0 {
		batchLimit = 50
	}
	return &Service{
		targets:    targets,
		pipeline:   pipeline,
		interval:   interval,
		batchLimit: batchLimit,
		cron:       cron.New(),
		logger:     log.With(slog.String("service", "mailbox")),
		polling:    map[string]bool{},
	}
}

// Start begins the poll schedule. The first poll of a fresh target only
// records the mailbox high-water mark.
func (s *Service) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %ds", int(s.interval.Seconds()))
	if _, err := s.cron.AddFunc(spec, func() { s.PollAll(ctx) }); err != nil {
		return fmt.Errorf("schedule mailbox polls: %w", err)
	}
	s.cron.Start()
	s.logger.Info("mailbox poller started", slog.Duration("interval", s.interval))
	return nil
}

// Stop halts the schedule and waits for running polls.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("mailbox poller stopped")
}

// PollAll polls every enabled email target once. Exposed for the admin
// trigger endpoint.
func (s *Service) PollAll(ctx context.Context) {
	targets, err := s.targets.ListByChannel(ctx, channel.ChannelEmail)
	if err != nil {
		s.logger.Error("list email targets", slog.String("error", err.Error()))
		return
	}
	var wg sync.WaitGroup
	for _, target := range targets {
		if !s.tryLock(target.ID) {
			continue
		}
		wg.Add(1)
		go func(t connector.Target) {
			defer wg.Done()
			defer s.unlock(t.ID)
			if err := s.pollTarget(ctx, t); err != nil {
				s.logger.Error("mailbox poll failed",
					slog.String("target_id", t.ID),
					slog.String("error", err.Error()))
			}
		}(target)
	}
	wg.Wait()
}

func (s *Service) pollTarget(ctx context.Context, target connector.Target) error {
	protocol, _ := target.Credentials["protocol"].(string)
	if protocol == "" {
		protocol = "imap"
	}

	switch protocol {
	case "imap":
		return s.pollIMAP(ctx, target)
	case "pop3":
		return s.pollPOP3(ctx, target)
	default:
		return fmt.Errorf("unknown mailbox protocol: %s", protocol)
	}
}

func (s *Service) pollIMAP(ctx context.Context, target connector.Target) error {
	lastUID := uint32(intVal(target.Settings["imap_last_uid"], 0))

	msgs, newUID, err := imapFetch(s.logger, target.Credentials, lastUID, s.batchLimit)
	if err != nil {
		return err
	}
	if err := s.ingestBatch(ctx, target.ID, msgs); err != nil {
		return err
	}
	if newUID == lastUID {
		return nil
	}
	return s.saveSetting(ctx, target, "imap_last_uid", int(newUID))
}

func (s *Service) pollPOP3(ctx context.Context, target connector.Target) error {
	seen := map[string]struct{}{}
	if stored, ok := target.Settings["pop3_seen"].([]any); ok {
		for _, v := range stored {
			if uid, ok := v.(string); ok {
				seen[uid] = struct{}{}
			}
		}
	}

	msgs, newSeen, err := pop3Fetch(s.logger, target.Credentials, seen, s.batchLimit)
	if err != nil {
		return err
	}
	if err := s.ingestBatch(ctx, target.ID, msgs); err != nil {
		return err
	}
	if len(msgs) == 0 && len(newSeen) == len(seen) {
		return nil
	}
	return s.saveSetting(ctx, target, "pop3_seen", newSeen)
}

// ingestBatch feeds every fetched message to the pipeline. Any failure stops
// the batch so the cursor stays put and the next poll retries; messages that
// already landed are absorbed as duplicates.
func (s *Service) ingestBatch(ctx context.Context, targetID string, msgs []parsedMail) error {
	for _, parsed := range msgs {
		if _, err := s.pipeline.Ingest(ctx, toRawInbound(targetID, parsed)); err != nil {
			return fmt.Errorf("ingest %q: %w", parsed.MessageID, err)
		}
	}
	if len(msgs) > 0 {
		s.logger.Info("mailbox batch ingested",
			slog.String("target_id", targetID),
			slog.Int("count", len(msgs)))
	}
	return nil
}

func (s *Service) saveSetting(ctx context.Context, target connector.Target, key string, value any) error {
	settings := map[string]any{}
	for k, v := range target.Settings {
		settings[k] = v
	}
	settings[key] = value
	if err := s.targets.UpdateSettings(ctx, target.ID, settings); err != nil {
		return fmt.Errorf("persist mailbox cursor: %w", err)
	}
	return nil
}

func (s *Service) tryLock(targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polling[targetID] {
		return false
	}
	s.polling[targetID] = true
	return true
}

func (s *Service) unlock(targetID string) {
	s.mu.Lock()
	delete(s.polling, targetID)
	s.mu.Unlock()
}
