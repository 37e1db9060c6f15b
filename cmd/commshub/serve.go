package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/commshubhq/commshub/internal/attachment"
	"github.com/commshubhq/commshub/internal/channel"
	emailadapter "github.com/commshubhq/commshub/internal/channel/adapters/email"
	"github.com/commshubhq/commshub/internal/channel/adapters/meta"
	"github.com/commshubhq/commshub/internal/channel/adapters/whatsapp"
	"github.com/commshubhq/commshub/internal/channel/adapters/widget"
	"github.com/commshubhq/commshub/internal/config"
	"github.com/commshubhq/commshub/internal/connector"
	"github.com/commshubhq/commshub/internal/contact"
	"github.com/commshubhq/commshub/internal/conversation"
	"github.com/commshubhq/commshub/internal/db"
	"github.com/commshubhq/commshub/internal/deadletter"
	"github.com/commshubhq/commshub/internal/event"
	"github.com/commshubhq/commshub/internal/handlers"
	"github.com/commshubhq/commshub/internal/inbound"
	"github.com/commshubhq/commshub/internal/logger"
	"github.com/commshubhq/commshub/internal/mailbox"
	"github.com/commshubhq/commshub/internal/message"
	"github.com/commshubhq/commshub/internal/outbound"
	"github.com/commshubhq/commshub/internal/outbox"
	"github.com/commshubhq/commshub/internal/server"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBPool,
			event.NewHub,
			providePublisher,
			provideChannelRegistry,
			connector.NewStore,
			connector.NewService,
			provideContactResolver,
			message.NewStore,
			conversation.NewStore,
			provideConversationResolver,
			provideAttachmentStore,
			deadletter.NewStore,
			provideNormalizer,
			provideInboundPipeline,
			provideDispatcher,
			outbox.NewStore,
			provideOutboxService,
			provideOutboxWorker,
			provideMailboxService,

			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewWhatsAppWebhookHandler),
			provideServerHandler(handlers.NewMetaWebhookHandler),
			provideServerHandler(handlers.NewEmailWebhookHandler),
			provideServerHandler(handlers.NewWidgetHandler),
			provideServerHandler(handlers.NewMessageHandler),
			provideServerHandler(handlers.NewConversationHandler),
			provideServerHandler(handlers.NewOutboxHandler),
			provideServerHandler(handlers.NewDeadLetterHandler),
			provideServerHandler(handlers.NewEventsHandler),
			provideServerHandler(handlers.NewMailboxHandler),
			provideServer,
		),
		fx.Invoke(
			runMigrations,
			startOutboxWorker,
			startMailboxService,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	return config.Load(os.Getenv("CONFIG_PATH"))
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func providePublisher(hub *event.Hub) event.Publisher { return hub }

func provideChannelRegistry(log *slog.Logger, cfg config.Config, events event.Publisher) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(emailadapter.New(log, cfg.Email))
	registry.MustRegister(whatsapp.New(log))
	registry.MustRegister(meta.NewMessenger(log))
	registry.MustRegister(meta.NewInstagram(log))
	registry.MustRegister(widget.New(log, events))
	return registry
}

func provideContactResolver(log *slog.Logger, pool *pgxpool.Pool) contact.Resolver {
	return contact.NewStore(log, pool)
}

func provideConversationResolver(log *slog.Logger, threads *conversation.Store, messages *message.Store) *conversation.Resolver {
	return conversation.NewResolver(log, threads, messages)
}

func provideAttachmentStore(log *slog.Logger, cfg config.Config) attachment.Store {
	return attachment.NewFSStore(log, cfg.Storage.DataRoot)
}

func provideNormalizer(log *slog.Logger, registry *channel.Registry, messages *message.Store, cfg config.Config) *inbound.Normalizer {
	return inbound.NewNormalizer(log, registry, messages, cfg.Inbound.FingerprintWindow())
}

func provideInboundPipeline(
	log *slog.Logger,
	connectors *connector.Service,
	normalizer *inbound.Normalizer,
	contacts contact.Resolver,
	resolver *conversation.Resolver,
	threads *conversation.Store,
	messages *message.Store,
	attachments attachment.Store,
	events event.Publisher,
	letters *deadletter.Store,
	cfg config.Config,
) *inbound.Pipeline {
	return inbound.NewPipeline(log, connectors, normalizer, contacts, resolver, threads, messages, attachments, events, letters,
		cfg.Inbound.MaxRetries)
}

func provideDispatcher(
	log *slog.Logger,
	registry *channel.Registry,
	connectors *connector.Service,
	messages *message.Store,
	threads *conversation.Store,
	events event.Publisher,
	cfg config.Config,
) *outbound.Dispatcher {
	return outbound.NewDispatcher(log, registry, connectors, messages, threads, events,
		time.Duration(cfg.Outbox.SendTimeoutSeconds)*time.Second)
}

func provideOutboxService(log *slog.Logger, store *outbox.Store, registry *channel.Registry, dispatcher *outbound.Dispatcher, messages *message.Store, cfg config.Config) *outbox.Service {
	policy := outbox.BackoffPolicy{
		Base:        time.Duration(cfg.Outbox.BaseDelaySeconds) * time.Second,
		Cap:         time.Duration(cfg.Outbox.MaxDelaySeconds) * time.Second,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Jitter:      cfg.Outbox.JitterFraction,
	}
	return outbox.NewService(log, store, registry, dispatcher, messages, policy)
}

func provideOutboxWorker(log *slog.Logger, service *outbox.Service, store *outbox.Store, cfg config.Config) *outbox.Worker {
	return outbox.NewWorker(log, service, store,
		time.Duration(cfg.Outbox.PollIntervalSecs)*time.Second,
		time.Duration(cfg.Outbox.StaleAfterSeconds)*time.Second,
		cfg.Outbox.WorkerCount)
}

func provideMailboxService(log *slog.Logger, targets *connector.Store, pipeline *inbound.Pipeline, cfg config.Config) *mailbox.Service {
	return mailbox.NewService(log, targets, pipeline,
		time.Duration(cfg.Mailbox.PollIntervalSeconds)*time.Second,
		cfg.Mailbox.BatchLimit)
}

type serverParams struct {
	fx.In
	Logger   *slog.Logger
	Config   config.Config
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(p serverParams) *server.Server {
	return server.NewServer(p.Logger, p.Config.Server.Addr, p.Handlers)
}

func runMigrations(cfg config.Config, log *slog.Logger) error {
	if err := db.Migrate(cfg.Postgres); err != nil {
		return err
	}
	log.Info("database migrations applied")
	return nil
}

func startOutboxWorker(lc fx.Lifecycle, worker *outbox.Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				_ = worker.Run(ctx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

func startMailboxService(lc fx.Lifecycle, service *mailbox.Service) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return service.Start(ctx)
		},
		OnStop: func(context.Context) error {
			cancel()
			service.Stop()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, srv *server.Server, log *slog.Logger, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("http server stopped", slog.String("error", err.Error()))
				}
			}()
			log.Info("http server listening", slog.String("addr", cfg.Server.Addr))
			return nil
		},
	})
}
