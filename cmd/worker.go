package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"example.com/storefront/services/notify/config"
	"example.com/storefront/services/notify/internal/cache"
	"example.com/storefront/services/notify/internal/messaging"
	"example.com/storefront/services/notify/internal/metrics"
	"example.com/storefront/services/notify/internal/models"
	"example.com/storefront/services/notify/internal/repositories"
	"example.com/storefront/services/notify/internal/search"
	"example.com/storefront/services/notify/internal/sender"
	"example.com/storefront/services/notify/internal/services"
	"example.com/storefront/services/notify/internal/tracing"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that consumes events from Azure Service Bus, dispatches due notifications and reconciles stuck work`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = &tracing.NewRelicTracer{}
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize repositories
	eventRepo := repositories.NewEventRepository(db, readOnlyDB)
	ruleRepo := repositories.NewRuleRepository(db, readOnlyDB)
	notificationRepo := repositories.NewNotificationRepository(db, readOnlyDB)

	// Initialize the channel sender registry. Every channel currently
	// dispatches through the shared Service Bus sender.
	dispatchSender, err := sender.NewServiceBusSender(cfg.ServiceBus)
	if err != nil {
		return err
	}
	senderRegistry := sender.NewRegistry(dispatchSender)
	defer func() {
		if err := senderRegistry.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close sender registry")
		}
	}()

	// Initialize services
	eventService := services.NewEventService(eventRepo, ruleRepo, notificationRepo,
		redisCache, metricsCollector, tracer, cfg.Engine)
	deliveryService := services.NewDeliveryService(notificationRepo, eventRepo,
		senderRegistry, elasticClient, metricsCollector, tracer, cfg.Engine)

	// Start the event queue consumer. Without a connection string the
	// worker still runs, serving HTTP-ingested events only.
	if cfg.ServiceBus.ConnectionString == "" {
		log.Warn().Msg("Service Bus connection string not provided, skipping event queue consumer")
	} else {
		consumer, err := messaging.NewEventConsumer(cfg.ServiceBus)
		if err != nil {
			return err
		}

		g.Go(func() error {
			log.Info().Str("queue", cfg.ServiceBus.EventQueue).Msg("Starting event queue consumer")
			return consumer.ProcessMessages(ctx, func(ctx context.Context, envelope *messaging.EventEnvelope) error {
				event := &models.Event{
					TenantID:       envelope.TenantID,
					EventType:      envelope.EventType,
					IdempotencyKey: envelope.IdempotencyKey,
					Payload:        datatypes.JSON(envelope.Payload),
					OccurredAt:     envelope.OccurredAt,
				}
				_, _, err := eventService.IngestEvent(ctx, event)
				return err
			})
		})
	}

	// Start the dispatch and reconciliation cron jobs
	g.Go(func() error {
		log.Info().Msg("Starting dispatch and reconciliation jobs")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		// Claim and dispatch due notifications
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Engine.ClaimPollInterval),
			gocron.NewTask(func() {
				if err := deliveryService.DispatchDue(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to dispatch due notifications")
				}
			}),
		)
		if err != nil {
			return err
		}

		// Catch events left pending by an earlier crash
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Engine.ReconcileInterval),
			gocron.NewTask(func() {
				if err := eventService.ReconcilePendingEvents(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to reconcile pending events")
				}
			}),
		)
		if err != nil {
			return err
		}

		// Return notifications stuck in sending to the schedule
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Engine.ReconcileInterval),
			gocron.NewTask(func() {
				if err := deliveryService.RequeueStaleClaims(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to requeue stale claims")
				}
			}),
		)
		if err != nil {
			return err
		}

		// Start the scheduler
		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		// Shutdown the scheduler
		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
