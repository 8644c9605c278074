// Package main runs the relay worker: the poll-and-execute daemon plus the
// queue and schedule trigger sources.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/vantagecrm/relay/pkg/cmd"
	"github.com/vantagecrm/relay/pkg/log"
	"github.com/vantagecrm/relay/pkg/otelhelper"
	"github.com/vantagecrm/relay/pkg/services"
	"github.com/vantagecrm/relay/pkg/triggers/queue"
	"github.com/vantagecrm/relay/pkg/triggers/schedule"
	"github.com/vantagecrm/relay/pkg/workflow"
)

func main() {
	command := &cli.Command{
		Name:                  "relay-worker",
		Usage:                 "Execute workflow instances",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.IntFlag{
				Name:    "max-concurrent",
				Usage:   "Maximum node executions in flight",
				Value:   10,
				Sources: cli.EnvVars("MAX_CONCURRENT"),
			},
			&cli.StringFlag{
				Name:    "queue-addr",
				Usage:   "Redis address for the start queue",
				Sources: cli.EnvVars("QUEUE_ADDR"),
			},
			&cli.StringFlag{
				Name:    "queue-name",
				Usage:   "Redis list holding start messages (consumer disabled when empty)",
				Sources: cli.EnvVars("QUEUE_NAME"),
			},
			&cli.BoolFlag{
				Name:    "schedules",
				Usage:   "Run the cron schedule trigger",
				Value:   true,
				Sources: cli.EnvVars("SCHEDULES_ENABLED"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces for claim processing",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "json",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("relay-worker").With("worker_id", workerID)
	logger.InfoContext(ctx, "Initializing Relay Worker")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	registry := cmd.NewRegistry(logger)
	recorder := workflow.NewRecorder(eventBus, logger)
	executor := workflow.NewExecutor(persistence, registry, recorder, workerID, logger)

	scheduler := workflow.NewScheduler(persistence, executor, workerID, workflow.SchedulerConfig{
		MaxConcurrent: command.Int("max-concurrent"),
	}, logger)

	if command.Bool("tracing") {
		tracer, err := otelhelper.NewTracer(ctx, "relay-worker")
		if err != nil {
			return err
		}

		scheduler.WithTracer(tracer)
	}

	instances := services.NewInstances(persistence, eventBus, logger)

	if queueName := command.String("queue-name"); queueName != "" {
		consumer, err := queue.NewConsumer(queue.Config{
			Addr:  command.String("queue-addr"),
			Queue: queueName,
		}, instances, logger)
		if err != nil {
			return err
		}

		if err := consumer.Start(ctx); err != nil {
			return err
		}

		defer func() {
			if err := consumer.Stop(ctx); err != nil {
				logger.ErrorContext(ctx, "Failed to stop queue consumer", "error", err)
			}
		}()
	}

	if command.Bool("schedules") {
		schedules := schedule.NewScheduler(persistence, instances, logger)
		if err := schedules.Start(ctx); err != nil {
			return err
		}

		defer func() {
			if err := schedules.Stop(ctx); err != nil {
				logger.ErrorContext(ctx, "Failed to stop schedule trigger", "error", err)
			}
		}()
	}

	return scheduler.Run(ctx)
}
