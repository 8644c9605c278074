// Package queue consumes workflow start requests from a redis list. CRM
// services push one JSON message per start; delivery is fire-and-forget, so
// rejected starts are logged and dropped rather than retried.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/services"
)

// Starter starts workflow instances on behalf of queued messages.
type Starter interface {
	StartInstance(ctx context.Context, req services.StartInstanceRequest) (*models.WorkflowInstance, error)
}

// Config holds the redis connection and queue settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

func (c Config) validate() error {
	if c.Queue == "" {
		return errors.New("queue name is required")
	}

	return nil
}

// Consumer pops start messages from a redis list and hands them to the
// instance service.
type Consumer struct {
	config  Config
	starter Starter
	client  redis.UniversalClient
	logger  *slog.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewConsumer(config Config, starter Starter, logger *slog.Logger) (*Consumer, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}

	return &Consumer{
		config:  config,
		starter: starter,
		stopCh:  make(chan struct{}),
		logger: logger.With(
			"module", "queue_consumer",
			"queue", config.Queue,
		),
	}, nil
}

// Start connects to redis and begins consuming. It returns once the consumer
// loop is running.
func (c *Consumer) Start(ctx context.Context) error {
	c.client = redis.NewClient(&redis.Options{
		Addr:     c.config.Addr,
		Password: c.config.Password,
		DB:       c.config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	c.logger.InfoContext(ctx, "Starting queue consumer", "addr", c.config.Addr)

	c.wg.Add(1)

	go c.consume(ctx)

	return nil
}

func (c *Consumer) consume(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			c.logger.InfoContext(ctx, "Queue consumer stopped")

			return
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "Context cancelled, stopping queue consumer")

			return
		default:
			if err := c.poll(ctx); err != nil {
				c.logger.ErrorContext(ctx, "Error polling queue", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (c *Consumer) poll(ctx context.Context) error {
	result, err := c.client.BLPop(ctx, 1*time.Second, c.config.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	c.handle(ctx, []byte(result[1]))

	return nil
}

func (c *Consumer) handle(ctx context.Context, payload []byte) {
	req, err := decodeStart(payload)
	if err != nil {
		c.logger.WarnContext(ctx, "Dropping malformed start message", "error", err)

		return
	}

	instance, err := c.starter.StartInstance(ctx, req)
	if err != nil {
		c.logger.WarnContext(ctx, "Start request rejected",
			"definition_key", req.DefinitionKey,
			"entity_id", req.EntityID,
			"error", err)

		return
	}

	c.logger.InfoContext(ctx, "Started instance from queue",
		"instance_id", instance.ID,
		"definition_key", req.DefinitionKey)
}

// startMessage is the wire format CRM services enqueue.
type startMessage struct {
	DefinitionKey string         `json:"definition_key"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	TriggerEvent  string         `json:"trigger_event"`
	Input         map[string]any `json:"input"`
}

func decodeStart(payload []byte) (services.StartInstanceRequest, error) {
	var message startMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return services.StartInstanceRequest{}, fmt.Errorf("failed to decode start message: %w", err)
	}

	if message.DefinitionKey == "" || message.EntityType == "" || message.EntityID == "" {
		return services.StartInstanceRequest{}, errors.New("start message requires definition_key, entity_type and entity_id")
	}

	return services.StartInstanceRequest{
		DefinitionKey: message.DefinitionKey,
		EntityType:    message.EntityType,
		EntityID:      message.EntityID,
		TriggerEvent:  message.TriggerEvent,
		Input:         message.Input,
	}, nil
}

// Stop drains the consumer loop and closes the redis connection.
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.InfoContext(ctx, "Stopping queue consumer")

	close(c.stopCh)
	c.wg.Wait()

	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.ErrorContext(ctx, "Error closing redis client", "error", err)
		}
	}

	return nil
}
