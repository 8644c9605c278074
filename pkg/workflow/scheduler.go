package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vantagecrm/relay/pkg/otelhelper"
	"github.com/vantagecrm/relay/pkg/persistence"
)

const (
	defaultPollInterval  = 500 * time.Millisecond
	defaultLeaseDuration = 30 * time.Second
	defaultMaxConcurrent = 10
)

// SchedulerConfig tunes the worker poll loop. Zero values fall back to the
// defaults above.
type SchedulerConfig struct {
	PollInterval  time.Duration
	LeaseDuration time.Duration
	MaxConcurrent int
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}

	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaultLeaseDuration
	}

	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}

	return c
}

// Scheduler polls the store for claimable branches and runs each claim
// through the executor with a bounded concurrency budget. A heartbeat
// goroutine renews the lease on every in-flight unit so slow node executions
// survive past the initial lease window.
type Scheduler struct {
	persistence persistence.Persistence
	executor    *Executor
	workerID    string
	config      SchedulerConfig
	logger      *slog.Logger
	tracer      trace.Tracer

	now func() time.Time
}

func NewScheduler(
	p persistence.Persistence,
	executor *Executor,
	workerID string,
	config SchedulerConfig,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		persistence: p,
		executor:    executor,
		workerID:    workerID,
		config:      config.withDefaults(),
		logger:      logger.With("module", "scheduler", "worker_id", workerID),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithTracer enables a span per processed claim.
func (s *Scheduler) WithTracer(tracer trace.Tracer) *Scheduler {
	s.tracer = tracer

	return s
}

// Run polls until the context is cancelled, then drains in-flight executions
// before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Scheduler started",
		"poll_interval", s.config.PollInterval,
		"lease_duration", s.config.LeaseDuration,
		"max_concurrent", s.config.MaxConcurrent)

	slots := make(chan struct{}, s.config.MaxConcurrent)

	var wg sync.WaitGroup

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("Scheduler stopped")

			return nil
		case <-ticker.C:
		}

		free := s.config.MaxConcurrent - len(slots)
		if free == 0 {
			continue
		}

		claims, err := s.persistence.Instances().ClaimReady(ctx, s.workerID, s.now(), s.config.LeaseDuration, free)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}

			s.logger.ErrorContext(ctx, "Failed to claim work", "error", err)

			continue
		}

		for _, work := range claims {
			slots <- struct{}{}
			wg.Add(1)

			go func(work persistence.ClaimedWork) {
				defer wg.Done()
				defer func() { <-slots }()

				s.process(ctx, work)
			}(work)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, work persistence.ClaimedWork) {
	logger := s.logger.With("instance_id", work.Instance.ID, "branch_id", work.BranchID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	go s.heartbeat(heartbeatCtx, work.Instance.ID, work.BranchID)

	var span trace.Span

	if s.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, s.tracer, "workflow.claim",
			attribute.String(otelhelper.InstanceIDKey, work.Instance.ID),
			attribute.String(otelhelper.BranchIDKey, work.BranchID),
			attribute.String(otelhelper.DefinitionIDKey, work.Instance.DefinitionID),
			attribute.String(otelhelper.WorkerIDKey, s.workerID),
		)
		defer span.End()
	}

	err := s.executor.ProcessClaim(ctx, work)
	if err != nil {
		if span != nil {
			otelhelper.SetError(span, err)
		}

		logger.ErrorContext(ctx, "Claim processing failed", "error", err)

		return
	}

	logger.DebugContext(ctx, "Claim processed")
}

// heartbeat renews the lease on one in-flight unit until its processing
// context ends. Losing the lease stops the heartbeat; the executor's commit
// will then lose its revision race and abandon the unit.
func (s *Scheduler) heartbeat(ctx context.Context, instanceID, branchID string) {
	interval := s.config.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		until := s.now().Add(s.config.LeaseDuration)

		err := s.persistence.Instances().RenewLease(ctx, instanceID, branchID, s.workerID, until)
		if err != nil {
			if errors.Is(err, persistence.ErrLeaseLost) {
				s.logger.Warn("Lease lost mid-execution", "instance_id", instanceID, "branch_id", branchID)

				return
			}

			if errors.Is(err, context.Canceled) {
				return
			}

			s.logger.ErrorContext(ctx, "Failed to renew lease",
				"instance_id", instanceID, "branch_id", branchID, "error", err)
		}
	}
}
