// Package schedule starts workflow instances on cron schedules. Active
// definitions whose trigger node carries a cron expression get a recurring
// start; the schedule set is re-synced periodically so publish and
// activate/pause take effect without a restart.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
	"github.com/vantagecrm/relay/pkg/services"
)

const defaultRefreshInterval = 1 * time.Minute

// Starter starts workflow instances for fired schedules.
type Starter interface {
	StartInstance(ctx context.Context, req services.StartInstanceRequest) (*models.WorkflowInstance, error)
}

type scheduleEntry struct {
	id   cron.EntryID
	spec string
}

// Scheduler keeps one cron entry per active definition with a scheduled
// trigger.
type Scheduler struct {
	persistence persistence.Persistence
	starter     Starter
	logger      *slog.Logger
	refresh     time.Duration

	cron    *cron.Cron
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	entries map[string]scheduleEntry
}

func NewScheduler(p persistence.Persistence, starter Starter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		persistence: p,
		starter:     starter,
		refresh:     defaultRefreshInterval,
		stopCh:      make(chan struct{}),
		entries:     make(map[string]scheduleEntry),
		logger:      logger.With("module", "schedule_trigger"),
	}
}

func newCron() *cron.Cron {
	return cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
}

// Start performs an initial sync and begins the cron loop plus the periodic
// re-sync.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = newCron()

	if err := s.sync(ctx); err != nil {
		return fmt.Errorf("failed to sync schedules: %w", err)
	}

	s.cron.Start()

	s.wg.Add(1)

	go s.refreshLoop(ctx)

	s.logger.InfoContext(ctx, "Starting schedule trigger", "refresh", s.refresh)

	return nil
}

func (s *Scheduler) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sync(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Failed to sync schedules", "error", err)
			}
		}
	}
}

// sync reconciles the cron entries against the active definitions: new or
// changed schedules are (re)registered, schedules of paused or archived
// definitions are removed.
func (s *Scheduler) sync(ctx context.Context) error {
	definitions, err := s.persistence.Definitions().List(ctx, persistence.DefinitionFilter{
		Status: models.DefinitionStatusActive,
	})
	if err != nil {
		return fmt.Errorf("failed to list active definitions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(definitions))

	for _, definition := range definitions {
		if definition.CurrentVersionID == "" {
			continue
		}

		version, err := s.persistence.Versions().ByID(ctx, definition.CurrentVersionID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to load published version",
				"definition_key", definition.Key, "error", err)

			continue
		}

		node := version.StartNode()

		spec := cronSpec(node)
		if spec == "" {
			continue
		}

		if _, err := cron.ParseStandard(spec); err != nil {
			s.logger.WarnContext(ctx, "Skipping invalid cron expression",
				"definition_key", definition.Key, "cron", spec, "error", err)

			continue
		}

		seen[definition.ID] = struct{}{}

		existing, ok := s.entries[definition.ID]
		if ok && existing.spec == spec {
			continue
		}

		if ok {
			s.cron.Remove(existing.id)
		}

		id, err := s.cron.AddFunc(spec, s.job(definition, node))
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to register schedule",
				"definition_key", definition.Key, "cron", spec, "error", err)

			continue
		}

		s.entries[definition.ID] = scheduleEntry{id: id, spec: spec}
		s.logger.InfoContext(ctx, "Registered schedule",
			"definition_key", definition.Key, "cron", spec)
	}

	for definitionID, entry := range s.entries {
		if _, ok := seen[definitionID]; ok {
			continue
		}

		s.cron.Remove(entry.id)
		delete(s.entries, definitionID)
	}

	return nil
}

func (s *Scheduler) job(definition *models.WorkflowDefinition, node *models.WorkflowNode) func() {
	return func() {
		s.fire(context.Background(), definition, node)
	}
}

// fire starts one instance for a due schedule. Rejected starts, like a full
// concurrency cap, are logged and skipped until the next firing.
func (s *Scheduler) fire(ctx context.Context, definition *models.WorkflowDefinition, node *models.WorkflowNode) {
	instance, err := s.starter.StartInstance(ctx, buildStartRequest(definition, node))
	if err != nil {
		s.logger.WarnContext(ctx, "Scheduled start rejected",
			"definition_key", definition.Key, "error", err)

		return
	}

	s.logger.InfoContext(ctx, "Started scheduled instance",
		"instance_id", instance.ID, "definition_key", definition.Key)
}

func buildStartRequest(definition *models.WorkflowDefinition, node *models.WorkflowNode) services.StartInstanceRequest {
	entityID, _ := node.Config["entity_id"].(string)
	if entityID == "" {
		entityID = "scheduled"
	}

	input, _ := node.Config["input"].(map[string]any)

	return services.StartInstanceRequest{
		DefinitionKey: definition.Key,
		EntityType:    definition.EntityType,
		EntityID:      entityID,
		TriggerEvent:  "schedule.cron",
		Input:         input,
	}
}

func cronSpec(node *models.WorkflowNode) string {
	if node == nil || node.Type != models.NodeTypeTrigger {
		return ""
	}

	spec, _ := node.Config["cron"].(string)

	return spec
}

// Stop halts the cron loop and waits for a running firing to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Stopping schedule trigger")

	close(s.stopCh)
	s.wg.Wait()

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	return nil
}
