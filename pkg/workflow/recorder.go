package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vantagecrm/relay/pkg/eventbus"
	"github.com/vantagecrm/relay/pkg/models"
)

// Recorder publishes lifecycle events to the bus. Audit log rows ride along
// the step commit; events go out after the commit succeeds, so collaborators
// never observe a state the store has not accepted. A publish failure is
// logged and swallowed: the audit log is the source of truth, the bus is
// best-effort notification.
type Recorder struct {
	publisher eventbus.EventPublisher
	logger    *slog.Logger
}

func NewRecorder(publisher eventbus.EventPublisher, logger *slog.Logger) *Recorder {
	return &Recorder{
		publisher: publisher,
		logger:    logger.With("module", "recorder"),
	}
}

func (r *Recorder) Publish(ctx context.Context, key string, event eventbus.Event) {
	if r.publisher == nil {
		return
	}

	err := r.publisher.Publish(ctx, key, event)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to publish lifecycle event",
			"event_type", event.GetType(), "error", err)
	}
}

// newLog builds an audit entry for inclusion in a step commit.
func newLog(instance *models.WorkflowInstance, nodeKey string, kind models.LogKind, message string, details map[string]any) *models.WorkflowLog {
	return &models.WorkflowLog{
		ID:         uuid.New().String(),
		InstanceID: instance.ID,
		NodeKey:    nodeKey,
		Kind:       kind,
		Message:    message,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}
}
