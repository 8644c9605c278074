package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagecrm/relay/pkg/channels/gochannel"
	"github.com/vantagecrm/relay/pkg/eventbus"
	"github.com/vantagecrm/relay/pkg/events"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	publisher, subscriber, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(publisher, subscriber)

	received := make(chan *events.InstanceStarted, 1)

	err = bus.Handle(events.InstanceStartedEvent, func(_ context.Context, event any) error {
		started, ok := event.(*events.InstanceStarted)
		if ok {
			received <- started
		}

		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = bus.Subscribe(ctx)
	require.NoError(t, err)

	event := events.InstanceStarted{
		BaseEvent:     events.NewBaseEvent(events.InstanceStartedEvent, "inst-1"),
		DefinitionKey: "lead-routing",
		VersionNumber: 3,
		EntityType:    "lead",
		EntityID:      "lead-9",
		TriggerEvent:  "lead.created",
	}

	err = bus.Publish(ctx, "inst-1", event)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "inst-1", got.InstanceID)
		assert.Equal(t, "lead-routing", got.DefinitionKey)
		assert.Equal(t, 3, got.VersionNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnhandledEventTypesAreAcked(t *testing.T) {
	t.Parallel()

	publisher, subscriber, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(publisher, subscriber)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = bus.Subscribe(ctx)
	require.NoError(t, err)

	event := events.TaskClaimed{
		BaseEvent: events.NewBaseEvent(events.TaskClaimedEvent, "inst-1"),
		TaskID:    "task-1",
		ClaimedBy: "user-1",
	}

	// No handler registered; publish must not block or error.
	err = bus.Publish(ctx, "inst-1", event)
	require.NoError(t, err)
}
