package events

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/events/bus"
	"github.com/JoshuaAFerguson/apex/internal/taskevents"
)

// relayedTypes is every taskevents.EventType republished onto the
// configured EventBus, so that external subscribers (NATS consumers, a
// sibling service) see the same lifecycle a local taskevents.Listener
// would, without reaching into the daemon's process.
var relayedTypes = []taskevents.EventType{
	taskevents.EventTaskCreated,
	taskevents.EventTaskStarted,
	taskevents.EventTaskStageChanged,
	taskevents.EventTaskCompleted,
	taskevents.EventTaskFailed,
	taskevents.EventTaskPaused,
	taskevents.EventTaskSessionResumed,
	taskevents.EventTaskDecomposed,
	taskevents.EventSubtaskCreated,
	taskevents.EventSubtaskCompleted,
	taskevents.EventSubtaskFailed,
	taskevents.EventGateRequired,
	taskevents.EventGateApproved,
	taskevents.EventGateRejected,
	taskevents.EventUsageUpdated,
	taskevents.EventPRCreated,
	taskevents.EventPRFailed,
	taskevents.EventCapacityRestored,
}

// subject maps an EventType to its bus subject, replacing the ':' separator
// taskevents uses with the '.' NATS/memory subjects are built from.
func subject(typ taskevents.EventType) string {
	return strings.ReplaceAll(string(typ), ":", ".")
}

// Relay subscribes to every relayedTypes emission on emitter and republishes
// it onto b under subject(ev.Type), tagged with ev.TaskID. Returns an
// unsubscribe func that detaches all listeners.
func Relay(emitter *taskevents.Emitter, b bus.EventBus, log *logger.Logger) func() {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("events_relay")

	unsubscribers := make([]func(), 0, len(relayedTypes))
	for _, typ := range relayedTypes {
		typ := typ
		unsub := emitter.On(typ, func(ev taskevents.Event) {
			data := map[string]interface{}{
				"task_id": ev.TaskID,
				"payload": ev.Payload,
			}
			busEvent := bus.NewEvent(string(ev.Type), "apex-daemon", data)
			if err := b.Publish(context.Background(), subject(ev.Type), busEvent); err != nil {
				log.Warn("failed to publish event", zap.String("subject", subject(ev.Type)), zap.Error(err))
			}
		})
		unsubscribers = append(unsubscribers, unsub)
	}

	return func() {
		for _, unsub := range unsubscribers {
			unsub()
		}
	}
}
