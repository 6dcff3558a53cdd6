package tracker

import (
	"fmt"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/task"
	"github.com/VizierDB/web-api-async-sub004/pkg/cloudevent"
)

// Event types for task state transitions.
const (
	EventTypeRunning  = "vizier.task.running"
	EventTypeSuccess  = "vizier.task.success"
	EventTypeError    = "vizier.task.error"
	EventTypeCanceled = "vizier.task.canceled"
)

// EventSource is the CloudEvents source of task events.
const EventSource = "vizier/engine"

// EventType returns the event type announcing a transition to state.
func EventType(state task.State) string {
	switch state {
	case task.StateRunning:
		return EventTypeRunning
	case task.StateSuccess:
		return EventTypeSuccess
	case task.StateError:
		return EventTypeError
	case task.StateCanceled:
		return EventTypeCanceled
	default:
		return ""
	}
}

// Publisher receives task events. *dispatcher.Publisher implements it.
type Publisher interface {
	Publish(ce *cloudevent.CloudEvent) error
}

// BuildEvent creates the event announcing t's current state.
func BuildEvent(t *Task) *cloudevent.CloudEvent {
	data := map[string]any{
		"taskId":    t.ID,
		"projectId": t.ProjectID,
		"state":     string(t.State),
		"command":   t.Command.String(),
	}
	if t.Outputs != nil && t.State.IsTerminal() {
		data["outputs"] = t.Outputs
	}
	if t.Provenance != nil {
		data["provenance"] = t.Provenance
	}
	eventID := fmt.Sprintf("%s-%d", t.ID, time.Now().UnixNano())
	return cloudevent.New(EventType(t.State), EventSource, t.ID, eventID, data)
}
