// Package eventbus provides the ordered in-process event bus for pipeline
// runs and the session broadcaster that relays events to connected clients.
package eventbus

import (
	"time"

	"github.com/blas1n/bsai-sub001/messaging"
)

// EventType identifies an event kind.
type EventType string

// Keep list sorted A-Z
const (
	EventBreakpointHit     EventType = "breakpoint.hit"
	EventBreakpointResumed EventType = "breakpoint.resumed"
	EventLLMChunk          EventType = "llm.chunk"
	EventMilestoneComplete EventType = "milestone.completed"
	EventMilestoneFailed   EventType = "milestone.failed"
	EventMilestoneProgress EventType = "milestone.progress"
	EventMilestoneRetry    EventType = "milestone.retry"
	EventPlanModified      EventType = "plan.modified"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskFailed        EventType = "task.failed"
	EventTaskProgress      EventType = "task.progress"
	EventTaskStarted       EventType = "task.started"
)

// Events lists each event type with its payload type.
var Events = map[EventType]any{
	EventBreakpointHit:     messaging.BreakpointHit{},
	EventBreakpointResumed: messaging.BreakpointResumed{},
	EventLLMChunk:          messaging.LLMChunk{},
	EventMilestoneComplete: messaging.MilestoneUpdate{},
	EventMilestoneFailed:   messaging.MilestoneUpdate{},
	EventMilestoneProgress: messaging.MilestoneUpdate{},
	EventMilestoneRetry:    messaging.MilestoneUpdate{},
	EventPlanModified:      messaging.PlanModified{},
	EventTaskCompleted:     messaging.TaskCompleted{},
	EventTaskFailed:        messaging.TaskFailed{},
	EventTaskProgress:      messaging.TaskProgress{},
	EventTaskStarted:       messaging.TaskStarted{},
}

// Event is one published occurrence. Seq and Timestamp are assigned by the
// bus; events are not modified after publish.
type Event struct {
	Type      EventType
	SessionID string
	TaskID    string
	Seq       uint64
	Timestamp time.Time
	Payload   any
}
