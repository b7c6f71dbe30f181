package eventbus

import (
	"encoding/json"

	"github.com/blas1n/bsai-sub001/messaging"
)

var wireTypes = map[EventType]messaging.MessageType{
	EventBreakpointHit:     messaging.TypeBreakpointHit,
	EventBreakpointResumed: messaging.TypeBreakpointResumed,
	EventLLMChunk:          messaging.TypeLLMChunk,
	EventMilestoneComplete: messaging.TypeMilestoneComplete,
	EventMilestoneFailed:   messaging.TypeMilestoneFailed,
	EventMilestoneProgress: messaging.TypeMilestoneProgress,
	EventMilestoneRetry:    messaging.TypeMilestoneRetry,
	EventPlanModified:      messaging.TypePlanModified,
	EventTaskCompleted:     messaging.TypeTaskCompleted,
	EventTaskFailed:        messaging.TypeTaskFailed,
	EventTaskProgress:      messaging.TypeTaskProgress,
	EventTaskStarted:       messaging.TypeTaskStarted,
}

// Translate maps an event onto its wire envelope. It returns false for
// event types with no wire form or payloads that cannot be encoded.
func Translate(event Event) (messaging.Envelope, bool) {
	msgType, ok := wireTypes[event.Type]
	if !ok {
		return messaging.Envelope{}, false
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return messaging.Envelope{}, false
	}
	return messaging.Envelope{
		Type:      msgType,
		SessionID: event.SessionID,
		Timestamp: event.Timestamp,
		Payload:   payload,
	}, true
}
