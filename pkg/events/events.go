package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EventType identifies one engine lifecycle event.
type EventType string

const (
	EventTypeSendStarted    EventType = "send-started"
	EventTypeMessageAdded   EventType = "message-added"
	EventTypeMessageUpdated EventType = "message-updated"
	EventTypeMessageDeleted EventType = "message-deleted"
	EventTypeSendCompleted  EventType = "send-completed"
	EventTypeSendFailed     EventType = "send-failed"
)

// Event is what the conversation engine publishes on its topic so UIs can
// react without polling engine state. Error carries the failure description
// for send-failed events.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
	Error          string    `json:"error,omitempty"`
	Time           time.Time `json:"time"`
}

func NewEvent(type_ EventType, conversationID string) Event {
	return Event{
		Type:           type_,
		ConversationID: conversationID,
		Time:           time.Now(),
	}
}

func (e Event) WithMessageID(id string) Event {
	e.MessageID = id
	return e
}

func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// NewEventFromJSON parses a published payload back into an Event.
func NewEventFromJSON(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, errors.Wrap(err, "parsing event payload")
	}
	if e.Type == "" {
		return Event{}, errors.New("event payload has no type")
	}
	return e, nil
}
