package domain

import (
	"encoding/json"
	"time"
)

// EventAction enumerates the state transitions recorded for a team.
type EventAction string

const (
	EventCreate EventAction = "create"
	EventUpdate EventAction = "update"
	EventDelete EventAction = "delete"
)

// TeamEvent is one immutable log entry describing a team mutation.
// Etag is the version the mutation resulted in; Before/After hold the
// payload snapshots relevant to the action.
type TeamEvent struct {
	ID        int64
	TeamID    string
	Action    EventAction
	Etag      string
	Before    json.RawMessage
	After     json.RawMessage
	Actor     string
	CreatedAt time.Time
}
