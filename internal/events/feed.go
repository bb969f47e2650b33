package events

import (
	"encoding/json"
	"time"

	"log/slog"

	"github.com/apigrid/teams/internal/domain"
	"github.com/apigrid/teams/internal/ws"
)

// Feed broadcasts committed team events to websocket subscribers.
// Publication happens after the transaction commits, so subscribers
// never see an event for a mutation that rolled back.
type Feed struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a Feed.
func New(hub *ws.Hub, logger *slog.Logger) Feed {
	return Feed{hub: hub, logger: logger}
}

// Publish fans an event out to clients watching its team.
func (f Feed) Publish(event domain.TeamEvent) {
	data, err := MarshalEvent(event)
	if err != nil {
		f.logger.Warn("failed to marshal event payload", "error", err)
		return
	}
	f.hub.Broadcast(event.TeamID, data)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (f Feed) Hub() *ws.Hub {
	return f.hub
}

// MarshalEvent formats a team event for streaming payloads.
func MarshalEvent(event domain.TeamEvent) ([]byte, error) {
	payload := map[string]any{
		"id":         event.ID,
		"team_id":    event.TeamID,
		"action":     string(event.Action),
		"etag":       event.Etag,
		"actor":      event.Actor,
		"created_at": event.CreatedAt.Format(time.RFC3339Nano),
	}
	if len(event.Before) > 0 {
		payload["before"] = json.RawMessage(event.Before)
	}
	if len(event.After) > 0 {
		payload["after"] = json.RawMessage(event.After)
	}
	return json.Marshal(payload)
}
