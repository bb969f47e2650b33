package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/apigrid/teams/internal/domain"
	"github.com/apigrid/teams/internal/ws"
)

type chanSubscriber struct {
	payloads chan []byte
}

func newChanSubscriber() *chanSubscriber {
	return &chanSubscriber{payloads: make(chan []byte, 8)}
}

func (s *chanSubscriber) Send(payload []byte) error {
	s.payloads <- payload
	return nil
}

func (s *chanSubscriber) Close() {}

func (s *chanSubscriber) wait(t *testing.T) []byte {
	t.Helper()
	select {
	case payload := <-s.payloads:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return nil
	}
}

func TestMarshalEventShape(t *testing.T) {
	event := domain.TeamEvent{
		ID:        7,
		TeamID:    "team-1",
		Action:    domain.EventUpdate,
		Etag:      "etag-2",
		Before:    json.RawMessage(`{"isA":"Team","members":["a"]}`),
		After:     json.RawMessage(`{"isA":"Team","members":["a","b"]}`),
		Actor:     "alice",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := MarshalEvent(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["team_id"] != "team-1" || payload["action"] != "update" || payload["actor"] != "alice" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if _, ok := payload["before"]; !ok {
		t.Fatal("payload missing before snapshot")
	}
	if _, ok := payload["after"]; !ok {
		t.Fatal("payload missing after snapshot")
	}
}

func TestMarshalEventOmitsEmptySnapshots(t *testing.T) {
	data, err := MarshalEvent(domain.TeamEvent{TeamID: "t", Action: domain.EventCreate})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if _, ok := payload["before"]; ok {
		t.Fatal("empty before snapshot must be omitted")
	}
	if _, ok := payload["after"]; ok {
		t.Fatal("empty after snapshot must be omitted")
	}
}

func TestPublishReachesTeamSubscribersOnly(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub()
	feed := New(hub, log)

	watcher := newChanSubscriber()
	bystander := newChanSubscriber()
	hub.Register("team-1", watcher)
	hub.Register("team-2", bystander)

	feed.Publish(domain.TeamEvent{
		TeamID:    "team-1",
		Action:    domain.EventCreate,
		Etag:      "etag-1",
		After:     json.RawMessage(`{"isA":"Team","members":[]}`),
		Actor:     "alice",
		CreatedAt: time.Now().UTC(),
	})

	payload := watcher.wait(t)
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if decoded["team_id"] != "team-1" || decoded["etag"] != "etag-1" {
		t.Fatalf("unexpected broadcast: %v", decoded)
	}

	select {
	case payload := <-bystander.payloads:
		t.Fatalf("bystander received broadcast for another team: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}
