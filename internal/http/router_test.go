package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/apigrid/teams/internal/domain"
	"github.com/apigrid/teams/internal/events"
	"github.com/apigrid/teams/internal/permissions"
	"github.com/apigrid/teams/internal/repository"
	"github.com/apigrid/teams/internal/service/team"
	"github.com/apigrid/teams/internal/ws"
	"github.com/apigrid/teams/pkg/jwt"
)

const testSecret = "router-test-secret"

type memoryTeamStore struct {
	teams map[string]domain.Team
}

func (s *memoryTeamStore) Insert(ctx context.Context, t *domain.Team) error {
	if _, ok := s.teams[t.ID]; ok {
		return repository.ErrAlreadyExists
	}
	s.teams[t.ID] = *t
	return nil
}

func (s *memoryTeamStore) Get(ctx context.Context, id string) (*domain.Team, error) {
	t, ok := s.teams[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (s *memoryTeamStore) UpdateWithEtag(ctx context.Context, id, expectedEtag, newEtag string, doc json.RawMessage) error {
	t, ok := s.teams[id]
	if !ok {
		return repository.ErrNotFound
	}
	if t.Etag != expectedEtag {
		return repository.ErrVersionConflict
	}
	t.Etag = newEtag
	t.Doc = doc
	s.teams[id] = t
	return nil
}

func (s *memoryTeamStore) Delete(ctx context.Context, id string) (*domain.Team, error) {
	t, ok := s.teams[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	delete(s.teams, id)
	return &t, nil
}

func (s *memoryTeamStore) ListIDsByMember(ctx context.Context, userID string) ([]string, error) {
	ids := make([]string, 0)
	for id, t := range s.teams {
		doc, err := domain.ParseTeamDoc(t.Doc)
		if err != nil {
			continue
		}
		if slices.Contains(*doc.Members, userID) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memoryEventStore struct {
	events []domain.TeamEvent
}

func (s *memoryEventStore) Append(ctx context.Context, event *domain.TeamEvent) error {
	event.ID = int64(len(s.events) + 1)
	s.events = append(s.events, *event)
	return nil
}

func (s *memoryEventStore) ListByTeam(ctx context.Context, teamID string, limit int) ([]domain.TeamEvent, error) {
	matched := make([]domain.TeamEvent, 0)
	for i := len(s.events) - 1; i >= 0 && len(matched) < limit; i-- {
		if s.events[i].TeamID == teamID {
			matched = append(matched, s.events[i])
		}
	}
	return matched, nil
}

type passTx struct{}

func (passTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type allowAllOracle struct{}

func (allowAllOracle) Allowed(ctx context.Context, actor, subject, property, action string) (bool, error) {
	return true, nil
}

type downOracle struct{}

func (downOracle) Allowed(ctx context.Context, actor, subject, property, action string) (bool, error) {
	return false, fmt.Errorf("%w: connection refused", permissions.ErrUnavailable)
}

type noopPermissions struct{}

func (noopPermissions) Create(ctx context.Context, selfRef string, spec json.RawMessage) error {
	return nil
}

func (noopPermissions) Delete(ctx context.Context, selfRef string) error {
	return nil
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	return newTestRouterWithOracle(t, allowAllOracle{})
}

func newTestRouterWithOracle(t *testing.T, oracle permissions.Oracle) *Router {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &memoryTeamStore{teams: make(map[string]domain.Team)}
	eventStore := &memoryEventStore{}
	feed := events.New(ws.NewHub(), log)
	svc := team.New(store, eventStore, passTx{}, oracle, noopPermissions{}, feed, log, "")
	router := NewRouter(log, svc, feed, nil, testSecret, nil)
	t.Cleanup(router.Close)
	return router
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.GenerateToken(userID, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return "Bearer " + token
}

func doRequest(router *Router, method, target, auth string, headers map[string]string, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	payload := make(map[string]any)
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestRouterRequiresAuth(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/teams", "", nil, `{"isA":"Team","members":[]}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = doRequest(router, http.MethodGet, "/teams/whatever", "Bearer not-a-token", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestTeamLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	auth := bearer(t, "alice")

	rec := doRequest(router, http.MethodPost, "/teams", auth, nil, `{"isA":"Team","members":["alice"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("create response missing ETag header")
	}
	created := decodeBody(t, rec)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("create response missing id: %v", created)
	}
	if self, _ := created["self"].(string); !strings.HasSuffix(self, "/teams/"+id) {
		t.Fatalf("unexpected self link: %v", created["self"])
	}

	rec = doRequest(router, http.MethodGet, "/teams/"+id, auth, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if rec.Header().Get("ETag") != etag {
		t.Fatalf("get ETag = %q, want %q", rec.Header().Get("ETag"), etag)
	}

	// Conditional mutation without a precondition is refused.
	rec = doRequest(router, http.MethodPatch, "/teams/"+id, auth, nil, `{"members":["alice","bob"]}`)
	if rec.Code != http.StatusPreconditionRequired {
		t.Fatalf("patch without If-Match status = %d, want 428", rec.Code)
	}

	// Stale etag loses, and the response exposes the winning version.
	rec = doRequest(router, http.MethodPatch, "/teams/"+id, auth, map[string]string{"If-Match": `"stale-etag"`}, `{"members":["alice","bob"]}`)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("stale patch status = %d, want 412", rec.Code)
	}
	if rec.Header().Get("ETag") != etag {
		t.Fatalf("conflict response ETag = %q, want current %q", rec.Header().Get("ETag"), etag)
	}

	rec = doRequest(router, http.MethodPatch, "/teams/"+id, auth, map[string]string{"If-Match": etag}, `{"members":["alice","bob"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", rec.Code, rec.Body.String())
	}
	newEtag := rec.Header().Get("ETag")
	if newEtag == "" || newEtag == etag {
		t.Fatalf("patch must rotate the etag, got %q", newEtag)
	}

	rec = doRequest(router, http.MethodGet, "/teams/"+id+"/events", auth, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("events status = %d", rec.Code)
	}
	var history []json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&history); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 events, got %d", len(history))
	}

	rec = doRequest(router, http.MethodDelete, "/teams/"+id, auth, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec.Header().Get("ETag") != newEtag {
		t.Fatalf("delete must return the last etag, got %q", rec.Header().Get("ETag"))
	}

	rec = doRequest(router, http.MethodGet, "/teams/"+id, auth, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestPutReplacesDocument(t *testing.T) {
	router := newTestRouter(t)
	auth := bearer(t, "alice")

	rec := doRequest(router, http.MethodPost, "/teams", auth, nil, `{"isA":"Team","members":["alice"],"name":"core"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	etag := rec.Header().Get("ETag")
	id, _ := decodeBody(t, rec)["id"].(string)

	rec = doRequest(router, http.MethodPut, "/teams/"+id, auth, map[string]string{"If-Match": etag}, `{"isA":"Team","members":["bob"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", rec.Code, rec.Body.String())
	}
	replaced := decodeBody(t, rec)
	if _, ok := replaced["name"]; ok {
		t.Fatal("put must not preserve fields absent from the new payload")
	}
}

func TestCreateRejectsInvalidBody(t *testing.T) {
	router := newTestRouter(t)
	auth := bearer(t, "alice")

	rec := doRequest(router, http.MethodPost, "/teams", auth, nil, `{"isA":"Team","members":"nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListTeamsForMember(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/teams", bearer(t, "u1"), nil, `{"isA":"Team","members":["u1","u2"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	rec = doRequest(router, http.MethodPost, "/teams", bearer(t, "u2"), nil, `{"isA":"Team","members":["u2"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	rec = doRequest(router, http.MethodGet, "/teams?member=u2", bearer(t, "u2"), nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	listing := decodeBody(t, rec)
	contents, _ := listing["contents"].([]any)
	if len(contents) != 2 {
		t.Fatalf("expected 2 teams for u2, got %v", listing)
	}

	rec = doRequest(router, http.MethodGet, "/teams?member=u3", bearer(t, "u3"), nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	listing = decodeBody(t, rec)
	contents, _ = listing["contents"].([]any)
	if len(contents) != 0 {
		t.Fatalf("expected no teams for u3, got %v", listing)
	}

	// Only the user themselves may run the reverse lookup.
	rec = doRequest(router, http.MethodGet, "/teams?member=u2", bearer(t, "u1"), nil, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-user lookup status = %d, want 403", rec.Code)
	}
}

func TestPermissionsOutageMapsToBadGateway(t *testing.T) {
	router := newTestRouterWithOracle(t, downOracle{})
	auth := bearer(t, "alice")

	rec := doRequest(router, http.MethodPost, "/teams", auth, nil, `{"isA":"Team","members":["alice"]}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("create during outage status = %d, want 502", rec.Code)
	}

	rec = doRequest(router, http.MethodGet, "/teams/some-id", auth, nil, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("get during outage status = %d, want 502", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodDelete, "/teams", bearer(t, "alice"), nil, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestReadAndWriteRateLimitsDiffer(t *testing.T) {
	router := newTestRouter(t)
	auth := bearer(t, "alice")

	rec := doRequest(router, http.MethodPost, "/teams", auth, nil, `{"isA":"Team","members":["alice"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != strconv.Itoa(rateLimitTeamWrite) {
		t.Fatalf("write limit header = %q, want %d", got, rateLimitTeamWrite)
	}
	id, _ := decodeBody(t, rec)["id"].(string)

	rec = doRequest(router, http.MethodGet, "/teams/"+id, auth, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != strconv.Itoa(rateLimitTeamRead) {
		t.Fatalf("read limit header = %q, want %d", got, rateLimitTeamRead)
	}
}

func TestHealthzUp(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodGet, "/healthz", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
