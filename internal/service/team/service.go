package team

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"log/slog"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/apigrid/teams/internal/domain"
	"github.com/apigrid/teams/internal/permissions"
	"github.com/apigrid/teams/internal/repository"
)

// Publisher receives events after their transaction commits.
type Publisher interface {
	Publish(domain.TeamEvent)
}

// Service sequences every team mutation: authorize, create the
// companion permissions document where applicable, then commit the
// record write and its event append as one transaction.
type Service struct {
	store   repository.TeamStore
	events  repository.EventStore
	tx      repository.TxManager
	oracle  permissions.Oracle
	perms   permissions.Manager
	feed    Publisher
	logger  *slog.Logger
	baseURL string
}

// New constructs a Service. feed may be nil when no live stream is
// attached.
func New(store repository.TeamStore, events repository.EventStore, tx repository.TxManager, oracle permissions.Oracle, perms permissions.Manager, feed Publisher, logger *slog.Logger, baseURL string) Service {
	return Service{
		store:   store,
		events:  events,
		tx:      tx,
		oracle:  oracle,
		perms:   perms,
		feed:    feed,
		logger:  logger,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// SelfRef builds the canonical reference for a team id. It keys both
// the permissions subject and the authorization checks.
func (s Service) SelfRef(id string) string {
	return s.baseURL + "/teams/" + id
}

// Create validates and stores a new team. The companion permissions
// document is created first: a leftover permissions document for a
// team that never materialized is harmless, a team without permissions
// is not.
func (s Service) Create(ctx context.Context, actor string, body json.RawMessage) (*domain.Team, error) {
	if err := s.authorize(ctx, actor, "/", "teams", "create"); err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, &ValidationError{Detail: "invalid JSON body"}
	}
	// JSON null decodes into a nil map without error.
	if fields == nil {
		return nil, &ValidationError{Detail: "team document must be a JSON object"}
	}
	permSpec := fields["_permissions"]
	delete(fields, "_permissions")
	stampCreation(fields, actor)

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	doc, err := domain.ParseTeamDoc(raw)
	if err != nil {
		return nil, &ValidationError{Detail: err.Error()}
	}
	if err := s.verifyRole(ctx, actor, doc); err != nil {
		return nil, err
	}

	record := &domain.Team{
		ID:   uuid.NewString(),
		Etag: uuid.NewString(),
		Doc:  raw,
	}
	self := s.SelfRef(record.ID)

	if err := s.perms.Create(ctx, self, permSpec); err != nil {
		return nil, fmt.Errorf("create companion permissions: %w", err)
	}

	event := domain.TeamEvent{
		TeamID:    record.ID,
		Action:    domain.EventCreate,
		Etag:      record.Etag,
		After:     record.Doc,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.commit(ctx, func(ctx context.Context) error {
		return s.store.Insert(ctx, record)
	}, &event); err != nil {
		return nil, err
	}

	s.logger.Info("team created", "team_id", record.ID, "actor", actor)
	return record, nil
}

// Get returns a team record and its current etag.
func (s Service) Get(ctx context.Context, actor, id string) (*domain.Team, error) {
	if err := s.authorize(ctx, actor, s.SelfRef(id), "_self", "read"); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// Update applies a JSON merge patch against the current payload under
// the caller's etag. The patched document is revalidated before any
// write happens.
func (s Service) Update(ctx context.Context, actor, id, etag string, patch json.RawMessage) (*domain.Team, error) {
	apply := func(current json.RawMessage) (json.RawMessage, error) {
		patched, err := jsonpatch.MergePatch(current, patch)
		if err != nil {
			return nil, &ValidationError{Detail: fmt.Sprintf("cannot apply patch: %v", err)}
		}
		return patched, nil
	}
	return s.mutate(ctx, actor, id, etag, apply)
}

// Replace swaps the entire payload under the caller's etag.
func (s Service) Replace(ctx context.Context, actor, id, etag string, body json.RawMessage) (*domain.Team, error) {
	return s.mutate(ctx, actor, id, etag, func(json.RawMessage) (json.RawMessage, error) {
		return body, nil
	})
}

func (s Service) mutate(ctx context.Context, actor, id, etag string, apply func(json.RawMessage) (json.RawMessage, error)) (*domain.Team, error) {
	if etag == "" {
		return nil, ErrMissingPrecondition
	}
	if err := s.authorize(ctx, actor, s.SelfRef(id), "_self", "update"); err != nil {
		return nil, err
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Etag != etag {
		return nil, repository.ErrVersionConflict
	}

	next, err := apply(current.Doc)
	if err != nil {
		return nil, err
	}
	doc, err := domain.ParseTeamDoc(next)
	if err != nil {
		return nil, &ValidationError{Detail: err.Error()}
	}
	if err := s.verifyRole(ctx, actor, doc); err != nil {
		return nil, err
	}

	updated := &domain.Team{ID: id, Etag: uuid.NewString(), Doc: next}
	event := domain.TeamEvent{
		TeamID:    id,
		Action:    domain.EventUpdate,
		Etag:      updated.Etag,
		Before:    current.Doc,
		After:     next,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.commit(ctx, func(ctx context.Context) error {
		return s.store.UpdateWithEtag(ctx, id, etag, updated.Etag, next)
	}, &event); err != nil {
		return nil, err
	}

	s.logger.Info("team updated", "team_id", id, "actor", actor)
	return updated, nil
}

// Delete removes a team unconditionally and returns the last payload.
// The companion permissions document is removed best-effort after the
// commit; a failure there is logged and never surfaced, the team
// deletion already succeeded.
func (s Service) Delete(ctx context.Context, actor, id string) (*domain.Team, error) {
	if err := s.authorize(ctx, actor, s.SelfRef(id), "_self", "delete"); err != nil {
		return nil, err
	}

	var deleted *domain.Team
	event := domain.TeamEvent{
		TeamID:    id,
		Action:    domain.EventDelete,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.commit(ctx, func(ctx context.Context) error {
		record, err := s.store.Delete(ctx, id)
		if err != nil {
			return err
		}
		deleted = record
		event.Etag = record.Etag
		event.Before = record.Doc
		return nil
	}, &event); err != nil {
		return nil, err
	}

	if err := s.perms.Delete(ctx, s.SelfRef(id)); err != nil {
		s.logger.Warn("unable to delete companion permissions", "team_id", id, "error", err)
	}

	s.logger.Info("team deleted", "team_id", id, "actor", actor)
	return deleted, nil
}

// ListForUser returns ids of teams the user is a member of. Only the
// requesting user may list their own teams.
func (s Service) ListForUser(ctx context.Context, actor, userID string) ([]string, error) {
	if actor != userID {
		return nil, ErrForbidden
	}
	return s.store.ListIDsByMember(ctx, userID)
}

// History returns the newest recorded events for a team.
func (s Service) History(ctx context.Context, actor, id string, limit int) ([]domain.TeamEvent, error) {
	if err := s.authorize(ctx, actor, s.SelfRef(id), "_self", "read"); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.events.ListByTeam(ctx, id, limit)
}

// commit runs the store write and the event append in one transaction
// and publishes the event only after the transaction commits.
func (s Service) commit(ctx context.Context, write func(ctx context.Context) error, event *domain.TeamEvent) error {
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := write(ctx); err != nil {
			return err
		}
		return s.events.Append(ctx, event)
	})
	if err != nil {
		return err
	}
	if s.feed != nil {
		s.feed.Publish(*event)
	}
	return nil
}

func (s Service) authorize(ctx context.Context, actor, subject, property, action string) error {
	allowed, err := s.oracle.Allowed(ctx, actor, subject, property, action)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", action, err)
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

// verifyRole enforces the all-or-nothing govern rule: every base
// resource named in the role map must independently authorize the
// actor, otherwise the whole mutation is denied.
func (s Service) verifyRole(ctx context.Context, actor string, doc domain.TeamDoc) error {
	if len(doc.Role) == 0 {
		return nil
	}
	bases := make([]string, 0, len(doc.Role))
	for base := range doc.Role {
		bases = append(bases, base)
	}
	sort.Strings(bases)

	var denied []string
	for _, base := range bases {
		allowed, err := s.oracle.Allowed(ctx, actor, base, "_permissions", "govern")
		if err != nil {
			return fmt.Errorf("govern check for %s: %w", base, err)
		}
		if !allowed {
			denied = append(denied, base)
		}
	}
	if len(denied) > 0 {
		return fmt.Errorf("%w: %s may not govern base resources: %s", ErrForbidden, actor, strings.Join(denied, ", "))
	}
	return nil
}

func stampCreation(fields map[string]json.RawMessage, actor string) {
	if creator, err := json.Marshal(actor); err == nil {
		fields["creator"] = creator
	}
	if created, err := json.Marshal(time.Now().UTC().Format(time.RFC3339)); err == nil {
		fields["created"] = created
	}
}
