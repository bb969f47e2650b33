package repository

import (
	"context"
	"encoding/json"

	"github.com/apigrid/teams/internal/domain"
)

// TeamStore persists team records. Implementations must enforce the
// etag predicate inside a single conditional write; callers never
// emulate compare-and-swap with separate reads.
type TeamStore interface {
	Insert(ctx context.Context, team *domain.Team) error
	Get(ctx context.Context, id string) (*domain.Team, error)
	UpdateWithEtag(ctx context.Context, id, expectedEtag, newEtag string, doc json.RawMessage) error
	Delete(ctx context.Context, id string) (*domain.Team, error)
	ListIDsByMember(ctx context.Context, userID string) ([]string, error)
}

// EventStore appends and reads the team event log. Append is write
// only; events are never updated or removed by the service.
type EventStore interface {
	Append(ctx context.Context, event *domain.TeamEvent) error
	ListByTeam(ctx context.Context, teamID string, limit int) ([]domain.TeamEvent, error)
}

// TxManager runs fn inside one database transaction. Store calls made
// with the derived context join that transaction, which is how a team
// write and its event append commit or roll back as a unit.
type TxManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
