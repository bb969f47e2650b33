package permissions

import (
	"context"
	"encoding/json"
	"errors"
)

// Oracle is the external policy service consulted before every
// operation. It is an opaque allow/deny decision; evaluation logic
// lives entirely on the other side of the wire.
type Oracle interface {
	Allowed(ctx context.Context, actor, subject, property, action string) (bool, error)
}

// Manager owns the companion permissions documents scoped 1:1 to
// teams. Create runs before the team row exists; Delete runs after the
// team row is gone.
type Manager interface {
	Create(ctx context.Context, selfRef string, spec json.RawMessage) error
	Delete(ctx context.Context, selfRef string) error
}

// ErrUnavailable marks transport-level failures reaching the
// permissions service, as opposed to a deny decision.
var ErrUnavailable = errors.New("permissions service unavailable")
