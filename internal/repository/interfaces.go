package repository

import (
	"context"
	"time"
)

// ActivityFilter narrows and pages an activity log listing. Results are
// ordered timestamp descending, then seq ascending.
type ActivityFilter struct {
	Step   *Step
	Action *Action
	UserID *string
	From   *time.Time
	To     *time.Time
	Skip   int
	Limit  int
}

// Commit is one atomic state change produced by a single engine operation:
// the session row, its log entries, and any approval, lock, or grant rows
// touched by the same operation. Implementations apply the whole commit or
// none of it.
type Commit struct {
	// CreateSession marks Session as an insert rather than an update.
	CreateSession bool
	Session       *Session

	// Logs are appended in order; the store assigns each entry's seq.
	Logs []*ActivityLogEntry

	// NewApproval is inserted; UpdatedApprovals carry resolved or expired
	// outcomes written back onto existing rows.
	NewApproval      *ApprovalRequest
	UpdatedApprovals []*ApprovalRequest

	// NewLock is inserted; ReleasedLocks are existing rows deactivated by
	// this operation (explicit unlock or lazy expiry harvest).
	NewLock       *SessionLock
	ReleasedLocks []*SessionLock

	// NewGrant is inserted; RevokedGrants are deactivated.
	NewGrant      *AccessGrant
	RevokedGrants []*AccessGrant
}

// Store is the engine's persistence boundary. Reads return clones the caller
// may mutate freely; writes go through Apply so every operation commits
// atomically with its activity log entries.
type Store interface {
	// GetSession returns the session with its step records.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListActivity returns matching log entries and the total match count.
	ListActivity(ctx context.Context, sessionID string, f ActivityFilter) ([]*ActivityLogEntry, int, error)

	// GetApproval returns an approval request by id.
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)

	// PendingApproval returns the pending request for (session, step), or nil.
	// At most one such row exists.
	PendingApproval(ctx context.Context, sessionID string, step Step) (*ApprovalRequest, error)

	// ActiveLocks returns all lock rows for the session still marked active,
	// including rows past their expiry; callers check expiry before treating
	// a lock as blocking.
	ActiveLocks(ctx context.Context, sessionID string) ([]*SessionLock, error)

	// ActiveGrant returns the active access grant for (session, user), or nil.
	ActiveGrant(ctx context.Context, sessionID, userID string) (*AccessGrant, error)

	// Apply persists one commit atomically.
	Apply(ctx context.Context, c *Commit) error

	// ExpireDue eagerly expires pending approvals and deactivates active
	// locks whose expiry is at or before now. It exists for the background
	// sweeper; lazy expiry on read remains the correctness contract.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}
