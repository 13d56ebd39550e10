package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store. It is intended for tests and local
// development; production deployments use the postgres implementation.
// It is safe for concurrent use and returns clones, so callers can never
// mutate stored state through a read.
type Memory struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	logs      []*ActivityLogEntry
	approvals map[string]*ApprovalRequest
	locks     map[string]*SessionLock
	grants    map[string]*AccessGrant
	seq       int64
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:  make(map[string]*Session),
		approvals: make(map[string]*ApprovalRequest),
		locks:     make(map[string]*SessionLock),
		grants:    make(map[string]*AccessGrant),
	}
}

// GetSession implements Store.
func (m *Memory) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, errNotFound("session", id)
	}
	return cloneSession(sess), nil
}

// ListActivity implements Store.
func (m *Memory) ListActivity(_ context.Context, sessionID string, f ActivityFilter) ([]*ActivityLogEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*ActivityLogEntry
	for _, e := range m.logs {
		if e.SessionID != sessionID {
			continue
		}
		if f.Step != nil && e.Step != *f.Step {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.UserID != nil && e.UserID != *f.UserID {
			continue
		}
		if f.From != nil && e.Timestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && e.Timestamp.After(*f.To) {
			continue
		}
		matched = append(matched, e)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].Seq < matched[j].Seq
	})

	total := len(matched)
	if f.Skip > 0 {
		if f.Skip >= total {
			return nil, total, nil
		}
		matched = matched[f.Skip:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]*ActivityLogEntry, len(matched))
	for i, e := range matched {
		out[i] = cloneLog(e)
	}
	return out, total, nil
}

// GetApproval implements Store.
func (m *Memory) GetApproval(_ context.Context, id string) (*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.approvals[id]
	if !ok {
		return nil, errNotFound("approval_request", id)
	}
	return cloneApproval(req), nil
}

// PendingApproval implements Store.
func (m *Memory) PendingApproval(_ context.Context, sessionID string, step Step) (*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, req := range m.approvals {
		if req.SessionID == sessionID && req.Step == step && req.Status == ApprovalPending {
			return cloneApproval(req), nil
		}
	}
	return nil, nil
}

// ActiveLocks implements Store.
func (m *Memory) ActiveLocks(_ context.Context, sessionID string) ([]*SessionLock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SessionLock
	for _, l := range m.locks {
		if l.SessionID == sessionID && l.IsActive {
			out = append(out, cloneLock(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockedAt.Before(out[j].LockedAt) })
	return out, nil
}

// ActiveGrant implements Store.
func (m *Memory) ActiveGrant(_ context.Context, sessionID, userID string) (*AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, g := range m.grants {
		if g.SessionID == sessionID && g.UserID == userID && g.IsActive {
			return cloneGrant(g), nil
		}
	}
	return nil, nil
}

// Apply implements Store. The whole commit is applied under one lock, so
// concurrent readers see either none or all of it.
func (m *Memory) Apply(_ context.Context, c *Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.Session != nil {
		if c.CreateSession {
			if _, exists := m.sessions[c.Session.ID]; exists {
				return errConflict("session %s already exists", c.Session.ID)
			}
		} else if _, exists := m.sessions[c.Session.ID]; !exists {
			return errNotFound("session", c.Session.ID)
		}
		m.sessions[c.Session.ID] = cloneSession(c.Session)
	}

	for _, entry := range c.Logs {
		stored := cloneLog(entry)
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		m.seq++
		stored.Seq = m.seq
		entry.ID = stored.ID
		entry.Seq = stored.Seq
		m.logs = append(m.logs, stored)
	}

	if c.NewApproval != nil {
		for _, req := range m.approvals {
			if req.SessionID == c.NewApproval.SessionID &&
				req.Step == c.NewApproval.Step && req.Status == ApprovalPending {
				return errConflict("pending approval already exists for step %s", c.NewApproval.Step)
			}
		}
		m.approvals[c.NewApproval.ID] = cloneApproval(c.NewApproval)
	}
	for _, req := range c.UpdatedApprovals {
		stored, ok := m.approvals[req.ID]
		if !ok {
			return errNotFound("approval_request", req.ID)
		}
		if stored.Status != ApprovalPending {
			return errConflict("approval request %s is already resolved", req.ID)
		}
		m.approvals[req.ID] = cloneApproval(req)
	}

	if c.NewLock != nil {
		m.locks[c.NewLock.ID] = cloneLock(c.NewLock)
	}
	for _, l := range c.ReleasedLocks {
		stored, ok := m.locks[l.ID]
		if !ok {
			return errNotFound("session_lock", l.ID)
		}
		if !stored.IsActive {
			return errConflict("lock %s is already inactive", l.ID)
		}
		m.locks[l.ID] = cloneLock(l)
	}

	if c.NewGrant != nil {
		m.grants[c.NewGrant.ID] = cloneGrant(c.NewGrant)
	}
	for _, g := range c.RevokedGrants {
		if _, ok := m.grants[g.ID]; !ok {
			return errNotFound("user_access_grant", g.ID)
		}
		m.grants[g.ID] = cloneGrant(g)
	}

	return nil
}

// ExpireDue implements Store.
func (m *Memory) ExpireDue(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, req := range m.approvals {
		if req.Status == ApprovalPending && !req.ExpiresAt.After(now) {
			req.Status = ApprovalExpired
			n++
		}
	}
	for _, l := range m.locks {
		if l.IsActive && l.ExpiredAt(now) {
			l.IsActive = false
			at := now
			l.ReleasedAt = &at
			reason := "expired"
			l.ReleaseReason = &reason
			n++
		}
	}
	return n, nil
}

var _ Store = (*Memory)(nil)

// ── clone helpers ─────────────────────────────────────────────────────────────

func cloneSession(in *Session) *Session {
	out := *in
	out.Steps = make([]*StepRecord, len(in.Steps))
	for i, rec := range in.Steps {
		c := *rec
		c.Data = cloneAnyMap(rec.Data)
		c.ValidationErrors = append([]string(nil), rec.ValidationErrors...)
		out.Steps[i] = &c
	}
	if in.ActiveUsers != nil {
		out.ActiveUsers = make(map[string]time.Time, len(in.ActiveUsers))
		for k, v := range in.ActiveUsers {
			out.ActiveUsers[k] = v
		}
	}
	out.AllParticipants = append([]string(nil), in.AllParticipants...)
	out.Metadata = cloneAnyMap(in.Metadata)
	return &out
}

func cloneLog(in *ActivityLogEntry) *ActivityLogEntry {
	out := *in
	out.PreviousData = cloneAnyMap(in.PreviousData)
	out.NewData = cloneAnyMap(in.NewData)
	out.Changes = append([]FieldChange(nil), in.Changes...)
	return &out
}

func cloneApproval(in *ApprovalRequest) *ApprovalRequest {
	out := *in
	out.Data = cloneAnyMap(in.Data)
	return &out
}

func cloneLock(in *SessionLock) *SessionLock {
	out := *in
	return &out
}

func cloneGrant(in *AccessGrant) *AccessGrant {
	out := *in
	out.AllowedSteps = append([]Step(nil), in.AllowedSteps...)
	out.Permissions = append([]Action(nil), in.Permissions...)
	return &out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneAnyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
