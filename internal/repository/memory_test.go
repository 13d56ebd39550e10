package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
)

func seedSession(t *testing.T, m *Memory, id string) *Session {
	t.Helper()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	sess := &Session{
		ID:            id,
		PatientID:     "p-1",
		ScreeningType: ScreeningHospitalMobileUnit,
		CurrentStep:   StepRegistration,
		OverallStatus: StatusInProgress,
		CreatedAt:     now,
		UpdatedAt:     now,
		Steps: []*StepRecord{
			{Step: StepRegistration, Status: StatusInProgress, Data: map[string]any{"full_name": "Ana"}},
			{Step: StepInitialAssessment, Status: StatusPending, Data: map[string]any{}},
		},
	}
	require.NoError(t, m.Apply(context.Background(), &Commit{CreateSession: true, Session: sess}))
	return sess
}

func TestMemorySessionLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedSession(t, m, "s-1")

	t.Run("reads are isolated clones", func(t *testing.T) {
		a, err := m.GetSession(ctx, "s-1")
		require.NoError(t, err)
		a.Steps[0].Data["full_name"] = "Tampered"
		a.OverallStatus = StatusRejected

		b, err := m.GetSession(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "Ana", b.Steps[0].Data["full_name"])
		assert.Equal(t, StatusInProgress, b.OverallStatus)
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		sess, _ := m.GetSession(ctx, "s-1")
		err := m.Apply(ctx, &Commit{CreateSession: true, Session: sess})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
	})

	t.Run("update of unknown session is not found", func(t *testing.T) {
		err := m.Apply(ctx, &Commit{Session: &Session{ID: "ghost"}})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("get unknown session", func(t *testing.T) {
		_, err := m.GetSession(ctx, "ghost")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	})
}

func TestMemoryActivityLog(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedSession(t, m, "s-1")

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	users := []string{"u-1", "u-2", "u-1", "u-3", "u-1"}
	for i, uid := range users {
		entry := &ActivityLogEntry{
			SessionID: "s-1",
			Step:      StepRegistration,
			Action:    ActionUpdate,
			UserID:    uid,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, m.Apply(ctx, &Commit{Logs: []*ActivityLogEntry{entry}}))
		assert.NotEmpty(t, entry.ID, "store assigns ids back onto the commit")
		assert.Equal(t, int64(i+1), entry.Seq)
	}

	t.Run("newest first with stable seq ordering", func(t *testing.T) {
		entries, total, err := m.ListActivity(ctx, "s-1", ActivityFilter{})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, entries, 5)
		assert.Equal(t, int64(5), entries[0].Seq)
		assert.Equal(t, int64(1), entries[4].Seq)
	})

	t.Run("same timestamp orders by seq", func(t *testing.T) {
		ts := base.Add(time.Hour)
		for i := 0; i < 2; i++ {
			require.NoError(t, m.Apply(ctx, &Commit{Logs: []*ActivityLogEntry{{
				SessionID: "s-1", Step: StepRegistration, Action: ActionView,
				UserID: "u-9", Timestamp: ts,
			}}}))
		}
		action := ActionView
		entries, _, err := m.ListActivity(ctx, "s-1", ActivityFilter{Action: &action})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Less(t, entries[0].Seq, entries[1].Seq)
	})

	t.Run("user filter", func(t *testing.T) {
		uid := "u-1"
		entries, total, err := m.ListActivity(ctx, "s-1", ActivityFilter{UserID: &uid})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, entries, 3)
	})

	t.Run("time window filter", func(t *testing.T) {
		from := base.Add(time.Minute)
		to := base.Add(3 * time.Minute)
		_, total, err := m.ListActivity(ctx, "s-1", ActivityFilter{From: &from, To: &to})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
	})

	t.Run("pagination", func(t *testing.T) {
		entries, total, err := m.ListActivity(ctx, "s-1", ActivityFilter{Skip: 2, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 7, total)
		assert.Len(t, entries, 2)

		entries, total, err = m.ListActivity(ctx, "s-1", ActivityFilter{Skip: 100})
		require.NoError(t, err)
		assert.Equal(t, 7, total)
		assert.Empty(t, entries)
	})
}

func TestMemoryApprovals(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedSession(t, m, "s-1")
	now := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)

	first := &ApprovalRequest{
		ID: "a-1", SessionID: "s-1", Step: StepDoctorDiagnosis,
		Status: ApprovalPending, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, m.Apply(ctx, &Commit{NewApproval: first}))

	t.Run("pending uniqueness per step", func(t *testing.T) {
		dup := &ApprovalRequest{
			ID: "a-2", SessionID: "s-1", Step: StepDoctorDiagnosis,
			Status: ApprovalPending, ExpiresAt: now.Add(time.Hour),
		}
		err := m.Apply(ctx, &Commit{NewApproval: dup})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))

		other := &ApprovalRequest{
			ID: "a-3", SessionID: "s-1", Step: StepPrescription,
			Status: ApprovalPending, ExpiresAt: now.Add(time.Hour),
		}
		assert.NoError(t, m.Apply(ctx, &Commit{NewApproval: other}))
	})

	t.Run("pending lookup", func(t *testing.T) {
		got, err := m.PendingApproval(ctx, "s-1", StepDoctorDiagnosis)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "a-1", got.ID)

		none, err := m.PendingApproval(ctx, "s-1", StepQualityCheck)
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("resolution is terminal", func(t *testing.T) {
		resolved, err := m.GetApproval(ctx, "a-1")
		require.NoError(t, err)
		resolved.Status = ApprovalApproved
		require.NoError(t, m.Apply(ctx, &Commit{UpdatedApprovals: []*ApprovalRequest{resolved}}))

		resolved.Status = ApprovalRejected
		err = m.Apply(ctx, &Commit{UpdatedApprovals: []*ApprovalRequest{resolved}})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
	})
}

func TestMemoryLocksAndGrants(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedSession(t, m, "s-1")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	lock := &SessionLock{
		ID: "l-1", SessionID: "s-1", LockedBy: "u-sup",
		LockType: LockEditing, Reason: "audit",
		LockedAt: now, ExpiresAt: now.Add(time.Hour), IsActive: true,
	}
	require.NoError(t, m.Apply(ctx, &Commit{NewLock: lock}))

	t.Run("active lock listing", func(t *testing.T) {
		locks, err := m.ActiveLocks(ctx, "s-1")
		require.NoError(t, err)
		require.Len(t, locks, 1)
		assert.Equal(t, "l-1", locks[0].ID)
	})

	t.Run("release is terminal", func(t *testing.T) {
		released := *lock
		released.IsActive = false
		require.NoError(t, m.Apply(ctx, &Commit{ReleasedLocks: []*SessionLock{&released}}))

		locks, err := m.ActiveLocks(ctx, "s-1")
		require.NoError(t, err)
		assert.Empty(t, locks)

		err = m.Apply(ctx, &Commit{ReleasedLocks: []*SessionLock{&released}})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
	})

	t.Run("grants", func(t *testing.T) {
		grant := &AccessGrant{
			ID: "g-1", SessionID: "s-1", UserID: "u-vis",
			Role: RoleVisionTechnician, IsActive: true,
			AllowedSteps: []Step{StepRegistration},
			Permissions:  []Action{ActionUpdate},
		}
		require.NoError(t, m.Apply(ctx, &Commit{NewGrant: grant}))

		got, err := m.ActiveGrant(ctx, "s-1", "u-vis")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "g-1", got.ID)

		revoked := *grant
		revoked.IsActive = false
		require.NoError(t, m.Apply(ctx, &Commit{RevokedGrants: []*AccessGrant{&revoked}}))

		gone, err := m.ActiveGrant(ctx, "s-1", "u-vis")
		require.NoError(t, err)
		assert.Nil(t, gone)
	})
}

func TestMemoryExpireDue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedSession(t, m, "s-1")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.Apply(ctx, &Commit{NewApproval: &ApprovalRequest{
		ID: "a-due", SessionID: "s-1", Step: StepDoctorDiagnosis,
		Status: ApprovalPending, ExpiresAt: now.Add(-time.Minute),
	}}))
	require.NoError(t, m.Apply(ctx, &Commit{NewLock: &SessionLock{
		ID: "l-due", SessionID: "s-1", IsActive: true, ExpiresAt: now.Add(-time.Minute),
	}}))
	require.NoError(t, m.Apply(ctx, &Commit{NewLock: &SessionLock{
		ID: "l-live", SessionID: "s-1", IsActive: true, ExpiresAt: now.Add(time.Hour),
	}}))

	n, err := m.ExpireDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	req, err := m.GetApproval(ctx, "a-due")
	require.NoError(t, err)
	assert.Equal(t, ApprovalExpired, req.Status)

	locks, err := m.ActiveLocks(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "l-live", locks[0].ID)

	n, err = m.ExpireDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n, "a second sweep finds nothing")
}
