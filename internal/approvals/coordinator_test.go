package approvals

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/internal/audit"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/pkg/schema"
)

type resumeCall struct {
	executionID string
	approved    bool
	reason      string
}

type fakeResumer struct {
	mu    sync.Mutex
	calls []resumeCall
	err   error
}

func (r *fakeResumer) ResumeApproval(_ context.Context, executionID string, approved bool, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, resumeCall{executionID: executionID, approved: approved, reason: reason})
	return nil
}

func (r *fakeResumer) resumed() []resumeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]resumeCall, len(r.calls))
	copy(out, r.calls)
	return out
}

type adminAuthorizer struct{ admins map[string]bool }

func (a *adminAuthorizer) CanApprove(_ context.Context, _ *store.ApprovalRequest, approverID string) bool {
	return a.admins[approverID]
}

type coordFixture struct {
	coord   *Coordinator
	store   *store.MemoryStore
	resumer *fakeResumer
	now     time.Time
}

func newCoordFixture(t *testing.T, authz Authorizer) *coordFixture {
	t.Helper()
	st := store.NewMemoryStore()
	resumer := &fakeResumer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &coordFixture{
		store:   st,
		resumer: resumer,
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.coord = NewCoordinator(Config{
		Store:      st,
		Resumer:    resumer,
		Authorizer: authz,
		Audit:      audit.NewRecorder(st, logger),
		Logger:     logger,
		Now:        func() time.Time { return f.now },
	})
	return f
}

func (f *coordFixture) seedApproval(t *testing.T, requireAll, allowVeto bool, approvers ...string) *store.ApprovalRequest {
	t.Helper()
	expires := f.now.Add(time.Hour)
	ar := &store.ApprovalRequest{
		ID:             uuid.NewString(),
		ExecutionID:    uuid.NewString(),
		NodeID:         "gate",
		Approvers:      approvers,
		RequireAll:     requireAll,
		AllowVeto:      allowVeto,
		TimeoutSeconds: 3600,
		Status:         schema.ApprovalStatusPending,
		CreatedAt:      f.now,
		ExpiresAt:      &expires,
	}
	require.NoError(t, f.store.CreateApproval(context.Background(), ar))
	return ar
}

func TestSubmitFirstApprovalResolves(t *testing.T) {
	f := newCoordFixture(t, nil)
	ar := f.seedApproval(t, false, false, "alice", "bob")
	ctx := context.Background()

	got, err := f.coord.Submit(ctx, ar.ID, "alice", schema.DecisionApproved, "lgtm")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusApproved, got.Status)
	require.Len(t, got.Decisions, 1)
	assert.Equal(t, "alice", got.Decisions[0].ApproverID)

	resumed := f.resumer.resumed()
	require.Len(t, resumed, 1)
	assert.Equal(t, ar.ExecutionID, resumed[0].executionID)
	assert.True(t, resumed[0].approved)
	assert.Equal(t, "lgtm", resumed[0].reason)
}

func TestSubmitRejectionWithoutVetoStaysPending(t *testing.T) {
	f := newCoordFixture(t, nil)
	ar := f.seedApproval(t, false, false, "alice", "bob")
	ctx := context.Background()

	got, err := f.coord.Submit(ctx, ar.ID, "alice", schema.DecisionRejected, "not yet")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusPending, got.Status)
	assert.Empty(t, f.resumer.resumed())

	// A later approval still resolves the gate.
	got, err = f.coord.Submit(ctx, ar.ID, "bob", schema.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusApproved, got.Status)
	require.Len(t, f.resumer.resumed(), 1)
}

func TestSubmitVetoRejectsImmediately(t *testing.T) {
	f := newCoordFixture(t, nil)
	ar := f.seedApproval(t, false, true, "alice", "bob")

	got, err := f.coord.Submit(context.Background(), ar.ID, "bob", schema.DecisionRejected, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusRejected, got.Status)

	resumed := f.resumer.resumed()
	require.Len(t, resumed, 1)
	assert.False(t, resumed[0].approved)
	assert.Equal(t, "approval rejected", resumed[0].reason)
}

func TestSubmitRequireAllQuorum(t *testing.T) {
	f := newCoordFixture(t, nil)
	ar := f.seedApproval(t, true, false, "alice", "bob", "carol")
	ctx := context.Background()

	got, err := f.coord.Submit(ctx, ar.ID, "alice", schema.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusPending, got.Status)
	assert.Empty(t, f.resumer.resumed())

	got, err = f.coord.Submit(ctx, ar.ID, "bob", schema.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusPending, got.Status)

	got, err = f.coord.Submit(ctx, ar.ID, "carol", schema.DecisionApproved, "all good")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusApproved, got.Status)

	resumed := f.resumer.resumed()
	require.Len(t, resumed, 1)
	assert.True(t, resumed[0].approved)
}

func TestSubmitRequireAllVetoShortCircuits(t *testing.T) {
	f := newCoordFixture(t, nil)
	ar := f.seedApproval(t, true, false, "alice", "bob", "carol")
	ctx := context.Background()

	_, err := f.coord.Submit(ctx, ar.ID, "alice", schema.DecisionApproved, "")
	require.NoError(t, err)

	got, err := f.coord.Submit(ctx, ar.ID, "bob", schema.DecisionRejected, "schema change too risky")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusRejected, got.Status)

	resumed := f.resumer.resumed()
	require.Len(t, resumed, 1)
	assert.False(t, resumed[0].approved)
	assert.Equal(t, "schema change too risky", resumed[0].reason)

	// The gate is settled; carol's verdict bounces.
	_, err = f.coord.Submit(ctx, ar.ID, "carol", schema.DecisionApproved, "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeState, schema.CodeOf(err))
}

func TestSubmitUnauthorizedApprover(t *testing.T) {
	f := newCoordFixture(t, nil)
	ar := f.seedApproval(t, false, false, "alice")

	_, err := f.coord.Submit(context.Background(), ar.ID, "mallory", schema.DecisionApproved, "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeForbidden, schema.CodeOf(err))
	assert.Empty(t, f.resumer.resumed())
}

func TestSubmitAdminPolicyAllowsOutsider(t *testing.T) {
	f := newCoordFixture(t, &adminAuthorizer{admins: map[string]bool{"root": true}})
	ar := f.seedApproval(t, false, false, "alice")

	got, err := f.coord.Submit(context.Background(), ar.ID, "root", schema.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusApproved, got.Status)
}

func TestSubmitDuplicateDecision(t *testing.T) {
	f := newCoordFixture(t, nil)
	ar := f.seedApproval(t, true, false, "alice", "bob")
	ctx := context.Background()

	_, err := f.coord.Submit(ctx, ar.ID, "alice", schema.DecisionApproved, "")
	require.NoError(t, err)

	_, err = f.coord.Submit(ctx, ar.ID, "alice", schema.DecisionApproved, "again")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestSubmitAfterDeadlineExpires(t *testing.T) {
	f := newCoordFixture(t, nil)
	ar := f.seedApproval(t, false, false, "alice")
	f.now = f.now.Add(2 * time.Hour)

	_, err := f.coord.Submit(context.Background(), ar.ID, "alice", schema.DecisionApproved, "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeState, schema.CodeOf(err))

	got, err := f.store.GetApproval(context.Background(), ar.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusExpired, got.Status)

	resumed := f.resumer.resumed()
	require.Len(t, resumed, 1)
	assert.False(t, resumed[0].approved)
	assert.Equal(t, "approval timed out", resumed[0].reason)
}

func TestExpireOverdueSweep(t *testing.T) {
	f := newCoordFixture(t, nil)
	overdue := f.seedApproval(t, false, false, "alice")

	// Seeded half an hour later, so it is still inside its window when the
	// first request times out.
	f.now = f.now.Add(30 * time.Minute)
	fresh := f.seedApproval(t, false, false, "bob")

	f.now = overdue.CreatedAt.Add(61 * time.Minute)
	expired, err := f.coord.ExpireOverdue(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, []string{overdue.ID}, expired)

	stillPending, err := f.store.GetApproval(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusPending, stillPending.Status)

	got, err := f.store.GetApproval(context.Background(), overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusExpired, got.Status)

	resumed := f.resumer.resumed()
	require.Len(t, resumed, 1)
	assert.Equal(t, "approval timed out", resumed[0].reason)
}

// rendezvousStore holds the first two GetApproval callers at a barrier so
// both read the same request state before either gets to write.
type rendezvousStore struct {
	store.Store
	barrier chan struct{}
	mu      sync.Mutex
	readers int
}

func (s *rendezvousStore) GetApproval(ctx context.Context, id string) (*store.ApprovalRequest, error) {
	ar, err := s.Store.GetApproval(ctx, id)
	s.mu.Lock()
	s.readers++
	n := s.readers
	s.mu.Unlock()
	if n == 2 {
		close(s.barrier)
	}
	if n <= 2 {
		<-s.barrier
	}
	return ar, err
}

func TestConcurrentSubmitsDoNotLoseDecisions(t *testing.T) {
	f := newCoordFixture(t, nil)
	ar := f.seedApproval(t, true, false, "alice", "bob")

	rs := &rendezvousStore{Store: f.store, barrier: make(chan struct{})}
	coord := NewCoordinator(Config{
		Store:   rs,
		Resumer: f.resumer,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     func() time.Time { return f.now },
	})

	type outcome struct {
		approver string
		err      error
	}
	outcomes := make(chan outcome, 2)
	for _, who := range []string{"alice", "bob"} {
		go func(who string) {
			_, err := coord.Submit(context.Background(), ar.ID, who, schema.DecisionApproved, "")
			outcomes <- outcome{approver: who, err: err}
		}(who)
	}

	var losers []string
	for i := 0; i < 2; i++ {
		o := <-outcomes
		if o.err != nil {
			assert.Equal(t, schema.ErrCodeConcurrency, schema.CodeOf(o.err))
			losers = append(losers, o.approver)
		}
	}
	require.Len(t, losers, 1, "exactly one of two interleaved submits must lose")

	// The winner's decision survived the interleave.
	got, err := f.store.GetApproval(context.Background(), ar.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusPending, got.Status)
	require.Len(t, got.Decisions, 1)

	// The loser re-reads and retries; the quorum completes with both verdicts.
	resolved, err := coord.Submit(context.Background(), ar.ID, losers[0], schema.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusApproved, resolved.Status)
	require.Len(t, resolved.Decisions, 2)
	require.Len(t, f.resumer.resumed(), 1)
}

func TestRecoverStrandedReplaysVerdict(t *testing.T) {
	f := newCoordFixture(t, nil)
	ctx := context.Background()

	// An execution still parked on its gate, but the request already resolved:
	// the resume after the deciding Submit was lost.
	stranded := f.seedApproval(t, false, false, "alice")
	require.NoError(t, f.store.CreateExecution(ctx, &store.Execution{
		ID:     stranded.ExecutionID,
		Status: schema.ExecutionStatusAwaitingApproval,
	}))
	require.NoError(t, f.store.UpdateApprovalCAS(ctx, stranded.ID,
		schema.ApprovalStatusPending, stranded.Version,
		[]store.ApprovalDecision{{
			ApproverID: "alice",
			Decision:   schema.DecisionApproved,
			Comment:    "ship it",
			DecidedAt:  f.now,
		}},
		schema.ApprovalStatusApproved))

	// A gate still waiting on approvers must not be replayed.
	waiting := f.seedApproval(t, false, false, "bob")
	require.NoError(t, f.store.CreateExecution(ctx, &store.Execution{
		ID:     waiting.ExecutionID,
		Status: schema.ExecutionStatusAwaitingApproval,
	}))

	recovered, err := f.coord.RecoverStranded(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{stranded.ExecutionID}, recovered)

	resumed := f.resumer.resumed()
	require.Len(t, resumed, 1)
	assert.Equal(t, stranded.ExecutionID, resumed[0].executionID)
	assert.True(t, resumed[0].approved)
	assert.Equal(t, "ship it", resumed[0].reason)
}

func TestSubmitResumeFailureSurfaces(t *testing.T) {
	f := newCoordFixture(t, nil)
	ar := f.seedApproval(t, false, false, "alice")
	f.resumer.err = errors.New("engine unavailable")

	got, err := f.coord.Submit(context.Background(), ar.ID, "alice", schema.DecisionApproved, "")
	require.Error(t, err)
	require.NotNil(t, got)
	assert.Equal(t, schema.ApprovalStatusApproved, got.Status)
}
