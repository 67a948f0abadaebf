package arbiter_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/mechanic-dispatch/internal/arbiter"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/storage"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []models.Request
}

func (r *recordingBroadcaster) BroadcastStatusChange(_ context.Context, req models.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, req)
	return nil
}

func (r *recordingBroadcaster) statuses() []models.RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RequestStatus, 0, len(r.sent))
	for _, req := range r.sent {
		out = append(out, req.Status)
	}
	return out
}

type stubEvents struct {
	mu     sync.Mutex
	events []models.RequestEvent
}

func (s *stubEvents) PublishEvent(_ context.Context, evt models.RequestEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

type fixture struct {
	store  *storage.MemoryStore
	arb    *arbiter.Arbiter
	bc     *recordingBroadcaster
	events *stubEvents
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemoryStore(),
		bc:     &recordingBroadcaster{},
		events: &stubEvents{},
		now:    time.Unix(1_700_000_000, 0).UTC(),
	}
	f.arb = arbiter.New(f.store, f.bc, arbiter.WithClock(stubClock{t: f.now}), arbiter.WithEvents(f.events))
	return f
}

func (f *fixture) request(t *testing.T, id, user string) {
	t.Helper()
	require.NoError(t, f.store.CreateRequest(context.Background(), &models.Request{
		ID: id, UserID: user, IssueDescription: "battery dead", Status: models.StatusPending,
		Priority: models.PriorityHigh, EstimatedCost: 60, CreatedAt: f.now, UpdatedAt: f.now,
	}))
}

func (f *fixture) mechanic(t *testing.T, id string, available bool) {
	t.Helper()
	require.NoError(t, f.store.UpsertMechanic(context.Background(), models.Mechanic{ID: id, IsAvailable: available, IsActive: true}))
}

func (f *fixture) mustGetMechanic(t *testing.T, id string) models.Mechanic {
	t.Helper()
	m, err := f.store.GetMechanic(context.Background(), id)
	require.NoError(t, err)
	return m
}

func TestAcceptStormHasExactlyOneWinner(t *testing.T) {
	f := newFixture(t)
	f.request(t, "R", "user-1")
	const n = 64
	for i := 0; i < n; i++ {
		f.mechanic(t, fmt.Sprintf("m%d", i), true)
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	winners := make(chan models.Request, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := f.arb.Respond(context.Background(), "R", fmt.Sprintf("m%d", i), arbiter.ResponseAccepted)
			results[i] = err
			if err == nil {
				winners <- res.Request
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(winners)

	var won []models.Request
	for r := range winners {
		won = append(won, r)
	}
	require.Len(t, won, 1)
	for _, err := range results {
		if err != nil {
			require.ErrorIs(t, err, arbiter.ErrAlreadyHandled)
			require.Equal(t, "Request is no longer available", arbiter.Message(err))
		}
	}

	stored, err := f.store.GetRequest(context.Background(), "R")
	require.NoError(t, err)
	require.Equal(t, models.StatusAccepted, stored.Status)
	require.Equal(t, won[0].MechanicID, stored.MechanicID)

	// only the winner stays claimed
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m%d", i)
		require.Equal(t, id != stored.MechanicID, f.mustGetMechanic(t, id).IsAvailable, id)
	}
	require.Equal(t, []models.RequestStatus{models.StatusAccepted}, f.bc.statuses())
}

func TestSameMechanicCannotAcceptTwoRequestsAtOnce(t *testing.T) {
	f := newFixture(t)
	f.request(t, "R1", "u1")
	f.request(t, "R2", "u2")
	f.mechanic(t, "M", true)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"R1", "R2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.arb.Respond(context.Background(), id, "M", arbiter.ResponseAccepted)
		}(i, id)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, arbiter.ErrMechanicUnavailable)
	}
	require.Equal(t, 1, ok)
}

func TestRejectNeverMutates(t *testing.T) {
	f := newFixture(t)
	f.request(t, "R", "u1")
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m%d", i)
		f.mechanic(t, id, true)
		res, err := f.arb.Respond(context.Background(), "R", id, arbiter.ResponseRejected)
		require.NoError(t, err)
		require.False(t, res.Accepted)
	}

	stored, err := f.store.GetRequest(context.Background(), "R")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, stored.Status)
	require.Empty(t, stored.MechanicID)
	require.Empty(t, f.bc.statuses())
	require.True(t, f.mustGetMechanic(t, "m0").IsAvailable)
}

func TestRespondErrors(t *testing.T) {
	f := newFixture(t)
	f.request(t, "R", "u1")
	f.mechanic(t, "busy", false)
	f.mechanic(t, "free", true)
	ctx := context.Background()

	_, err := f.arb.Respond(ctx, "missing", "free", arbiter.ResponseAccepted)
	require.ErrorIs(t, err, arbiter.ErrNotFound)

	_, err = f.arb.Respond(ctx, "R", "free", arbiter.Response("maybe"))
	require.ErrorIs(t, err, arbiter.ErrInvalidResponse)

	_, err = f.arb.Respond(ctx, "R", "busy", arbiter.ResponseAccepted)
	require.ErrorIs(t, err, arbiter.ErrMechanicUnavailable)
	require.Equal(t, "You are currently unavailable", arbiter.Message(err))

	_, err = f.arb.Respond(ctx, "R", "ghost", arbiter.ResponseAccepted)
	require.ErrorIs(t, err, arbiter.ErrMechanicNotFound)

	stored, _ := f.store.GetRequest(ctx, "R")
	require.Equal(t, models.StatusPending, stored.Status)

	res, err := f.arb.Respond(ctx, "R", "free", arbiter.ResponseAccepted)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, "free", res.Request.MechanicID)
	require.Equal(t, f.now, *res.Request.AcceptedAt)
	require.False(t, f.mustGetMechanic(t, "free").IsAvailable)

	_, err = f.arb.Respond(ctx, "R", "free", arbiter.ResponseAccepted)
	require.ErrorIs(t, err, arbiter.ErrAlreadyHandled)
}

func TestStartThenCompleteFreesMechanicAndBooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.request(t, "R", "u1")
	f.mechanic(t, "M", true)
	f.mechanic(t, "other", true)
	_, err := f.arb.Respond(ctx, "R", "M", arbiter.ResponseAccepted)
	require.NoError(t, err)

	_, err = f.arb.Start(ctx, "R", "other")
	require.ErrorIs(t, err, arbiter.ErrNotOwner)

	started, err := f.arb.Start(ctx, "R", "M")
	require.NoError(t, err)
	require.Equal(t, models.StatusInProgress, started.Status)

	cost := 95.5
	done, err := f.arb.Complete(ctx, arbiter.CompleteInput{RequestID: "R", MechanicID: "M", ActualCost: &cost, Notes: "new battery"})
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	mech := f.mustGetMechanic(t, "M")
	require.True(t, mech.IsAvailable)
	require.Equal(t, 1, mech.CompletedJobs)

	bookings, err := f.store.ListBookings(ctx, storage.BookingFilter{MechanicID: "M"})
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	require.Equal(t, 95.5, bookings[0].Cost)
	require.Equal(t, "u1", bookings[0].UserID)

	_, err = f.arb.Complete(ctx, arbiter.CompleteInput{RequestID: "R", MechanicID: "M"})
	require.ErrorIs(t, err, arbiter.ErrInvalidTransition)

	require.Equal(t, []models.RequestStatus{models.StatusAccepted, models.StatusInProgress, models.StatusCompleted}, f.bc.statuses())
	require.Len(t, f.events.events, 3)
	require.Equal(t, models.EventRequestCompleted, f.events.events[2].Type)
}

func TestCompleteWithoutCostBooksEstimate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.request(t, "R", "u1")
	f.mechanic(t, "M", true)
	_, err := f.arb.Respond(ctx, "R", "M", arbiter.ResponseAccepted)
	require.NoError(t, err)

	_, err = f.arb.Complete(ctx, arbiter.CompleteInput{RequestID: "R", MechanicID: "M"})
	require.NoError(t, err)
	bookings, err := f.store.ListBookings(ctx, storage.BookingFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, 60.0, bookings[0].Cost)
}

func TestCancelByUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.request(t, "R", "u1")
	f.mechanic(t, "M", true)
	_, err := f.arb.Respond(ctx, "R", "M", arbiter.ResponseAccepted)
	require.NoError(t, err)

	_, err = f.arb.Cancel(ctx, "R", arbiter.Actor{ID: "intruder", Role: arbiter.RoleUser})
	require.ErrorIs(t, err, arbiter.ErrNotOwner)

	cancelled, err := f.arb.Cancel(ctx, "R", arbiter.Actor{ID: "u1", Role: arbiter.RoleUser})
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	require.True(t, f.mustGetMechanic(t, "M").IsAvailable)

	_, err = f.arb.Cancel(ctx, "R", arbiter.Actor{ID: "u1", Role: arbiter.RoleUser})
	require.ErrorIs(t, err, arbiter.ErrInvalidTransition)
}

func TestCancelRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.request(t, "pending", "u1")
	f.request(t, "working", "u1")
	f.mechanic(t, "M", true)

	// a user can cancel a pending request; no mechanic to free
	got, err := f.arb.Cancel(ctx, "pending", arbiter.Actor{ID: "u1", Role: arbiter.RoleUser})
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)

	_, err = f.arb.Respond(ctx, "working", "M", arbiter.ResponseAccepted)
	require.NoError(t, err)
	_, err = f.arb.Start(ctx, "working", "M")
	require.NoError(t, err)

	// once work started, only the mechanic may cancel
	_, err = f.arb.Cancel(ctx, "working", arbiter.Actor{ID: "u1", Role: arbiter.RoleUser})
	require.ErrorIs(t, err, arbiter.ErrInvalidTransition)

	got, err = f.arb.UpdateStatus(ctx, "working", "M", models.StatusCancelled, "", nil)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	require.True(t, f.mustGetMechanic(t, "M").IsAvailable)
}

func TestUpdateStatusRejectsArbitraryTargets(t *testing.T) {
	f := newFixture(t)
	f.request(t, "R", "u1")
	for _, s := range []models.RequestStatus{models.StatusAccepted, models.StatusPending, models.StatusRejected, "bogus"} {
		_, err := f.arb.UpdateStatus(context.Background(), "R", "M", s, "", nil)
		require.True(t, errors.Is(err, arbiter.ErrInvalidTransition), "status %s", s)
	}
}
