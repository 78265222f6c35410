package suspension

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"acad-system/backend/internal/lifecycle"
	userdomain "acad-system/backend/internal/user/domain"
)

type memRepo struct {
	mu   sync.Mutex
	rows map[string]Suspension
}

func (r *memRepo) GetOrCreate(_ context.Context, id, userID, websiteID string, at time.Time) (*Suspension, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[userID]; ok {
		return &row, nil
	}
	row := Suspension{ID: id, UserID: userID, WebsiteID: websiteID, CreatedAt: at, UpdatedAt: at}
	r.rows[userID] = row
	return &row, nil
}

func (r *memRepo) Suspend(_ context.Context, userID, websiteID, reason string, until *time.Time, at time.Time) (*Suspension, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[userID]
	if !ok || row.IsSuspended {
		return nil, nil
	}
	row.IsSuspended, row.WebsiteID, row.Reason, row.SuspendedAt, row.ScheduledReactivation, row.ReactivatedAt =
		true, websiteID, reason, &at, until, nil
	r.rows[userID] = row
	return &row, nil
}

func (r *memRepo) Reactivate(_ context.Context, userID string, at time.Time) (*Suspension, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[userID]
	if !ok || !row.IsSuspended {
		return nil, nil
	}
	row.IsSuspended, row.ReactivatedAt, row.ScheduledReactivation = false, &at, nil
	r.rows[userID] = row
	return &row, nil
}

func (r *memRepo) ReactivateDue(_ context.Context, now time.Time) ([]*Suspension, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Suspension
	for id, row := range r.rows {
		if !row.Due(now) {
			continue
		}
		row.IsSuspended, row.ReactivatedAt, row.ScheduledReactivation = false, &now, nil
		r.rows[id] = row
		row := row
		out = append(out, &row)
	}
	return out, nil
}

type fakeRevoker struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRevoker) RevokeAll(_ context.Context, userID, _, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, userID)
	return []string{"s1"}, nil
}

// snapshotTx restores the repository rows when fn fails.
type snapshotTx struct{ repo *memRepo }

func (s snapshotTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.repo.mu.Lock()
	saved := make(map[string]Suspension, len(s.repo.rows))
	for k, v := range s.repo.rows {
		saved[k] = v
	}
	s.repo.mu.Unlock()
	if err := fn(ctx); err != nil {
		s.repo.mu.Lock()
		s.repo.rows = saved
		s.repo.mu.Unlock()
		return err
	}
	return nil
}

func newService(now *time.Time) (*Service, *memRepo, *fakeRevoker) {
	repo := &memRepo{rows: map[string]Suspension{}}
	rev := &fakeRevoker{}
	s := NewService(repo, rev, snapshotTx{repo: repo}, nil, nil)
	s.now = func() time.Time { return *now }
	return s, repo, rev
}

func TestSuspendAndReactivate(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc, _, rev := newService(&now)
	ctx := context.Background()
	u := &userdomain.User{ID: "u1", Email: "a@x.com"}

	row, err := svc.Suspend(ctx, u, "essays", "exam season", nil)
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if !row.IsSuspended || row.Reason != "exam season" {
		t.Fatalf("row = %+v", row)
	}
	if len(rev.calls) != 1 {
		t.Errorf("sessions revoked %d times, want 1", len(rev.calls))
	}
	if _, err := svc.Suspend(ctx, u, "essays", "again", nil); !errors.Is(err, lifecycle.ErrWrongState) {
		t.Fatalf("double suspend: err = %v, want ErrWrongState", err)
	}
	if _, err := svc.Reactivate(ctx, u); err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	if _, err := svc.Reactivate(ctx, u); !errors.Is(err, lifecycle.ErrWrongState) {
		t.Fatalf("double reactivate: err = %v, want ErrWrongState", err)
	}
}

func TestSuspend_RevokeFailureLeavesAccountActive(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc, _, rev := newService(&now)
	ctx := context.Background()
	u := &userdomain.User{ID: "u1"}

	rev.err = errors.New("redis unavailable")
	if _, err := svc.Suspend(ctx, u, "essays", "spam", nil); err == nil {
		t.Fatal("Suspend succeeded although sessions were not revoked")
	}
	if suspended, err := svc.IsSuspended(ctx, u, "essays"); err != nil || suspended {
		t.Fatalf("IsSuspended = %v, %v; want an active account", suspended, err)
	}

	rev.err = nil
	row, err := svc.Suspend(ctx, u, "essays", "spam", nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !row.IsSuspended || len(rev.calls) != 1 {
		t.Fatalf("row = %+v, revocations = %d", row, len(rev.calls))
	}
}

func TestSuspend_RejectsPastSchedule(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc, _, _ := newService(&now)
	past := now.Add(-time.Hour)
	if _, err := svc.Suspend(context.Background(), &userdomain.User{ID: "u1"}, "essays", "", &past); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}
}

func TestStatus_LazyReactivation(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc, _, _ := newService(&now)
	ctx := context.Background()
	u := &userdomain.User{ID: "u1"}
	until := now.Add(24 * time.Hour)
	if _, err := svc.Suspend(ctx, u, "essays", "", &until); err != nil {
		t.Fatal(err)
	}
	if suspended, _ := svc.IsSuspended(ctx, u, "essays"); !suspended {
		t.Fatal("should still be suspended before the schedule")
	}
	now = until
	row, err := svc.Status(ctx, u, "essays")
	if err != nil {
		t.Fatal(err)
	}
	if row.IsSuspended || row.ReactivatedAt == nil {
		t.Fatalf("row = %+v, want reactivated", row)
	}
}

func TestReactivateDue(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc, _, _ := newService(&now)
	ctx := context.Background()
	soon, later := now.Add(time.Hour), now.Add(48*time.Hour)
	if _, err := svc.Suspend(ctx, &userdomain.User{ID: "u1"}, "essays", "", &soon); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Suspend(ctx, &userdomain.User{ID: "u2"}, "essays", "", &later); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Suspend(ctx, &userdomain.User{ID: "u3"}, "essays", "", nil); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Hour)
	n, err := svc.ReactivateDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ReactivateDue = %d, %v; want 1", n, err)
	}
}

func TestGetOrCreate_ConcurrentCallersShareOneRow(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc, repo, _ := newService(&now)
	u := &userdomain.User{ID: "u1"}

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			row, err := svc.GetOrCreate(context.Background(), u, "essays")
			if err != nil || row == nil {
				t.Errorf("caller %d: row=%v err=%v", i, row, err)
				return
			}
			ids[i] = row.ID
		}(i)
	}
	wg.Wait()
	if len(repo.rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(repo.rows))
	}
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got row %s, want %s", i, ids[i], ids[0])
		}
	}
}
