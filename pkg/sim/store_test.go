package sim

import (
	"errors"
	"testing"
	"time"
)

func TestSaveElevator_StaleVersionConflicts(t *testing.T) {
	store := NewStore(DefaultConfig())
	store.RebuildElevators(1)

	a, _ := store.Elevator(1)
	b, _ := store.Elevator(1)

	a.CurrentFloor = 4
	if err := store.SaveElevator(a); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	b.CurrentFloor = 7
	if err := store.SaveElevator(b); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on stale save, got %v", err)
	}

	// The winning write survives.
	got, _ := store.Elevator(1)
	if got.CurrentFloor != 4 {
		t.Errorf("expected floor 4, got %d", got.CurrentFloor)
	}
}

func TestSaveElevator_BumpsCallerVersion(t *testing.T) {
	store := NewStore(DefaultConfig())
	store.RebuildElevators(1)

	e, _ := store.Elevator(1)
	v := e.Version
	if err := store.SaveElevator(e); err != nil {
		t.Fatal(err)
	}
	if e.Version != v+1 {
		t.Errorf("expected the caller's copy to track the new version, got %d want %d", e.Version, v+1)
	}
	// A second save with the same instance must therefore succeed.
	if err := store.SaveElevator(e); err != nil {
		t.Errorf("re-save with tracked version failed: %v", err)
	}
}

func TestElevator_SnapshotsDoNotAliasStoreState(t *testing.T) {
	store := NewStore(DefaultConfig())
	store.RebuildElevators(1)

	e, _ := store.Elevator(1)
	e.Destinations = append(e.Destinations, Stop{Floor: 5, Type: StopPickup})
	if err := store.SaveElevator(e); err != nil {
		t.Fatal(err)
	}

	snap, _ := store.Elevator(1)
	snap.Destinations[0].Floor = 99
	snap.CurrentFloor = 99

	got, _ := store.Elevator(1)
	if got.CurrentFloor == 99 || got.Destinations[0].Floor == 99 {
		t.Error("mutating a snapshot leaked into the store")
	}
}

func TestRequests_FilterAndLimitNewestFirst(t *testing.T) {
	store := NewStore(DefaultConfig())
	base := time.Now()

	for i := 0; i < 5; i++ {
		r := mustRequest(t, 0, 5, base.Add(time.Duration(i)*time.Second))
		if i%2 == 0 {
			r.Status = RequestCompleted
		}
		if err := store.SaveRequest(r); err != nil {
			t.Fatal(err)
		}
	}

	completed := store.Requests(RequestCompleted, 0)
	if len(completed) != 3 {
		t.Fatalf("expected 3 completed, got %d", len(completed))
	}
	for i := 1; i < len(completed); i++ {
		if completed[i].CreatedAt.After(completed[i-1].CreatedAt) {
			t.Error("expected newest-first ordering")
		}
	}

	limited := store.Requests("", 2)
	if len(limited) != 2 {
		t.Fatalf("expected limit 2, got %d", len(limited))
	}
	if !limited[0].CreatedAt.Equal(base.Add(4 * time.Second)) {
		t.Errorf("expected the newest request first, got %v", limited[0].CreatedAt)
	}
}

func TestLongWaiting_CountsOnlyUnservedOldRequests(t *testing.T) {
	store := NewStore(DefaultConfig())
	now := time.Now()

	old := mustRequest(t, 0, 5, now.Add(-45*time.Second))

	fresh := mustRequest(t, 1, 6, now.Add(-5*time.Second))

	served := mustRequest(t, 2, 7, now.Add(-90*time.Second))
	served.Status = RequestPickedUp

	for _, r := range []*Request{old, fresh, served} {
		if err := store.SaveRequest(r); err != nil {
			t.Fatal(err)
		}
	}

	if n := store.LongWaiting(now, 30*time.Second); n != 1 {
		t.Errorf("expected 1 long-waiting request, got %d", n)
	}
}

func TestCompletedDurations_SkipsZeroValues(t *testing.T) {
	store := NewStore(DefaultConfig())
	now := time.Now()

	done := mustRequest(t, 0, 5, now.Add(-time.Minute))
	done.Status = RequestCompleted
	done.WaitTime = 10 * time.Second
	done.TravelTime = 8 * time.Second

	zeroed := mustRequest(t, 1, 6, now.Add(-time.Minute))
	zeroed.Status = RequestCompleted // defensive completion, no recorded times

	pending := mustRequest(t, 2, 7, now.Add(-time.Minute))
	pending.WaitTime = time.Minute

	for _, r := range []*Request{done, zeroed, pending} {
		if err := store.SaveRequest(r); err != nil {
			t.Fatal(err)
		}
	}

	waits, travels := store.CompletedDurations()
	if len(waits) != 1 || waits[0] != 10*time.Second {
		t.Errorf("expected one 10s wait sample, got %v", waits)
	}
	if len(travels) != 1 || travels[0] != 8*time.Second {
		t.Errorf("expected one 8s travel sample, got %v", travels)
	}
}

func TestUpdateMetrics_AppliesUnderLock(t *testing.T) {
	store := NewStore(DefaultConfig())

	store.UpdateMetrics(func(m *Metrics) { m.TotalRequests += 3 })
	store.UpdateMetrics(func(m *Metrics) { m.MaxWaitTime = 42 * time.Second })

	m := store.Metrics()
	if m.TotalRequests != 3 || m.MaxWaitTime != 42*time.Second {
		t.Errorf("unexpected metrics: %+v", m)
	}

	store.ResetMetrics()
	if m := store.Metrics(); m != (Metrics{}) {
		t.Errorf("expected zeroed metrics, got %+v", m)
	}
}

func TestIncrementRequestCount_InvalidatesOlderSnapshots(t *testing.T) {
	store := NewStore(DefaultConfig())
	store.RebuildElevators(1)

	snap, _ := store.Elevator(1)
	store.IncrementRequestCount(1)

	got, _ := store.Elevator(1)
	if got.RequestCount != 1 {
		t.Errorf("expected requestCount 1, got %d", got.RequestCount)
	}

	// A snapshot taken before the increment carries a stale version and
	// must not be able to overwrite it.
	snap.CurrentFloor = 3
	if err := store.SaveElevator(snap); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for a pre-increment snapshot, got %v", err)
	}
}

func TestRebuildElevators_ReplacesThePool(t *testing.T) {
	store := NewStore(DefaultConfig())
	store.RebuildElevators(3)

	e, _ := store.Elevator(2)
	e.CurrentFloor = 6
	if err := store.SaveElevator(e); err != nil {
		t.Fatal(err)
	}

	out := store.RebuildElevators(5)
	if len(out) != 5 {
		t.Fatalf("expected 5 cars, got %d", len(out))
	}
	got, _ := store.Elevator(2)
	if got.CurrentFloor != 0 || got.Direction != DirIdle || got.Capacity != DefaultCapacity {
		t.Errorf("rebuild did not reset car 2: %+v", got)
	}
}
