package sim

import (
	"testing"
	"time"
)

func mustRequest(t *testing.T, origin, dest int, createdAt time.Time) *Request {
	t.Helper()
	req, err := NewRequest(origin, dest, KindExternal, createdAt)
	if err != nil {
		t.Fatalf("NewRequest(%d,%d) failed: %v", origin, dest, err)
	}
	return req
}

func TestAssign_IdleTieGoesToLowestID(t *testing.T) {
	// Scenario: three idle empty cars at floor 0, request 0 -> 5.
	// All cost out equal (distance 0, idle bonus floored at 0); the
	// lowest id wins the tie.
	d := NewDispatcher(nil)
	now := time.Now()
	cfg := DefaultConfig()

	elevators := []*Elevator{NewElevator(1), NewElevator(2), NewElevator(3)}
	req := mustRequest(t, 0, 5, now)

	id, ok := d.Assign(req, elevators, cfg, now)
	if !ok {
		t.Fatal("expected assignment, request was queued")
	}
	if id != 1 {
		t.Errorf("expected elevator 1 to win the tie, got %d", id)
	}
	if req.Status != RequestAssigned {
		t.Errorf("expected status ASSIGNED, got %s", req.Status)
	}
	if req.AssignedAt == nil {
		t.Error("expected assignedAt to be stamped")
	}

	winner := elevators[0]
	if len(winner.Destinations) != 2 {
		t.Fatalf("expected 2 stops, got %d", len(winner.Destinations))
	}
	if winner.Destinations[0].Type != StopPickup || winner.Destinations[0].Floor != 0 {
		t.Errorf("expected head stop {0 PICKUP}, got %+v", winner.Destinations[0])
	}
	if winner.Destinations[1].Type != StopDropoff || winner.Destinations[1].Floor != 5 {
		t.Errorf("expected second stop {5 DROPOFF}, got %+v", winner.Destinations[1])
	}
	if winner.TargetFloor == nil || *winner.TargetFloor != 0 {
		t.Errorf("expected target floor 0, got %v", winner.TargetFloor)
	}
}

func TestAssign_WrongDirectionPenalty(t *testing.T) {
	// Scenario: car 1 at floor 2 heading UP with a dropoff at 8; car 2
	// idle at floor 2. A request from floor 1 is behind car 1, so car 2
	// must win despite the distance.
	d := NewDispatcher(nil)
	now := time.Now()
	cfg := DefaultConfig()

	busy := NewElevator(1)
	busy.CurrentFloor = 2
	busy.Direction = DirUp
	busy.Destinations = []Stop{{Floor: 8, Type: StopDropoff, RequestID: "other", Priority: 1, CreatedAt: now}}

	idle := NewElevator(2)
	idle.CurrentFloor = 2

	req := mustRequest(t, 1, 3, now)
	id, ok := d.Assign(req, []*Elevator{busy, idle}, cfg, now)
	if !ok || id != 2 {
		t.Errorf("expected idle elevator 2 to win, got id=%d ok=%v", id, ok)
	}
	if len(busy.Destinations) != 1 {
		t.Errorf("busy elevator's route must be untouched, got %d stops", len(busy.Destinations))
	}
}

func TestAssign_QueuedWhenNoActiveElevator(t *testing.T) {
	d := NewDispatcher(nil)
	now := time.Now()
	cfg := DefaultConfig()

	down := NewElevator(1)
	down.Status = StatusMaintenance

	req := mustRequest(t, 0, 5, now)
	if _, ok := d.Assign(req, []*Elevator{down}, cfg, now); ok {
		t.Fatal("expected request to be queued with no ACTIVE elevator")
	}
	if req.Status != RequestPending {
		t.Errorf("queued request must stay PENDING, got %s", req.Status)
	}
	if got := len(d.Queued()); got != 1 {
		t.Errorf("expected queue length 1, got %d", got)
	}

	// Queueing twice must not duplicate.
	d.Assign(req, []*Elevator{down}, cfg, now)
	if got := len(d.Queued()); got != 1 {
		t.Errorf("expected queue length 1 after second pass, got %d", got)
	}
}

func TestAssign_EscalatesQueuedRequests(t *testing.T) {
	// Scenario: a request queued at time T gets priority >= 2 once a
	// dispatcher pass runs after T+30s, and priority 3 after T+60s.
	d := NewDispatcher(nil)
	base := time.Now()
	cfg := DefaultConfig()

	req := mustRequest(t, 0, 5, base)
	d.Assign(req, nil, cfg, base) // no elevators, queued

	d.Assign(mustRequest(t, 1, 2, base.Add(31*time.Second)), nil, cfg, base.Add(31*time.Second))
	if req.Priority < 2 {
		t.Errorf("expected priority >= 2 after 31s, got %d", req.Priority)
	}
	if m := d.Metrics(base.Add(31 * time.Second)); m.PriorityEscalations < 1 {
		t.Errorf("expected at least 1 escalation, got %d", m.PriorityEscalations)
	}

	d.Assign(mustRequest(t, 1, 2, base.Add(61*time.Second)), nil, cfg, base.Add(61*time.Second))
	if req.Priority != 3 {
		t.Errorf("expected priority 3 after 61s, got %d", req.Priority)
	}
}

func TestAssign_StarvationOverridesDistance(t *testing.T) {
	// A request that has waited past the threshold gets the -100 cost
	// override and is forced to priority 3 during cost evaluation.
	d := NewDispatcher(nil)
	base := time.Now()
	cfg := DefaultConfig()

	far := NewElevator(1)
	far.CurrentFloor = 9

	req := mustRequest(t, 0, 5, base.Add(-31*time.Second))
	if _, ok := d.Assign(req, []*Elevator{far}, cfg, base); !ok {
		t.Fatal("expected assignment")
	}
	if req.Priority != 3 {
		t.Errorf("expected forced priority 3 on the starvation path, got %d", req.Priority)
	}
	if m := d.Metrics(base); m.PriorityEscalations == 0 {
		t.Error("expected the starvation counter to increment")
	}
}

func TestPriorityNeverDecreases(t *testing.T) {
	d := NewDispatcher(nil)
	base := time.Now()
	cfg := DefaultConfig()

	req := mustRequest(t, 0, 5, base)
	req.Priority = 3
	d.Assign(req, []*Elevator{NewElevator(1)}, cfg, base)
	if req.Priority != 3 {
		t.Errorf("priority must not decrease, got %d", req.Priority)
	}
}

func TestOptimize_DownScanKeepsDescendingOrder(t *testing.T) {
	// Scenario: car heading DOWN from floor 6 with normal-priority stops
	// at 5 then 3; reoptimization must leave the descending order alone.
	d := NewDispatcher(nil)
	now := time.Now()

	e := NewElevator(1)
	e.CurrentFloor = 6
	e.Direction = DirDown
	e.Destinations = []Stop{
		{Floor: 5, Type: StopPickup, RequestID: "a", Priority: 1, CreatedAt: now},
		{Floor: 3, Type: StopDropoff, RequestID: "a", Priority: 1, CreatedAt: now},
	}

	d.OptimizeDestinations(e, now)
	if e.Destinations[0].Floor != 5 || e.Destinations[1].Floor != 3 {
		t.Errorf("expected order [5 3], got [%d %d]", e.Destinations[0].Floor, e.Destinations[1].Floor)
	}
}

func TestOptimize_UrgentStopsServedNearestFirst(t *testing.T) {
	// An urgent stop jumps the queue and is ordered by distance from the
	// current floor, regardless of travel direction.
	d := NewDispatcher(nil)
	now := time.Now()

	e := NewElevator(1)
	e.CurrentFloor = 4
	e.Direction = DirUp
	e.Destinations = []Stop{
		{Floor: 6, Type: StopDropoff, RequestID: "a", Priority: 1, CreatedAt: now},
		{Floor: 3, Type: StopPickup, RequestID: "b", Priority: 3, CreatedAt: now},
		{Floor: 8, Type: StopPickup, RequestID: "c", Priority: 1, CreatedAt: now},
	}

	d.OptimizeDestinations(e, now)
	if e.Destinations[0].RequestID != "b" {
		t.Errorf("expected urgent stop first, got %+v", e.Destinations[0])
	}
	if e.Destinations[1].Floor != 6 || e.Destinations[2].Floor != 8 {
		t.Errorf("expected normal stops in UP scan order [6 8], got [%d %d]",
			e.Destinations[1].Floor, e.Destinations[2].Floor)
	}
}

func TestOptimize_StaleStopsBecomeUrgent(t *testing.T) {
	d := NewDispatcher(nil)
	now := time.Now()

	e := NewElevator(1)
	e.CurrentFloor = 0
	e.Direction = DirUp
	e.Destinations = []Stop{
		{Floor: 2, Type: StopDropoff, RequestID: "a", Priority: 1, CreatedAt: now},
		{Floor: 9, Type: StopPickup, RequestID: "old", Priority: 1, CreatedAt: now.Add(-40 * time.Second)},
	}

	d.OptimizeDestinations(e, now)
	if e.Destinations[0].RequestID != "old" {
		t.Errorf("stop waiting over 30s must be treated as urgent, got %+v", e.Destinations[0])
	}
}

func TestReassign_RequestLivesOnExactlyOneElevator(t *testing.T) {
	// Assigning and immediately reassigning must leave the request's
	// stops on exactly one car, never zero or two.
	d := NewDispatcher(nil)
	now := time.Now()
	cfg := DefaultConfig()

	elevators := []*Elevator{NewElevator(1), NewElevator(2)}
	req := mustRequest(t, 0, 5, now)

	if _, ok := d.Assign(req, elevators, cfg, now); !ok {
		t.Fatal("initial assignment failed")
	}
	if _, ok := d.Reassign(req, elevators, cfg, now); !ok {
		t.Fatal("reassignment failed")
	}

	carriers := 0
	stops := 0
	for _, e := range elevators {
		n := 0
		for _, s := range e.Destinations {
			if s.RequestID == req.ID {
				n++
			}
		}
		if n > 0 {
			carriers++
			stops = n
		}
	}
	if carriers != 1 {
		t.Fatalf("request must appear on exactly one elevator, found %d", carriers)
	}
	if stops != 2 {
		t.Errorf("expected pickup+dropoff on the carrier, got %d stops", stops)
	}
}

func TestPeakTrafficBiasForcesPriority(t *testing.T) {
	d := NewDispatcher(nil)
	now := time.Now()
	cfg := DefaultConfig()
	cfg.PeakTrafficMode = true

	req := mustRequest(t, cfg.PeakTraffic.LobbyFloor, 5, now)
	d.Assign(req, []*Elevator{NewElevator(1)}, cfg, now)
	if req.Priority < 2 {
		t.Errorf("peak-pattern request must get priority >= 2, got %d", req.Priority)
	}
}

func TestPrePositioning_OneIdleCarPerTrafficFloor(t *testing.T) {
	d := NewDispatcher(nil)
	now := time.Now()
	cfg := DefaultConfig()
	cfg.PeakTrafficMode = true
	// Traffic floors for 10 floors with lobby 0 are {0, 5, 9}.

	elevators := []*Elevator{NewElevator(1), NewElevator(2), NewElevator(3), NewElevator(4)}
	req := mustRequest(t, 3, 7, now)
	d.Assign(req, elevators, cfg, now)

	// Car 1 is already at the lobby so it stays put (it then wins the
	// request); cars 2 and 3 get positioning stops, car 4 is left alone.
	var positioned []int
	for _, e := range elevators {
		for _, s := range e.Destinations {
			if s.Type == StopPositioning {
				if s.RequestID != "" {
					t.Errorf("positioning stop must carry no request id, got %q", s.RequestID)
				}
				positioned = append(positioned, s.Floor)
			}
		}
	}
	if len(positioned) != 2 {
		t.Fatalf("expected 2 positioning stops, got %v", positioned)
	}
	if positioned[0] != 5 || positioned[1] != 9 {
		t.Errorf("expected positioning at floors [5 9], got %v", positioned)
	}
}
