package sim

import (
	"log/slog"
	"sort"
	"time"
)

// Escalation thresholds for the anti-starvation policy.
const (
	escalateAfter     = 30 * time.Second // wait beyond this forces priority >= 2
	escalateHardAfter = 60 * time.Second // wait beyond this forces priority 3
)

// Cost weights. Lower cost wins; the final cost is floored at 0.
const (
	costPerFloor       = 2.0   // distance dominates
	costStarvation     = -100  // long-waiting override
	costPeakBias       = -80   // rush-hour lobby bias
	costWrongDirection = 50    // origin behind the car's heading
	costSameDirection  = -10   // origin ahead of the car's heading
	costPerFillRatio   = 30.0  // load-balancing penalty, times fill ratio
	costIdleBonus      = -15   // prefer waking an idle car
	costPerStop        = 5.0   // penalize already-loaded routes
)

// DispatchMetrics are the dispatcher's own counters.
type DispatchMetrics struct {
	TotalAssignments    int64 `json:"totalAssignments"`
	RushHourAssignments int64 `json:"rushHourAssignments"`
	PriorityEscalations int64 `json:"priorityEscalations"`
	QueueLength         int   `json:"queueLength"`
	LongWaitingInQueue  int   `json:"longWaitingInQueue"`
	RushHour            bool  `json:"morningRushHour"`
}

// Dispatcher owns request-to-elevator assignment: the cost function, the
// destination-queue ordering and the priority-escalation policy. It holds
// no clock and no locks; callers pass the current time in and serialize
// access through the simulation's owner loop.
type Dispatcher struct {
	queue  []*Request // requests no elevator could take yet
	logger *slog.Logger

	rushHour            bool
	totalAssignments    int64
	rushHourAssignments int64
	priorityEscalations int64
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger.With("component", "dispatcher")}
}

// Assign runs one full dispatch pass for req against the given cars and
// either attaches it to the cheapest ACTIVE car or parks it in the pending
// queue. It mutates the winning elevator (destinations, target, direction)
// and the request (status, priority, assignment fields) in place; the
// caller persists both and publishes change notifications.
//
// The assigned elevator id is returned with ok=true, or ok=false when the
// request was queued.
func (d *Dispatcher) Assign(req *Request, elevators []*Elevator, cfg Config, now time.Time) (int, bool) {
	d.rushHour = cfg.PeakTrafficMode

	// Escalate long-waiting requests first so they get the cost bonus in
	// this same pass.
	d.updatePriorities(now)
	d.escalate(req, now)
	d.applyTrafficBias(req, cfg)

	if d.rushHour {
		d.prePositionIdle(elevators, cfg.TrafficFloors(), now)
	}

	best := d.findBestElevator(req, elevators, cfg, now)
	if best == nil {
		d.enqueue(req)
		d.logger.Info("no active elevator available, request queued",
			"request", req.ID, "queue_len", len(d.queue))
		return 0, false
	}

	d.assignTo(req, best, now)
	d.totalAssignments++
	if d.rushHour && req.OriginFloor == cfg.PeakTraffic.LobbyFloor {
		d.rushHourAssignments++
	}
	d.logger.Debug("request assigned",
		"request", req.ID, "elevator", best.ID, "priority", req.Priority)
	return best.ID, true
}

// Reassign detaches the request's pending stops from its current car and
// runs a fresh assignment against the full pool. Used when a request's
// priority is escalated after the fact.
func (d *Dispatcher) Reassign(req *Request, elevators []*Elevator, cfg Config, now time.Time) (int, bool) {
	if req.AssignedElevatorID != nil {
		for _, e := range elevators {
			if e.ID == *req.AssignedElevatorID {
				e.RemoveStopsFor(req.ID)
				break
			}
		}
		req.AssignedElevatorID = nil
	}
	return d.Assign(req, elevators, cfg, now)
}

// findBestElevator returns the ACTIVE car with the minimum cost. Cars are
// scanned in ascending id order and ties go to the first (lowest id) car.
func (d *Dispatcher) findBestElevator(req *Request, elevators []*Elevator, cfg Config, now time.Time) *Elevator {
	sorted := make([]*Elevator, len(elevators))
	copy(sorted, elevators)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var best *Elevator
	minCost := 0.0
	for _, e := range sorted {
		if e.Status != StatusActive {
			continue
		}
		cost := d.cost(e, req, cfg, now)
		if best == nil || cost < minCost {
			minCost = cost
			best = e
		}
	}
	return best
}

// cost computes the scalar dispatch cost of serving req with e.
func (d *Dispatcher) cost(e *Elevator, req *Request, cfg Config, now time.Time) float64 {
	cost := 0.0

	cost += costPerFloor * float64(abs(e.CurrentFloor-req.OriginFloor))

	if req.WaitSince(now) > escalateAfter {
		cost += costStarvation
		if req.Priority < 3 {
			req.Priority = 3
			d.priorityEscalations++
		}
	}

	if d.rushHour && req.OriginFloor == cfg.PeakTraffic.LobbyFloor && req.Direction == cfg.PeakTraffic.PeakDirection {
		cost += costPeakBias
	}

	if e.Direction != DirIdle {
		ahead := (e.Direction == DirUp && req.OriginFloor >= e.CurrentFloor) ||
			(e.Direction == DirDown && req.OriginFloor <= e.CurrentFloor)
		if ahead {
			cost += costSameDirection
		} else {
			cost += costWrongDirection
		}
	}

	if e.Capacity > 0 {
		cost += costPerFillRatio * float64(e.PassengerCount) / float64(e.Capacity)
	}

	if e.Direction == DirIdle {
		cost += costIdleBonus
	}

	cost += costPerStop * float64(len(e.Destinations))

	return max(0, cost)
}

// assignTo appends the request's pickup and dropoff to the car's route,
// re-optimizes the route and marks the request ASSIGNED.
func (d *Dispatcher) assignTo(req *Request, e *Elevator, now time.Time) {
	e.Destinations = append(e.Destinations,
		Stop{Floor: req.OriginFloor, Type: StopPickup, RequestID: req.ID, Priority: req.Priority, CreatedAt: now},
		Stop{Floor: req.DestinationFloor, Type: StopDropoff, RequestID: req.ID, Priority: req.Priority, CreatedAt: now},
	)
	d.OptimizeDestinations(e, now)
	e.Retarget()

	req.Status = RequestAssigned
	at := now
	req.AssignedAt = &at
	id := e.ID
	req.AssignedElevatorID = &id
	d.removeFromQueue(req.ID)
}

// OptimizeDestinations reorders a car's stops: urgent stops (priority >= 2
// or waiting beyond the escalation threshold) are served nearest-first
// regardless of heading, then the rest follow a directional SCAN. This
// deliberately trades total travel for a bounded worst-case wait.
func (d *Dispatcher) OptimizeDestinations(e *Elevator, now time.Time) {
	if len(e.Destinations) == 0 {
		return
	}

	var urgent, normal []Stop
	for _, s := range e.Destinations {
		if s.Priority >= 2 || now.Sub(s.CreatedAt) > escalateAfter {
			urgent = append(urgent, s)
		} else {
			normal = append(normal, s)
		}
	}

	sort.SliceStable(urgent, func(i, j int) bool {
		return abs(urgent[i].Floor-e.CurrentFloor) < abs(urgent[j].Floor-e.CurrentFloor)
	})

	switch e.Direction {
	case DirUp:
		sort.SliceStable(normal, func(i, j int) bool { return normal[i].Floor < normal[j].Floor })
	case DirDown:
		sort.SliceStable(normal, func(i, j int) bool { return normal[i].Floor > normal[j].Floor })
	default:
		sort.SliceStable(normal, func(i, j int) bool {
			return abs(normal[i].Floor-e.CurrentFloor) < abs(normal[j].Floor-e.CurrentFloor)
		})
	}

	e.Destinations = append(urgent, normal...)
}

// prePositionIdle relocates idle, empty, route-less cars toward the
// high-traffic floors, one car per floor; extra idle cars stay put.
func (d *Dispatcher) prePositionIdle(elevators []*Elevator, trafficFloors []int, now time.Time) {
	var idle []*Elevator
	for _, e := range elevators {
		if e.Status == StatusActive && e.Direction == DirIdle && e.PassengerCount == 0 && len(e.Destinations) == 0 {
			idle = append(idle, e)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].ID < idle[j].ID })

	for i, e := range idle {
		if i >= len(trafficFloors) {
			break
		}
		floor := trafficFloors[i]
		if e.CurrentFloor == floor {
			continue
		}
		e.Destinations = []Stop{{Floor: floor, Type: StopPositioning, Priority: 1, CreatedAt: now}}
		e.Retarget()
		d.logger.Debug("pre-positioning idle elevator", "elevator", e.ID, "floor", floor)
	}
}

// updatePriorities escalates every queued request whose wait has crossed a
// threshold. Priorities never decrease.
func (d *Dispatcher) updatePriorities(now time.Time) {
	for _, r := range d.queue {
		d.escalate(r, now)
	}
}

func (d *Dispatcher) escalate(r *Request, now time.Time) {
	wait := r.WaitSince(now)
	if wait > escalateAfter && r.Priority < 2 {
		r.Priority = 2
		d.priorityEscalations++
	}
	if wait > escalateHardAfter && r.Priority < 3 {
		r.Priority = 3
		d.priorityEscalations++
	}
}

// applyTrafficBias forces priority >= 2 on requests matching the peak
// pattern during the rush window.
func (d *Dispatcher) applyTrafficBias(req *Request, cfg Config) {
	if d.rushHour && req.OriginFloor == cfg.PeakTraffic.LobbyFloor && req.Direction == cfg.PeakTraffic.PeakDirection {
		req.Priority = max(req.Priority, 2)
	}
}

// --- Pending queue ---

// enqueue parks a request in the pending queue. A request already queued
// is replaced with the newer instance so the queue never holds a stale
// copy after an external mutation (e.g. a forced escalation).
func (d *Dispatcher) enqueue(req *Request) {
	for i, r := range d.queue {
		if r.ID == req.ID {
			d.queue[i] = req
			return
		}
	}
	d.queue = append(d.queue, req)
}

func (d *Dispatcher) removeFromQueue(requestID string) {
	kept := d.queue[:0]
	for _, r := range d.queue {
		if r.ID != requestID {
			kept = append(kept, r)
		}
	}
	d.queue = kept
}

// RemoveFromQueue drops a request from the pending queue, e.g. after an
// external cancellation.
func (d *Dispatcher) RemoveFromQueue(requestID string) {
	d.removeFromQueue(requestID)
}

// Queued returns the requests currently parked in the pending queue.
func (d *Dispatcher) Queued() []*Request {
	out := make([]*Request, len(d.queue))
	copy(out, d.queue)
	return out
}

// Metrics returns a snapshot of the dispatcher's counters.
func (d *Dispatcher) Metrics(now time.Time) DispatchMetrics {
	long := 0
	for _, r := range d.queue {
		if r.WaitSince(now) > escalateAfter {
			long++
		}
	}
	return DispatchMetrics{
		TotalAssignments:    d.totalAssignments,
		RushHourAssignments: d.rushHourAssignments,
		PriorityEscalations: d.priorityEscalations,
		QueueLength:         len(d.queue),
		LongWaitingInQueue:  long,
		RushHour:            d.rushHour,
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
