package sim

import (
	"log/slog"
	"time"
)

// Event names on the observer stream, matching the original wire format.
const (
	EventElevatorUpdated   = "elevatorUpdated"
	EventElevatorMoved     = "elevatorMoved"
	EventDoorStateChanged  = "elevatorDoorStateChanged"
	EventRequestCreated    = "requestCreated"
	EventRequestUpdated    = "requestUpdated"
	EventSimulationStarted = "simulationStarted"
	EventSimulationStopped = "simulationStopped"
	EventSimulationReset   = "simulationReset"
	EventSimulationUpdate  = "simulation_update"
	EventStressTestStarted = "stressTestStarted"

	EventSpeedUpdated     = "simulationSpeedUpdated"
	EventConfigUpdated    = "simulationConfigUpdated"
	EventPriorityUpdated  = "requestPriorityUpdated"
	EventRequestGenerated = "requestGenerated"
)

// Publisher is the fire-and-forget notification channel the core pushes
// state changes into. It must never block.
type Publisher interface {
	Publish(name string, payload interface{})
}

// Engine is the tick-driven motion state machine. Once per tick it
// advances every ACTIVE car one step toward its next stop, resolves
// arrivals and keeps the per-car and aggregate metrics current.
//
// Door state does not gate motion: a car may start toward its next stop
// before its doors have visually closed. The door-close deferral is
// scheduled through closeDoors and only ever touches door state.
type Engine struct {
	store      *Store
	pub        Publisher
	logger     *slog.Logger
	closeDoors func(elevatorID int, after time.Duration)
}

// NewEngine wires the engine to its collaborators. closeDoors schedules a
// deferred, cancellable door-close for one car; it may be nil in tests.
func NewEngine(store *Store, pub Publisher, logger *slog.Logger, closeDoors func(elevatorID int, after time.Duration)) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if closeDoors == nil {
		closeDoors = func(int, time.Duration) {}
	}
	return &Engine{
		store:      store,
		pub:        pub,
		logger:     logger.With("component", "engine"),
		closeDoors: closeDoors,
	}
}

// Tick processes every ACTIVE car once. tick is the simulated duration of
// this step and dwell is how long doors stay open after an arrival, both
// already scaled by the speed multiplier. Per-car failures are logged and
// isolated; one car's trouble never aborts the others.
func (en *Engine) Tick(now time.Time, tick, dwell time.Duration) {
	for _, e := range en.store.Elevators(StatusActive) {
		if err := en.processElevator(e, now, tick, dwell); err != nil {
			en.logger.Error("elevator tick failed", "elevator", e.ID, "error", err)
		}
	}
}

func (en *Engine) processElevator(e *Elevator, now time.Time, tick, dwell time.Duration) error {
	if len(e.Destinations) == 0 {
		if e.Direction != DirIdle {
			e.Direction = DirIdle
			e.TargetFloor = nil
			if err := en.store.SaveElevator(e); err != nil {
				return err
			}
			en.pub.Publish(EventElevatorUpdated, e)
		}
		return nil
	}

	head := e.Destinations[0]
	if e.CurrentFloor == head.Floor {
		return en.handleArrival(e, head, now, dwell)
	}
	return en.moveToward(e, head.Floor, tick)
}

// moveToward advances the car exactly one floor toward the target.
func (en *Engine) moveToward(e *Elevator, target int, tick time.Duration) error {
	if target > e.CurrentFloor {
		e.Direction = DirUp
		e.CurrentFloor++
	} else {
		e.Direction = DirDown
		e.CurrentFloor--
	}
	if e.CurrentTripStart != nil {
		e.TotalTravelTime += tick
	}
	if err := en.store.SaveElevator(e); err != nil {
		return err
	}
	en.pub.Publish(EventElevatorMoved, e)
	return nil
}

// handleArrival runs the door-open, passenger-transfer, stop-dequeue
// sequence at the head stop's floor.
func (en *Engine) handleArrival(e *Elevator, stop Stop, now time.Time, dwell time.Duration) error {
	en.logger.Info("elevator arrived", "elevator", e.ID, "floor", stop.Floor, "stop_type", stop.Type)

	e.DoorState = DoorOpen
	if err := en.store.SaveElevator(e); err != nil {
		return err
	}
	en.pub.Publish(EventDoorStateChanged, e)

	switch stop.Type {
	case StopPickup:
		en.handlePickup(e, stop, now)
	case StopDropoff:
		en.handleDropoff(e, stop, now)
	case StopPositioning:
		// Relocation only, no request side effects.
	}

	e.Destinations = e.Destinations[1:]
	e.Retarget()
	at := now
	e.LastActive = &at
	if err := en.store.SaveElevator(e); err != nil {
		return err
	}
	en.pub.Publish(EventElevatorUpdated, e)

	en.closeDoors(e.ID, dwell)
	return nil
}

func (en *Engine) handlePickup(e *Elevator, stop Stop, now time.Time) {
	req, err := en.store.Request(stop.RequestID)
	if err != nil {
		// Cancelled or otherwise gone; the stop is dequeued regardless.
		en.logger.Warn("pickup stop references missing request", "request", stop.RequestID)
		return
	}
	if req.Status.Terminal() {
		en.logger.Warn("pickup stop for terminal request skipped", "request", req.ID, "status", req.Status)
		return
	}

	req.Status = RequestPickedUp
	at := now
	req.PickupAt = &at
	req.WaitTime = now.Sub(req.CreatedAt)
	if err := en.store.SaveRequest(req); err != nil {
		en.logger.Error("pickup save failed", "request", req.ID, "error", err)
		return
	}

	e.PassengerCount++
	if e.CurrentTripStart == nil {
		start := now
		e.CurrentTripStart = &start
	}

	en.store.UpdateMetrics(func(m *Metrics) {
		if req.WaitTime > m.MaxWaitTime {
			m.MaxWaitTime = req.WaitTime
		}
	})
	en.pub.Publish(EventRequestUpdated, req)
}

func (en *Engine) handleDropoff(e *Elevator, stop Stop, now time.Time) {
	req, err := en.store.Request(stop.RequestID)
	if err != nil {
		en.logger.Warn("dropoff stop references missing request", "request", stop.RequestID)
		return
	}
	if req.Status.Terminal() {
		en.logger.Warn("dropoff stop for terminal request skipped", "request", req.ID, "status", req.Status)
		return
	}

	req.Status = RequestCompleted
	at := now
	req.CompletedAt = &at
	if req.PickupAt != nil {
		req.TravelTime = now.Sub(*req.PickupAt)
	} else {
		// Defensive fallback: a dropoff without a recorded pickup still
		// completes, with zero travel time and the pickup backfilled.
		req.TravelTime = 0
		req.PickupAt = &at
	}
	if err := en.store.SaveRequest(req); err != nil {
		en.logger.Error("dropoff save failed", "request", req.ID, "error", err)
		return
	}

	if e.PassengerCount > 0 {
		e.PassengerCount--
	}
	e.TotalPassengersServed++
	if e.PassengerCount == 0 {
		e.CurrentTripStart = nil
	}

	avgWait, avgTravel := en.rollingAverages()
	en.store.UpdateMetrics(func(m *Metrics) {
		m.CompletedRequests++
		m.AverageWaitTime = avgWait
		m.AverageTravelTime = avgTravel
		if req.WaitTime > m.MaxWaitTime {
			m.MaxWaitTime = req.WaitTime
		}
	})
	en.pub.Publish(EventRequestUpdated, req)
}

// rollingAverages computes the mean wait and travel time over all
// COMPLETED requests with positive values.
func (en *Engine) rollingAverages() (avgWait, avgTravel time.Duration) {
	waits, travels := en.store.CompletedDurations()
	return meanDuration(waits), meanDuration(travels)
}

func meanDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}
