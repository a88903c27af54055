// Package sim implements a multi-elevator building simulation: a
// cost-based dispatcher assigns passenger requests to cars and a
// tick-driven motion engine moves the cars, opens and closes doors and
// completes pickups and dropoffs.
//
// All mutable state (elevators, requests, aggregate metrics) is owned by
// a single command loop per Simulation. Dispatcher assignments, engine
// ticks, door-close deferrals, feed deliveries and API mutations are all
// posted into that loop as commands, so no two activities ever race on
// the same entity. Readers get deep-copied snapshots from the store.
package sim

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	baseTickInterval  = time.Second     // one motion step per second at 1x
	doorDwellTime     = 2 * time.Second // door-open hold, scaled by speed
	broadcastInterval = 2 * time.Second // aggregate status cadence, fixed
)

// Speed multiplier bounds, enforced at the API boundary.
const (
	MinSpeed = 1
	MaxSpeed = 5
)

var (
	// ErrRunning rejects operations that require a stopped clock.
	ErrRunning = errors.New("simulation is running")
	// ErrTerminal rejects transitions out of a terminal request state.
	ErrTerminal = errors.New("request is in a terminal state")
)

// StressState tracks an in-progress stress test.
type StressState struct {
	IsActive             bool       `json:"isActive"`
	SimultaneousRequests int        `json:"simultaneousRequests"`
	StartTime            *time.Time `json:"startTime"`
}

// State is the externally visible simulation snapshot.
type State struct {
	IsRunning bool        `json:"isRunning"`
	Speed     int         `json:"speed"`
	Config    Config      `json:"config"`
	Metrics   Metrics     `json:"metrics"`
	Stress    StressState `json:"stressTest"`
}

// Simulation owns the clock, the dispatcher, the motion engine and the
// request feed. Run must be started before any mutating method is used.
type Simulation struct {
	store      *Store
	dispatcher *Dispatcher
	engine     *Engine
	feed       *Feed
	pub        Publisher
	logger     *slog.Logger
	now        func() time.Time

	cmd  chan func()
	done chan struct{}

	// Owned by the command loop.
	running    bool
	speed      int
	ticker     *time.Ticker
	bticker    *time.Ticker
	doorTimers map[int]*time.Timer
	stress     StressState
}

// New assembles a simulation around the given store and publisher.
func New(store *Store, pub Publisher, logger *slog.Logger) *Simulation {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Simulation{
		store:      store,
		dispatcher: NewDispatcher(logger),
		pub:        pub,
		logger:     logger.With("component", "simulation"),
		now:        time.Now,
		cmd:        make(chan func(), 256),
		done:       make(chan struct{}),
		speed:      MinSpeed,
		doorTimers: make(map[int]*time.Timer),
	}
	s.engine = NewEngine(store, pub, logger, s.scheduleDoorClose)
	s.feed = NewFeed(store, s.submitTrip, logger)

	if len(store.Elevators("")) == 0 {
		store.RebuildElevators(store.Config().NumberOfElevators)
	}
	return s
}

// Run drains the command loop and drives the periodic activities until
// ctx is cancelled. It must run in its own goroutine for the lifetime of
// the simulation.
func (s *Simulation) Run(ctx context.Context) error {
	s.logger.Info("simulation loop started")
	defer close(s.done)
	defer s.halt()

	for {
		var tickC, bcastC <-chan time.Time
		if s.ticker != nil {
			tickC = s.ticker.C
		}
		if s.bticker != nil {
			bcastC = s.bticker.C
		}

		select {
		case <-ctx.Done():
			s.logger.Info("simulation loop stopping", "reason", ctx.Err())
			return ctx.Err()
		case fn := <-s.cmd:
			fn()
		case <-tickC:
			s.engine.Tick(s.now(), s.tickInterval(), s.dwell())
		case <-bcastC:
			s.processPending()
			s.broadcast()
		}
	}
}

// post runs fn inside the command loop and waits for it to finish. After
// the loop has exited the command is silently dropped; every caller that
// needs a result reads it from captured variables, which then keep their
// zero values.
func (s *Simulation) post(fn func()) {
	doneFn := make(chan struct{})
	select {
	case s.cmd <- func() { fn(); close(doneFn) }:
	case <-s.done:
		return
	}
	select {
	case <-doneFn:
	case <-s.done:
	}
}

func (s *Simulation) tickInterval() time.Duration {
	return baseTickInterval / time.Duration(s.speed)
}

func (s *Simulation) dwell() time.Duration {
	return doorDwellTime / time.Duration(s.speed)
}

// --- Clock control ---

// Start switches the clock to RUNNING at the given speed multiplier. A
// running simulation is restarted with the new speed. autoGenerate also
// starts the synthetic request feed.
func (s *Simulation) Start(speed int, autoGenerate bool) {
	s.post(func() {
		if s.running {
			s.halt()
		}
		s.running = true
		s.speed = speed

		if len(s.store.Elevators("")) == 0 {
			s.store.RebuildElevators(s.store.Config().NumberOfElevators)
		}

		s.ticker = time.NewTicker(s.tickInterval())
		s.bticker = time.NewTicker(broadcastInterval)
		if autoGenerate {
			s.feed.Start(s.store.Config().RequestFrequency)
		}

		s.logger.Info("simulation started", "speed", s.speed)
		s.pub.Publish(EventSimulationStarted, s.stateLocked())
	})
}

// Stop halts the clock and the feed and cancels every outstanding
// door-close deferral. Safe to call when already stopped.
func (s *Simulation) Stop() {
	s.post(func() {
		wasRunning := s.running
		s.halt()
		if wasRunning {
			s.logger.Info("simulation stopped")
			s.pub.Publish(EventSimulationStopped, s.stateLocked())
		}
	})
}

// halt stops all periodic activity. Command-loop context only.
func (s *Simulation) halt() {
	s.running = false
	s.haltTimers()
	s.feed.Stop()
}

func (s *Simulation) haltTimers() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	if s.bticker != nil {
		s.bticker.Stop()
		s.bticker = nil
	}
	for id, t := range s.doorTimers {
		t.Stop()
		delete(s.doorTimers, id)
	}
}

// UpdateSpeed restarts the tick cadence at the new multiplier. On a
// stopped clock only the stored speed changes.
func (s *Simulation) UpdateSpeed(speed int) {
	s.post(func() {
		s.speed = speed
		if s.running {
			s.ticker.Stop()
			s.ticker = time.NewTicker(s.tickInterval())
		}
		s.logger.Info("speed updated", "speed", speed)
		s.pub.Publish(EventSpeedUpdated, s.stateLocked())
	})
}

// IsRunning reports the clock state.
func (s *Simulation) IsRunning() bool {
	var running bool
	s.post(func() { running = s.running })
	return running
}

// --- Configuration & reset ---

// UpdateConfig replaces the configuration snapshot. Changing the elevator
// count rebuilds the whole pool and is rejected while the clock is
// RUNNING.
func (s *Simulation) UpdateConfig(cfg Config) error {
	var err error
	s.post(func() {
		old := s.store.Config()
		if cfg.NumberOfElevators != old.NumberOfElevators && s.running {
			err = ErrRunning
			return
		}
		s.store.SetConfig(cfg)
		if cfg.NumberOfElevators != old.NumberOfElevators {
			s.store.RebuildElevators(cfg.NumberOfElevators)
		}
		if cfg.RequestFrequency != old.RequestFrequency {
			s.feed.UpdateFrequency(cfg.RequestFrequency)
		}
		s.logger.Info("configuration updated",
			"elevators", cfg.NumberOfElevators, "floors", cfg.NumberOfFloors)
		s.pub.Publish(EventConfigUpdated, s.stateLocked())
	})
	return err
}

// Reset stops everything and wipes requests, elevators and metrics,
// recreating the pool at default state.
func (s *Simulation) Reset() {
	s.post(func() {
		s.halt()
		s.speed = MinSpeed
		s.stress = StressState{}
		s.store.DeleteAllRequests()
		s.store.DeleteAllElevators()
		s.store.ResetMetrics()
		s.store.RebuildElevators(s.store.Config().NumberOfElevators)
		s.dispatcher = NewDispatcher(s.logger)
		s.logger.Info("simulation reset")
		s.pub.Publish(EventSimulationReset, s.stateLocked())
	})
}

// ResetElevators rebuilds the pool at the configured count with every car
// back at default state. Like a count change, this is a coarse operation
// and is rejected while the clock is RUNNING.
func (s *Simulation) ResetElevators() ([]*Elevator, error) {
	var (
		out []*Elevator
		err error
	)
	s.post(func() {
		if s.running {
			err = ErrRunning
			return
		}
		out = s.store.RebuildElevators(s.store.Config().NumberOfElevators)
		s.logger.Info("elevator pool reset", "count", len(out))
		s.pub.Publish(EventElevatorUpdated, out)
	})
	return out, err
}

// --- Requests ---

// CreateRequest validates, persists and dispatches a new passenger
// request.
func (s *Simulation) CreateRequest(origin, destination int, kind RequestKind) (*Request, error) {
	var (
		req *Request
		err error
	)
	s.post(func() {
		req, err = s.createRequest(origin, destination, kind)
	})
	return req, err
}

func (s *Simulation) createRequest(origin, destination int, kind RequestKind) (*Request, error) {
	cfg := s.store.Config()
	if !cfg.ValidFloor(origin) || !cfg.ValidFloor(destination) {
		return nil, errors.New("invalid floor number")
	}

	now := s.now()
	req, err := NewRequest(origin, destination, kind, now)
	if err != nil {
		return nil, err
	}
	req.IsPeakTraffic = cfg.PeakTrafficMode &&
		origin == cfg.PeakTraffic.LobbyFloor &&
		req.Direction == cfg.PeakTraffic.PeakDirection

	if err := s.store.SaveRequest(req); err != nil {
		return nil, err
	}
	s.store.UpdateMetrics(func(m *Metrics) { m.TotalRequests++ })

	s.dispatch(req, now)
	// The dispatcher may keep req queued and mutate it on a later pass, so
	// observers get a copy.
	s.pub.Publish(EventRequestCreated, req.Clone())
	return req.Clone(), nil
}

// dispatch runs one assignment pass for req and persists everything the
// dispatcher touched. Command-loop context only.
func (s *Simulation) dispatch(req *Request, now time.Time) {
	elevators := s.store.Elevators("")
	cfg := s.store.Config()

	id, ok := s.dispatcher.Assign(req, elevators, cfg, now)

	// Pre-positioning and the winner both mutate cars in the pool; persist
	// them all and let the version check catch anything stale.
	for _, e := range elevators {
		if err := s.store.SaveElevator(e); err != nil {
			s.logger.Error("elevator save failed after dispatch", "elevator", e.ID, "error", err)
		}
	}
	if err := s.store.SaveRequest(req); err != nil {
		s.logger.Error("request save failed after dispatch", "request", req.ID, "error", err)
	}
	s.syncStarvation(now)

	if ok {
		s.store.IncrementRequestCount(id)
		for _, e := range elevators {
			if e.ID == id {
				s.pub.Publish(EventElevatorUpdated, e)
				break
			}
		}
	}
}

// submitTrip is the feed's delivery callback; it re-enters the command
// loop from the feed goroutine.
func (s *Simulation) submitTrip(t Trip) {
	s.post(func() {
		if !s.running {
			return
		}
		req, err := s.createRequest(t.Origin, t.Destination, t.Kind)
		if err != nil {
			s.logger.Warn("generated request rejected", "error", err)
			return
		}
		s.pub.Publish(EventRequestGenerated, req)
	})
}

// CancelRequest moves a non-terminal request to CANCELLED and removes its
// stops from its assigned car.
func (s *Simulation) CancelRequest(id string) (*Request, error) {
	var (
		req *Request
		err error
	)
	s.post(func() {
		req, err = s.store.Request(id)
		if err != nil {
			return
		}
		if req.Status.Terminal() {
			err = ErrTerminal
			return
		}

		req.Status = RequestCancelled
		if err = s.store.SaveRequest(req); err != nil {
			return
		}
		s.dispatcher.RemoveFromQueue(id)

		if req.AssignedElevatorID != nil {
			if e, lerr := s.store.Elevator(*req.AssignedElevatorID); lerr == nil {
				if e.RemoveStopsFor(id) {
					if serr := s.store.SaveElevator(e); serr != nil {
						s.logger.Error("elevator save failed after cancel", "elevator", e.ID, "error", serr)
					} else {
						s.pub.Publish(EventElevatorUpdated, e)
					}
				}
			}
		}
		s.pub.Publish(EventRequestUpdated, req)
	})
	return req, err
}

// EscalateRequest forces a long-waiting request to top priority and
// reassigns it across the full pool. Requests that have not yet waited
// past the escalation threshold are returned unchanged.
func (s *Simulation) EscalateRequest(id string) (*Request, error) {
	var (
		req *Request
		err error
	)
	s.post(func() {
		req, err = s.store.Request(id)
		if err != nil {
			return
		}
		now := s.now()
		if req.Status.Terminal() || req.WaitSince(now) <= escalateAfter || req.Priority >= 3 {
			return
		}

		req.Priority = 3
		elevators := s.store.Elevators("")
		cfg := s.store.Config()
		s.dispatcher.Reassign(req, elevators, cfg, now)

		for _, e := range elevators {
			if serr := s.store.SaveElevator(e); serr != nil {
				s.logger.Error("elevator save failed after reassign", "elevator", e.ID, "error", serr)
			}
		}
		if serr := s.store.SaveRequest(req); serr != nil {
			err = serr
			return
		}
		s.syncStarvation(now)
		s.pub.Publish(EventPriorityUpdated, req.Clone())
		req = req.Clone()
	})
	return req, err
}

// SetElevatorStatus toggles a car between ACTIVE and MAINTENANCE. Pending
// pickup stops on a car entering maintenance are sent back through the
// dispatcher; dropoffs for passengers already aboard stay with the car.
func (s *Simulation) SetElevatorStatus(id int, status ElevatorStatus) (*Elevator, error) {
	var (
		elev *Elevator
		err  error
	)
	s.post(func() {
		elev, err = s.store.Elevator(id)
		if err != nil {
			return
		}
		if elev.Status == status {
			return
		}
		elev.Status = status

		var orphaned []string
		if status == StatusMaintenance {
			waiting := make(map[string]bool)
			for _, st := range elev.Destinations {
				if st.Type == StopPickup && st.RequestID != "" {
					waiting[st.RequestID] = true
					orphaned = append(orphaned, st.RequestID)
				}
			}
			// Riders already aboard keep their dropoff stops; the car serves
			// them once it returns to ACTIVE. Waiting passengers go back
			// through the dispatcher and positioning stops are discarded.
			kept := elev.Destinations[:0]
			for _, st := range elev.Destinations {
				if st.Type == StopDropoff && !waiting[st.RequestID] {
					kept = append(kept, st)
				}
			}
			elev.Destinations = kept
			elev.Retarget()
		}
		if err = s.store.SaveElevator(elev); err != nil {
			return
		}
		s.pub.Publish(EventElevatorUpdated, elev)

		now := s.now()
		for _, reqID := range orphaned {
			req, lerr := s.store.Request(reqID)
			if lerr != nil || req.Status.Terminal() {
				continue
			}
			req.Status = RequestPending
			req.AssignedElevatorID = nil
			s.dispatch(req, now)
		}
	})
	return elev, err
}

// StressTest fires count peak-biased requests at once.
func (s *Simulation) StressTest(count int) {
	trips := s.feed.Batch(count)
	s.post(func() {
		for _, t := range trips {
			if _, err := s.createRequest(t.Origin, t.Destination, t.Kind); err != nil {
				s.logger.Warn("stress request rejected", "error", err)
			}
		}
		at := s.now()
		s.stress = StressState{IsActive: true, SimultaneousRequests: count, StartTime: &at}
		s.logger.Info("stress test started", "requests", count)
		s.pub.Publish(EventStressTestStarted, s.stateLocked())
	})
}

// --- Periodic work ---

// processPending retries the queued requests against the current pool.
// Priority escalation for queued requests happens inside this pass.
func (s *Simulation) processPending() {
	queued := s.dispatcher.Queued()
	if len(queued) == 0 {
		return
	}
	now := s.now()
	for _, req := range queued {
		s.dispatch(req, now)
	}
}

func (s *Simulation) broadcast() {
	s.pub.Publish(EventSimulationUpdate, map[string]interface{}{
		"elevators": s.store.Elevators(StatusActive),
		"metrics":   s.store.Metrics(),
	})
}

// syncStarvation mirrors the dispatcher's escalation counter into the
// aggregate metrics.
func (s *Simulation) syncStarvation(now time.Time) {
	dm := s.dispatcher.Metrics(now)
	s.store.UpdateMetrics(func(m *Metrics) { m.StarvationCount = dm.PriorityEscalations })
}

// scheduleDoorClose arms (or re-arms) the deferred door close for one
// car. The callback re-enters the command loop; stopping the clock
// cancels every armed timer. Command-loop context only.
func (s *Simulation) scheduleDoorClose(elevatorID int, after time.Duration) {
	if t, ok := s.doorTimers[elevatorID]; ok {
		t.Stop()
	}
	s.doorTimers[elevatorID] = time.AfterFunc(after, func() {
		s.post(func() {
			delete(s.doorTimers, elevatorID)
			e, err := s.store.Elevator(elevatorID)
			if err != nil || e.DoorState == DoorClosed {
				return
			}
			e.DoorState = DoorClosed
			if err := s.store.SaveElevator(e); err != nil {
				s.logger.Error("door close save failed", "elevator", elevatorID, "error", err)
				return
			}
			s.pub.Publish(EventDoorStateChanged, e)
		})
	})
}

// --- Snapshots ---

// stateLocked builds the state snapshot. Command-loop context only.
func (s *Simulation) stateLocked() State {
	return State{
		IsRunning: s.running,
		Speed:     s.speed,
		Config:    s.store.Config(),
		Metrics:   s.store.Metrics(),
		Stress:    s.stress,
	}
}

// State returns the externally visible snapshot.
func (s *Simulation) State() State {
	var st State
	s.post(func() { st = s.stateLocked() })
	return st
}

// DispatchMetrics returns the dispatcher's counters.
func (s *Simulation) DispatchMetrics() DispatchMetrics {
	var dm DispatchMetrics
	s.post(func() { dm = s.dispatcher.Metrics(s.now()) })
	return dm
}

// Store exposes the entity store for read-only snapshot access.
func (s *Simulation) Store() *Store {
	return s.store
}
