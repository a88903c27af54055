package sim

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned when a save carries a stale version. The
	// caller should reload and retry; the single-owner command loop makes
	// this a backstop rather than an expected path.
	ErrConflict = errors.New("stale entity version")
)

// Store is the in-memory entity store: elevators, requests, the simulation
// configuration and aggregate metrics. All accessors return deep copies so
// readers never alias state owned by the simulation loop.
type Store struct {
	mu        sync.RWMutex
	elevators map[int]*Elevator
	requests  map[string]*Request
	config    Config
	metrics   Metrics
}

// NewStore creates an empty store with the given configuration.
func NewStore(cfg Config) *Store {
	return &Store{
		elevators: make(map[int]*Elevator),
		requests:  make(map[string]*Request),
		config:    cfg,
	}
}

// --- Elevators ---

// Elevator returns a copy of the car with the given id.
func (s *Store) Elevator(id int) (*Elevator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.elevators[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// Elevators returns copies of all cars, sorted by id. If status is
// non-empty only cars in that state are returned.
func (s *Store) Elevators(status ElevatorStatus) []*Elevator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Elevator
	for _, e := range s.elevators {
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SaveElevator upserts a car. An update whose version does not match the
// stored one fails with ErrConflict; a successful save bumps the version
// on both the stored copy and the caller's instance.
func (s *Store) SaveElevator(e *Elevator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.elevators[e.ID]; ok && cur.Version != e.Version {
		return ErrConflict
	}
	e.Version++
	s.elevators[e.ID] = e.Clone()
	return nil
}

// RebuildElevators destroys the whole pool and recreates count cars at
// their default state.
func (s *Store) RebuildElevators(count int) []*Elevator {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elevators = make(map[int]*Elevator)
	out := make([]*Elevator, 0, count)
	for i := 1; i <= count; i++ {
		e := NewElevator(i)
		s.elevators[i] = e
		out = append(out, e.Clone())
	}
	return out
}

// DeleteAllElevators removes every car.
func (s *Store) DeleteAllElevators() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elevators = make(map[int]*Elevator)
}

// IncrementRequestCount bumps a car's served-request counter without a
// full-document write. The increment bumps the version like any other
// write, so a snapshot taken before it fails its save with ErrConflict.
func (s *Store) IncrementRequestCount(elevatorID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.elevators[elevatorID]; ok {
		e.RequestCount++
		e.Version++
	}
}

// --- Requests ---

// Request returns a copy of the request with the given id.
func (s *Store) Request(id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// Requests returns copies of requests, newest first. A non-empty status
// filters; limit <= 0 means no limit.
func (s *Store) Requests(status RequestStatus, limit int) []*Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, r := range s.requests {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CountRequests counts requests in the given state ("" counts all).
func (s *Store) CountRequests(status RequestStatus) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.requests {
		if status == "" || r.Status == status {
			n++
		}
	}
	return n
}

// LongWaiting counts non-terminal, not-yet-picked-up requests older than
// the given age.
func (s *Store) LongWaiting(now time.Time, age time.Duration) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.requests {
		if (r.Status == RequestPending || r.Status == RequestAssigned) && now.Sub(r.CreatedAt) > age {
			n++
		}
	}
	return n
}

// SaveRequest upserts a request with the same version discipline as
// SaveElevator.
func (s *Store) SaveRequest(r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.requests[r.ID]; ok && cur.Version != r.Version {
		return ErrConflict
	}
	r.Version++
	s.requests[r.ID] = r.Clone()
	return nil
}

// DeleteAllRequests removes every request.
func (s *Store) DeleteAllRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = make(map[string]*Request)
}

// CompletedDurations returns the wait and travel durations of all
// COMPLETED requests, used for the rolling averages. Zero values are
// filtered out, matching the original aggregation.
func (s *Store) CompletedDurations() (waits, travels []time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.requests {
		if r.Status != RequestCompleted {
			continue
		}
		if r.WaitTime > 0 {
			waits = append(waits, r.WaitTime)
		}
		if r.TravelTime > 0 {
			travels = append(travels, r.TravelTime)
		}
	}
	return waits, travels
}

// --- Configuration & metrics ---

// Config returns the current configuration snapshot.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetConfig replaces the configuration snapshot.
func (s *Store) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
}

// Metrics returns the current aggregate counters.
func (s *Store) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// UpdateMetrics applies fn to the aggregate counters under the lock,
// giving callers atomic increments independent of full-document writes.
func (s *Store) UpdateMetrics(fn func(*Metrics)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.metrics)
}

// ResetMetrics zeroes every aggregate counter.
func (s *Store) ResetMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = Metrics{}
}
