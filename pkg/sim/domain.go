package sim

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Domain Entities & Value Objects ---

// Direction indicates the vertical movement vector of a car,
// or the requested travel direction of a passenger.
type Direction string

const (
	DirUp   Direction = "UP"
	DirDown Direction = "DOWN"
	DirIdle Direction = "IDLE"
)

// DoorState represents the physical state of the doors.
type DoorState string

const (
	DoorOpen   DoorState = "OPEN"
	DoorClosed DoorState = "CLOSED"
)

// ElevatorStatus defines whether a car participates in dispatch and motion.
type ElevatorStatus string

const (
	StatusActive      ElevatorStatus = "ACTIVE"
	StatusMaintenance ElevatorStatus = "MAINTENANCE"
)

// StopType tags one entry in a car's destination sequence.
type StopType string

const (
	StopPickup      StopType = "PICKUP"
	StopDropoff     StopType = "DROPOFF"
	StopPositioning StopType = "POSITIONING"
)

// Stop is one entry in an elevator's destination sequence.
// RequestID is empty only for POSITIONING stops, which exist purely
// to relocate an idle car.
type Stop struct {
	Floor     int       `json:"floor"`
	Type      StopType  `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"timestamp"`
}

// Elevator is one physical car.
type Elevator struct {
	ID           int            `json:"elevatorId"`
	CurrentFloor int            `json:"currentFloor"`
	TargetFloor  *int           `json:"targetFloor"`
	Direction    Direction      `json:"direction"`
	DoorState    DoorState      `json:"doorState"`

	PassengerCount int `json:"passengerCount"`
	Capacity       int `json:"capacity"`

	Status       ElevatorStatus `json:"status"`
	Destinations []Stop         `json:"destinations"`

	// Cumulative metrics.
	TotalTravelTime       time.Duration `json:"totalTravelTime"`
	TotalPassengersServed int           `json:"totalPassengersServed"`
	RequestCount          int           `json:"requestCount"`
	CurrentTripStart      *time.Time    `json:"currentTripStart"`
	LastActive            *time.Time    `json:"lastActive"`

	// Version guards against concurrent lost updates at the store boundary.
	Version uint64 `json:"-"`
}

// NewElevator returns a car in its initial state at the ground floor.
func NewElevator(id int) *Elevator {
	return &Elevator{
		ID:           id,
		CurrentFloor: 0,
		Direction:    DirIdle,
		DoorState:    DoorClosed,
		Capacity:     DefaultCapacity,
		Status:       StatusActive,
	}
}

// DefaultCapacity is the passenger capacity of a freshly created car.
const DefaultCapacity = 8

// Clone returns a deep copy of the elevator.
func (e *Elevator) Clone() *Elevator {
	c := *e
	c.Destinations = make([]Stop, len(e.Destinations))
	copy(c.Destinations, e.Destinations)
	if e.TargetFloor != nil {
		f := *e.TargetFloor
		c.TargetFloor = &f
	}
	if e.CurrentTripStart != nil {
		t := *e.CurrentTripStart
		c.CurrentTripStart = &t
	}
	if e.LastActive != nil {
		t := *e.LastActive
		c.LastActive = &t
	}
	return &c
}

// Retarget re-derives TargetFloor and Direction from the head of the
// destination sequence. With no destinations the car goes idle. When the
// head stop is on the current floor the direction is taken from the first
// stop on a different floor, so the car never reports a bogus heading for
// a stop it is already standing on.
func (e *Elevator) Retarget() {
	if len(e.Destinations) == 0 {
		e.TargetFloor = nil
		e.Direction = DirIdle
		return
	}
	target := e.Destinations[0].Floor
	e.TargetFloor = &target

	for _, s := range e.Destinations {
		if s.Floor > e.CurrentFloor {
			e.Direction = DirUp
			return
		}
		if s.Floor < e.CurrentFloor {
			e.Direction = DirDown
			return
		}
	}
	// Every stop is on the current floor; keep whatever heading we had.
}

// RemoveStopsFor deletes every stop belonging to the given request and
// reports whether anything was removed.
func (e *Elevator) RemoveStopsFor(requestID string) bool {
	kept := e.Destinations[:0]
	removed := false
	for _, s := range e.Destinations {
		if s.RequestID == requestID && requestID != "" {
			removed = true
			continue
		}
		kept = append(kept, s)
	}
	e.Destinations = kept
	if removed {
		e.Retarget()
	}
	return removed
}

// RequestStatus is the lifecycle state of a passenger request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestAssigned  RequestStatus = "ASSIGNED"
	RequestPickedUp  RequestStatus = "PICKED_UP"
	RequestCompleted RequestStatus = "COMPLETED"
	RequestCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestCancelled
}

// RequestKind distinguishes hall calls from car calls. It is
// informational; dispatch treats both identically.
type RequestKind string

const (
	KindExternal RequestKind = "EXTERNAL"
	KindInternal RequestKind = "INTERNAL"
)

// Request is one origin→destination passenger trip.
type Request struct {
	ID               string        `json:"requestId"`
	OriginFloor      int           `json:"originFloor"`
	DestinationFloor int           `json:"destinationFloor"`
	Direction        Direction     `json:"direction"`
	Kind             RequestKind   `json:"type"`
	Status           RequestStatus `json:"status"`

	AssignedElevatorID *int `json:"assignedElevatorId"`
	Priority           int  `json:"priority"`
	IsPeakTraffic      bool `json:"isPeakTraffic"`

	CreatedAt   time.Time  `json:"timestamp"`
	AssignedAt  *time.Time `json:"assignedTime"`
	PickupAt    *time.Time `json:"pickupTime"`
	CompletedAt *time.Time `json:"completionTime"`

	WaitTime   time.Duration `json:"waitTime"`
	TravelTime time.Duration `json:"travelTime"`

	Version uint64 `json:"-"`
}

// NewRequest creates a PENDING request. Origin and destination must be
// validated against the floor range by the caller.
func NewRequest(origin, destination int, kind RequestKind, now time.Time) (*Request, error) {
	if origin == destination {
		return nil, fmt.Errorf("origin and destination floors cannot be the same (%d)", origin)
	}
	dir := DirDown
	if destination > origin {
		dir = DirUp
	}
	return &Request{
		ID:               uuid.NewString(),
		OriginFloor:      origin,
		DestinationFloor: destination,
		Direction:        dir,
		Kind:             kind,
		Status:           RequestPending,
		Priority:         1,
		CreatedAt:        now,
	}, nil
}

// WaitSince returns how long the request has waited for pickup as of now.
// It is non-decreasing until PickupAt is set.
func (r *Request) WaitSince(now time.Time) time.Duration {
	if r.PickupAt != nil {
		return r.PickupAt.Sub(r.CreatedAt)
	}
	return now.Sub(r.CreatedAt)
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := *r
	if r.AssignedElevatorID != nil {
		id := *r.AssignedElevatorID
		c.AssignedElevatorID = &id
	}
	if r.AssignedAt != nil {
		t := *r.AssignedAt
		c.AssignedAt = &t
	}
	if r.PickupAt != nil {
		t := *r.PickupAt
		c.PickupAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// PeakTrafficConfig describes the biased traffic pattern used during a
// designated rush window.
type PeakTrafficConfig struct {
	LobbyFloor     int       `json:"lobbyFloor" yaml:"lobbyFloor"`
	PeakDirection  Direction `json:"peakDirection" yaml:"peakDirection"`
	PeakPercentage int       `json:"peakPercentage" yaml:"peakPercentage"`
}

// Config is the simulation configuration snapshot. It is immutable until
// changed through the API; the dispatcher and engine read it per operation.
type Config struct {
	NumberOfElevators int               `json:"numberOfElevators" yaml:"numberOfElevators"`
	NumberOfFloors    int               `json:"numberOfFloors" yaml:"numberOfFloors"`
	RequestFrequency  int               `json:"requestFrequency" yaml:"requestFrequency"`
	PeakTrafficMode   bool              `json:"peakTrafficMode" yaml:"peakTrafficMode"`
	PeakTraffic       PeakTrafficConfig `json:"peakTrafficConfig" yaml:"peakTraffic"`
}

// DefaultConfig mirrors the defaults of the original deployment.
func DefaultConfig() Config {
	return Config{
		NumberOfElevators: 3,
		NumberOfFloors:    10,
		RequestFrequency:  5,
		PeakTrafficMode:   false,
		PeakTraffic: PeakTrafficConfig{
			LobbyFloor:     0,
			PeakDirection:  DirUp,
			PeakPercentage: 70,
		},
	}
}

// ValidFloor reports whether f lies inside the configured floor range.
func (c Config) ValidFloor(f int) bool {
	return f >= 0 && f < c.NumberOfFloors
}

// TrafficFloors derives the high-traffic floors used for pre-positioning:
// the lobby, the middle of the building and the top floor.
func (c Config) TrafficFloors() []int {
	floors := []int{c.PeakTraffic.LobbyFloor}
	if mid := c.NumberOfFloors / 2; mid != c.PeakTraffic.LobbyFloor {
		floors = append(floors, mid)
	}
	if top := c.NumberOfFloors - 1; top != c.NumberOfFloors/2 && top != c.PeakTraffic.LobbyFloor {
		floors = append(floors, top)
	}
	return floors
}

// Metrics are the aggregate counters owned by the simulation.
type Metrics struct {
	TotalRequests     int64         `json:"totalRequests"`
	CompletedRequests int64         `json:"completedRequests"`
	AverageWaitTime   time.Duration `json:"averageWaitTime"`
	AverageTravelTime time.Duration `json:"averageTravelTime"`
	MaxWaitTime       time.Duration `json:"maxWaitTime"`
	StarvationCount   int64         `json:"starvationCount"`
}
