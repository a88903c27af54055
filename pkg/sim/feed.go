package sim

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Trip is one sampled origin→destination passenger journey.
type Trip struct {
	Origin      int
	Destination int
	Kind        RequestKind
}

// SampleTrip draws a random trip within the configured floor range. With
// peak sampling enabled, 70% of trips originate at the lobby heading to
// the upper floors; the rest (and all trips outside peak mode) are a
// uniform pair of distinct floors. Kind is a coin flip between hall and
// car calls.
func SampleTrip(cfg Config, peak bool, rnd *rand.Rand) Trip {
	floors := cfg.NumberOfFloors
	var origin, dest int

	if peak && rnd.Float64() < float64(cfg.PeakTraffic.PeakPercentage)/100 {
		origin = cfg.PeakTraffic.LobbyFloor
		dest = 1 + rnd.Intn(floors-1)
		for dest == origin {
			dest = 1 + rnd.Intn(floors-1)
		}
	} else {
		origin = rnd.Intn(floors)
		dest = rnd.Intn(floors)
		for dest == origin {
			dest = rnd.Intn(floors)
		}
	}

	kind := KindInternal
	if rnd.Float64() > 0.5 {
		kind = KindExternal
	}
	return Trip{Origin: origin, Destination: dest, Kind: kind}
}

// Feed generates synthetic requests on its own cadence, independent of
// the simulation clock, and hands each one to the submit callback.
type Feed struct {
	store  *Store
	submit func(Trip)
	logger *slog.Logger
	rnd    *rand.Rand

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewFeed creates a stopped feed. submit is called once per generated
// trip, from the feed's own goroutine.
func NewFeed(store *Store, submit func(Trip), logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		store:  store,
		submit: submit,
		logger: logger.With("component", "feed"),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start begins generating frequency requests per minute. If the feed is
// already running it restarts at the new rate.
func (f *Feed) Start(frequency int) {
	f.Stop()
	if frequency <= 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.stopCh = make(chan struct{})
	interval := time.Minute / time.Duration(frequency)

	go f.run(interval, f.stopCh)
	f.logger.Info("request feed started", "per_minute", frequency)
}

func (f *Feed) run(interval time.Duration, stopCh chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			cfg := f.store.Config()
			f.mu.Lock()
			trip := SampleTrip(cfg, cfg.PeakTrafficMode, f.rnd)
			f.mu.Unlock()
			f.submit(trip)
		}
	}
}

// Stop halts generation. Safe to call when already stopped.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	f.logger.Info("request feed stopped")
}

// UpdateFrequency restarts a running feed at the new rate; a stopped feed
// stays stopped.
func (f *Feed) UpdateFrequency(frequency int) {
	f.mu.Lock()
	running := f.running
	f.mu.Unlock()
	if running {
		f.Start(frequency)
	}
}

// Batch samples count trips in one burst, all peak-biased, for stress
// testing.
func (f *Feed) Batch(count int) []Trip {
	cfg := f.store.Config()
	f.mu.Lock()
	defer f.mu.Unlock()
	trips := make([]Trip, 0, count)
	for range count {
		trips = append(trips, SampleTrip(cfg, true, f.rnd))
	}
	return trips
}
