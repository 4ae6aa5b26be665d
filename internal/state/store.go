package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"vehicle-guard/internal/metrics"
	"vehicle-guard/internal/models"
	"vehicle-guard/pkg/log"
)

// Loader hydrates a vehicle that is not yet held in memory. It returns
// models.ErrNotFound when it has no record of the vehicle.
type Loader interface {
	LoadState(ctx context.Context, vehicleID string) (*models.VehicleState, error)
}

// Sink receives every accepted snapshot for durable persistence. It must not block.
type Sink interface {
	AddUpdate(state *models.VehicleState) error
}

// ApplyResult is the outcome of Apply. Previous is nil for a vehicle seen for
// the first time. When Accepted is false Current equals Previous.
type ApplyResult struct {
	Accepted bool
	Previous *models.VehicleState
	Current  *models.VehicleState
}

// Hook runs inside the vehicle's serialized scope after a snapshot has been
// stored. Hooks for one vehicle never run concurrently.
type Hook func(ctx context.Context, res ApplyResult) error

type Config struct {
	MovingThresholdKmh float64
}

type entry struct {
	mu     sync.Mutex
	state  *models.VehicleState
	loaded bool
}

// Store holds the latest state per vehicle. Different vehicles are applied
// in parallel; one vehicle is applied one reading at a time.
type Store struct {
	cfg     Config
	loaders []Loader
	sink    Sink
	logger  log.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

type Option func(*Store)

// WithLoaders sets the hydration chain, tried in order.
func WithLoaders(loaders ...Loader) Option {
	return func(s *Store) { s.loaders = loaders }
}

func WithSink(sink Sink) Option {
	return func(s *Store) { s.sink = sink }
}

func WithLogger(logger log.Logger) Option {
	return func(s *Store) { s.logger = logger.WithName("state") }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:     cfg,
		logger:  log.NewNopLogger(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply stores reading if it supersedes the current one and then runs hooks
// in the same per-vehicle scope. A hook error is returned alongside an
// accepted result: the in-memory state has already moved on.
func (s *Store) Apply(ctx context.Context, reading models.Reading, hooks ...Hook) (ApplyResult, error) {
	e := s.entry(reading.VehicleID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.hydrate(ctx, reading.VehicleID, e); err != nil {
		return ApplyResult{}, err
	}

	prev := e.state
	if prev != nil && prev.LastReading != nil && !supersedes(&reading, prev.LastReading) {
		s.logger.Debug("Dropping stale reading",
			"vehicleId", reading.VehicleID,
			"deviceTime", reading.DeviceTime,
			"storedDeviceTime", prev.LastReading.DeviceTime)
		return ApplyResult{Accepted: false, Previous: prev.Clone(), Current: prev.Clone()}, nil
	}

	next := &models.VehicleState{
		VehicleID:   reading.VehicleID,
		LastReading: carryForward(reading, prev),
		IsMoving:    reading.Speed > s.cfg.MovingThresholdKmh,
		UpdatedAt:   s.now().UTC(),
	}
	if prev != nil {
		next.EngineLocked = prev.EngineLocked
		next.Sequence = prev.Sequence + 1
	} else {
		next.Sequence = 1
	}

	return s.commit(ctx, e, prev, next, hooks)
}

// SetEngineLock changes the engine-lock flag and produces a fresh snapshot.
// The vehicle is created if it has never reported.
func (s *Store) SetEngineLock(ctx context.Context, vehicleID string, locked bool, hooks ...Hook) (ApplyResult, error) {
	e := s.entry(vehicleID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.hydrate(ctx, vehicleID, e); err != nil {
		return ApplyResult{}, err
	}

	prev := e.state
	next := &models.VehicleState{VehicleID: vehicleID, Sequence: 1}
	if prev != nil {
		next = prev.Clone()
		next.Sequence++
	}
	next.EngineLocked = locked
	next.UpdatedAt = s.now().UTC()

	return s.commit(ctx, e, prev, next, hooks)
}

func (s *Store) commit(ctx context.Context, e *entry, prev, next *models.VehicleState, hooks []Hook) (ApplyResult, error) {
	e.state = next
	res := ApplyResult{Accepted: true, Previous: prev.Clone(), Current: next.Clone()}

	if s.sink != nil {
		if err := s.sink.AddUpdate(next.Clone()); err != nil {
			metrics.PersistenceLag.Inc()
			s.logger.Warn("State persistence lagging", "vehicleId", next.VehicleID, "sequence", next.Sequence, "error", err.Error())
		}
	}

	var errs []error
	for _, hook := range hooks {
		if err := hook(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// Latest returns a copy of the vehicle's state, or models.ErrNotFound.
func (s *Store) Latest(ctx context.Context, vehicleID string) (*models.VehicleState, error) {
	s.mu.RLock()
	e, ok := s.entries[vehicleID]
	s.mu.RUnlock()

	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := s.hydrate(ctx, vehicleID, e); err != nil {
			return nil, err
		}
		if e.state != nil {
			return e.state.Clone(), nil
		}
		return nil, models.ErrNotFound
	}

	// Unknown to this process: look it up without creating an entry.
	st, err := s.load(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return st, nil
	}
	return nil, models.ErrNotFound
}

// Len reports how many vehicles are held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) entry(vehicleID string) *entry {
	s.mu.RLock()
	e, ok := s.entries[vehicleID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[vehicleID]; ok {
		return e
	}
	e = &entry{}
	s.entries[vehicleID] = e
	return e
}

// hydrate must be called with e.mu held. A failed hydration leaves the entry
// unloaded so the next call for the vehicle tries again.
func (s *Store) hydrate(ctx context.Context, vehicleID string, e *entry) error {
	if e.loaded {
		return nil
	}
	if e.state == nil {
		st, err := s.load(ctx, vehicleID)
		if err != nil {
			return err
		}
		e.state = st
	}
	e.loaded = true
	return nil
}

// load asks each loader in turn. A loader error is tolerated when a later
// loader still finds the vehicle; otherwise the vehicle cannot be told apart
// from a new one and the lookup fails with a StoreUnavailableError.
func (s *Store) load(ctx context.Context, vehicleID string) (*models.VehicleState, error) {
	var loadErr error
	for _, l := range s.loaders {
		st, err := l.LoadState(ctx, vehicleID)
		switch {
		case err == nil && st != nil:
			s.logger.Debug("Hydrated vehicle state", "vehicleId", vehicleID, "sequence", st.Sequence)
			return st, nil
		case err != nil && !errors.Is(err, models.ErrNotFound):
			s.logger.Warn("State hydration failed", "vehicleId", vehicleID, "error", err.Error())
			loadErr = err
		}
	}
	if loadErr != nil {
		return nil, &models.StoreUnavailableError{Op: "hydrate state", Err: loadErr}
	}
	return nil, nil
}

// supersedes applies the ordering rule. Device sequences win over
// timestamps when both readings carry one.
func supersedes(incoming, stored *models.Reading) bool {
	if incoming.Sequence != nil && stored.Sequence != nil {
		return *incoming.Sequence > *stored.Sequence
	}
	return incoming.DeviceTime.After(stored.DeviceTime)
}

// carryForward fills optional fields the report omitted from the previous reading.
func carryForward(r models.Reading, prev *models.VehicleState) *models.Reading {
	if prev == nil || prev.LastReading == nil {
		return &r
	}
	last := prev.LastReading
	if r.Battery == nil {
		r.Battery = last.Battery
	}
	if r.Heading == nil {
		r.Heading = last.Heading
	}
	if r.Altitude == nil {
		r.Altitude = last.Altitude
	}
	if r.GSMSignal == nil {
		r.GSMSignal = last.GSMSignal
	}
	if r.GPSSignal == nil {
		r.GPSSignal = last.GPSSignal
	}
	if r.Temperature == nil {
		r.Temperature = last.Temperature
	}
	if r.Mileage == nil {
		r.Mileage = last.Mileage
	}
	return &r
}
