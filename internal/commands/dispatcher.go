package commands

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"vehicle-guard/internal/metrics"
	"vehicle-guard/internal/models"
	"vehicle-guard/pkg/log"
)

// DeviceChannel delivers a command to the vehicle. Send returns
// models.ErrDispatchUnreachable (or any error) when the vehicle cannot be reached;
// acknowledgement arrives separately through Dispatcher.Acknowledge.
type DeviceChannel interface {
	Send(ctx context.Context, cmd *models.Command) error
}

// Repository is the command audit log.
type Repository interface {
	Insert(ctx context.Context, cmd *models.Command) error
	Update(ctx context.Context, cmd *models.Command) error
	Get(ctx context.Context, id string) (*models.Command, error)
	FindByVehicle(ctx context.Context, vehicleID string, limit int64) ([]*models.Command, error)
}

// Listener observes every status change. It runs inside the vehicle's
// command scope, so calls for one vehicle arrive in transition order.
type Listener func(cmd *models.Command)

type Config struct {
	AckTimeout  time.Duration
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{AckTimeout: 10 * time.Second, SendTimeout: 5 * time.Second}
}

type tracked struct {
	cmd   *models.Command
	sm    *stateMachine
	timer *time.Timer
	// early holds an ack that arrived before the send returned.
	early *models.CommandAck
}

// vehicleQueue serializes commands for one vehicle: at most one in flight,
// the rest waiting in submission order.
type vehicleQueue struct {
	mu       sync.Mutex
	inflight *tracked
	waiting  []*tracked
}

type Dispatcher struct {
	cfg     Config
	channel DeviceChannel
	repo    Repository
	logger  log.Logger
	now     func() time.Time

	listenersMu sync.RWMutex
	listeners   []Listener

	mu      sync.Mutex
	queues  map[string]*vehicleQueue
	active  map[string]*tracked
	stopped bool

	sending sync.WaitGroup
}

func NewDispatcher(cfg Config, channel DeviceChannel, repo Repository, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	return &Dispatcher{
		cfg:     cfg,
		channel: channel,
		repo:    repo,
		logger:  logger.WithName("commands"),
		now:     time.Now,
		queues:  make(map[string]*vehicleQueue),
		active:  make(map[string]*tracked),
	}
}

// OnChange registers a listener for status changes.
func (d *Dispatcher) OnChange(l Listener) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Submit records a new pending command and dispatches it once every earlier
// command for the same vehicle is terminal. It never waits on the device.
func (d *Dispatcher) Submit(ctx context.Context, vehicleID string, typ models.CommandType) (*models.Command, error) {
	if vehicleID == "" {
		return nil, &models.ValidationError{Field: "vehicleId", Reason: "is required"}
	}
	if !typ.Valid() {
		return nil, &models.ValidationError{Field: "command", Reason: "unknown command type"}
	}

	cmd := &models.Command{
		ID:        uuid.NewString(),
		VehicleID: vehicleID,
		Type:      typ,
		Status:    models.CommandPending,
		CreatedAt: d.now().UTC(),
	}
	if err := d.repo.Insert(ctx, cmd); err != nil {
		return nil, &models.StoreUnavailableError{Op: "insert command", Err: err}
	}

	t := &tracked{cmd: cmd, sm: newStateMachine(cmd, d.now)}
	q := d.queue(vehicleID)

	q.mu.Lock()
	defer q.mu.Unlock()

	d.mu.Lock()
	d.active[cmd.ID] = t
	d.mu.Unlock()

	q.waiting = append(q.waiting, t)
	d.logger.Info("Command submitted", "commandId", cmd.ID, "vehicleId", vehicleID, "command", typ, "queued", len(q.waiting))
	d.notify(cmd)
	submitted := clone(cmd)

	d.dispatchNext(q)
	return submitted, nil
}

// Acknowledge applies the device's confirmation. Acks for commands that are
// already terminal are ignored and the stored command is returned unchanged.
func (d *Dispatcher) Acknowledge(ctx context.Context, ack models.CommandAck) (*models.Command, error) {
	d.mu.Lock()
	t, ok := d.active[ack.CommandID]
	d.mu.Unlock()

	if !ok {
		cmd, err := d.repo.Get(ctx, ack.CommandID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, err
			}
			return nil, &models.StoreUnavailableError{Op: "get command", Err: err}
		}
		d.logger.Info("Ignoring acknowledgement for finished command", "commandId", cmd.ID, "status", cmd.Status)
		return cmd, nil
	}

	if ack.VehicleID != "" && ack.VehicleID != t.cmd.VehicleID {
		return nil, &models.ValidationError{Field: "vehicleId", Reason: "does not match command"}
	}

	q := d.queue(t.cmd.VehicleID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight != t {
		if t.cmd.Status == models.CommandPending {
			return nil, &models.ValidationError{Field: "commandId", Reason: "command has not been sent"}
		}
		return clone(t.cmd), nil
	}

	switch t.cmd.Status {
	case models.CommandPending:
		// The device answered before the send returned; deliver applies it.
		t.early = &ack
		d.logger.Debug("Holding early acknowledgement", "commandId", t.cmd.ID)
		return clone(t.cmd), nil
	case models.CommandSent:
	default:
		return clone(t.cmd), nil
	}

	// Losing the race against the timer is fine: expire re-checks the status
	// under the queue lock and backs off.
	t.timer.Stop()

	d.resolve(q, t, ack)
	result := clone(t.cmd)
	d.dispatchNext(q)
	return result, nil
}

// Get returns a command from memory while in flight, otherwise from the store.
func (d *Dispatcher) Get(ctx context.Context, id string) (*models.Command, error) {
	d.mu.Lock()
	t, ok := d.active[id]
	d.mu.Unlock()

	if ok {
		q := d.queue(t.cmd.VehicleID)
		q.mu.Lock()
		defer q.mu.Unlock()
		return clone(t.cmd), nil
	}
	cmd, err := d.repo.Get(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, &models.StoreUnavailableError{Op: "get command", Err: err}
	}
	return cmd, err
}

func (d *Dispatcher) History(ctx context.Context, vehicleID string, limit int64) ([]*models.Command, error) {
	cmds, err := d.repo.FindByVehicle(ctx, vehicleID, limit)
	if err != nil {
		return nil, &models.StoreUnavailableError{Op: "find commands", Err: err}
	}
	return cmds, nil
}

// Stop waits for sends in progress and cancels every running ack timer.
// Commands left in flight stay "sent" in the store and queued ones stay "pending".
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.sending.Wait()

	d.mu.Lock()
	inflight := make([]*tracked, 0, len(d.active))
	for _, t := range d.active {
		inflight = append(inflight, t)
	}
	d.mu.Unlock()

	for _, t := range inflight {
		q := d.queue(t.cmd.VehicleID)
		q.mu.Lock()
		if t.timer != nil {
			t.timer.Stop()
		}
		q.mu.Unlock()
	}
}

// dispatchNext must be called with q.mu held. The head of the queue becomes
// the in-flight command and is handed to deliver, which talks to the device
// without holding the queue lock.
func (d *Dispatcher) dispatchNext(q *vehicleQueue) {
	if q.inflight != nil || len(q.waiting) == 0 {
		return
	}

	d.mu.Lock()
	stopped := d.stopped
	if !stopped {
		d.sending.Add(1)
	}
	d.mu.Unlock()
	if stopped {
		return
	}

	t := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.inflight = t

	go d.deliver(q, t, clone(t.cmd))
}

// deliver sends cmd and then records the outcome under the queue lock.
func (d *Dispatcher) deliver(q *vehicleQueue, t *tracked, cmd *models.Command) {
	defer d.sending.Done()

	sendErr := d.send(cmd)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight != t || t.cmd.Status != models.CommandPending {
		return
	}

	if sendErr != nil {
		d.logger.Warn("Command dispatch failed", "commandId", t.cmd.ID, "vehicleId", t.cmd.VehicleID, "error", sendErr.Error())
		if err := t.sm.Event(context.Background(), EventUnreachable); err != nil {
			d.logger.Error(err, "Command transition failed", "commandId", t.cmd.ID, "event", EventUnreachable)
		}
		d.finish(q, t)
		d.dispatchNext(q)
		return
	}

	if err := t.sm.Event(context.Background(), EventDispatch); err != nil {
		d.logger.Error(err, "Command transition failed", "commandId", t.cmd.ID, "event", EventDispatch)
	}
	d.persist(t.cmd)
	d.notify(t.cmd)

	if t.early != nil {
		ack := *t.early
		t.early = nil
		d.resolve(q, t, ack)
		d.dispatchNext(q)
		return
	}

	id := t.cmd.ID
	t.timer = time.AfterFunc(d.cfg.AckTimeout, func() { d.expire(id) })
}

// resolve applies a device acknowledgement to a sent command. It must be
// called with q.mu held.
func (d *Dispatcher) resolve(q *vehicleQueue, t *tracked, ack models.CommandAck) {
	event := EventAck
	if !ack.Success {
		event = EventReject
	}
	if err := t.sm.Event(context.Background(), event, ack.Response); err != nil {
		d.logger.Error(err, "Command transition failed", "commandId", t.cmd.ID, "event", event)
	}
	d.finish(q, t)
}

func (d *Dispatcher) send(cmd *models.Command) error {
	if d.channel == nil {
		return models.ErrDispatchUnreachable
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	return d.channel.Send(ctx, clone(cmd))
}

func (d *Dispatcher) expire(id string) {
	d.mu.Lock()
	t, ok := d.active[id]
	d.mu.Unlock()
	if !ok {
		return
	}

	q := d.queue(t.cmd.VehicleID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.cmd.Status != models.CommandSent || q.inflight != t {
		return
	}
	if err := t.sm.Event(context.Background(), EventExpire); err != nil {
		d.logger.Error(err, "Command transition failed", "commandId", id, "event", EventExpire)
	}
	d.logger.Warn("Command timed out", "commandId", id, "vehicleId", t.cmd.VehicleID, "timeout", d.cfg.AckTimeout)
	d.finish(q, t)
	d.dispatchNext(q)
}

// finish must be called with q.mu held once t reached a terminal status.
// The command leaves the active set last, so readers never see the stored
// terminal status before listeners have been told.
func (d *Dispatcher) finish(q *vehicleQueue, t *tracked) {
	if q.inflight == t {
		q.inflight = nil
	}

	metrics.CommandsTotal.WithLabelValues(string(t.cmd.Status), string(t.cmd.Type)).Inc()
	metrics.CommandLatency.WithLabelValues(string(t.cmd.Type)).Observe(d.now().Sub(t.cmd.CreatedAt).Seconds())

	d.persist(t.cmd)
	d.notify(t.cmd)
	d.logger.Info("Command finished", "commandId", t.cmd.ID, "vehicleId", t.cmd.VehicleID, "status", t.cmd.Status, "response", t.cmd.Response)

	d.mu.Lock()
	delete(d.active, t.cmd.ID)
	d.mu.Unlock()
}

func (d *Dispatcher) persist(cmd *models.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.repo.Update(ctx, clone(cmd)); err != nil {
		d.logger.Error(err, "Failed to persist command status", "commandId", cmd.ID, "status", cmd.Status)
	}
}

func (d *Dispatcher) notify(cmd *models.Command) {
	d.listenersMu.RLock()
	defer d.listenersMu.RUnlock()
	for _, l := range d.listeners {
		l(clone(cmd))
	}
}

func (d *Dispatcher) queue(vehicleID string) *vehicleQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[vehicleID]
	if !ok {
		q = &vehicleQueue{}
		d.queues[vehicleID] = q
	}
	return q
}

func clone(cmd *models.Command) *models.Command {
	c := *cmd
	return &c
}
