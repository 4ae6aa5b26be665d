package alerts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"vehicle-guard/internal/metrics"
	"vehicle-guard/internal/models"
	"vehicle-guard/pkg/log"
)

// Repository is the durable alert store.
type Repository interface {
	Insert(ctx context.Context, alert *models.AlertEvent) error
	// MarkRead and Acknowledge return models.ErrNotFound for unknown ids and
	// leave already-set flags and timestamps untouched.
	MarkRead(ctx context.Context, id string, at time.Time) (*models.AlertEvent, error)
	Acknowledge(ctx context.Context, id string, at time.Time) (*models.AlertEvent, error)
	Get(ctx context.Context, id string) (*models.AlertEvent, error)
	Find(ctx context.Context, filter models.AlertFilter) ([]*models.AlertEvent, error)
	Stats(ctx context.Context, vehicleIDs []string) (*models.AlertStatistics, error)
}

type Config struct {
	Cooldown        time.Duration
	PersistAttempts int
	PersistBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Cooldown:        5 * time.Minute,
		PersistAttempts: 3,
		PersistBackoff:  100 * time.Millisecond,
	}
}

type cooldownKey struct {
	vehicleID string
	alertType models.AlertType
}

// Deduplicator admits alert candidates subject to a per (vehicle, type)
// cooldown. Critical candidates are always admitted.
type Deduplicator struct {
	cfg    Config
	repo   Repository
	logger log.Logger
	now    func() time.Time

	mu           sync.Mutex
	lastAdmitted map[cooldownKey]time.Time
}

func NewDeduplicator(cfg Config, repo Repository, logger log.Logger) *Deduplicator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Deduplicator{
		cfg:          cfg,
		repo:         repo,
		logger:       logger.WithName("alerts"),
		now:          time.Now,
		lastAdmitted: make(map[cooldownKey]time.Time),
	}
}

// Admit returns the persisted AlertEvent, or nil when the candidate was
// suppressed by cooldown. If persistence keeps failing the alert is lost,
// the cooldown is not started and a *models.StoreUnavailableError is returned.
func (d *Deduplicator) Admit(ctx context.Context, cand models.CandidateAlert) (*models.AlertEvent, error) {
	now := d.now().UTC()
	key := cooldownKey{vehicleID: cand.VehicleID, alertType: cand.Type}

	severity := cand.Severity
	if !severity.Valid() {
		severity = cand.Type.Severity()
	}

	if severity != models.SeverityCritical && d.coolingDown(key, now) {
		metrics.AlertsTotal.WithLabelValues("suppressed", string(cand.Type)).Inc()
		d.logger.Debug("Alert suppressed by cooldown", "vehicleId", cand.VehicleID, "type", cand.Type)
		return nil, nil
	}

	alert := &models.AlertEvent{
		ID:        uuid.NewString(),
		VehicleID: cand.VehicleID,
		Type:      cand.Type,
		Severity:  severity,
		Message:   cand.Message,
		Location:  cand.Location,
		Speed:     cand.Speed,
		CreatedAt: now,
	}

	if err := d.persist(ctx, alert); err != nil {
		metrics.AlertsTotal.WithLabelValues("lost", string(cand.Type)).Inc()
		d.logger.Error(err, "Alert permanently lost",
			"alertId", alert.ID,
			"vehicleId", alert.VehicleID,
			"type", alert.Type,
			"severity", alert.Severity)
		return nil, &models.StoreUnavailableError{Op: "insert alert", Err: err}
	}

	d.mu.Lock()
	d.lastAdmitted[key] = now
	d.mu.Unlock()

	metrics.AlertsTotal.WithLabelValues("admitted", string(cand.Type)).Inc()
	d.logger.Info("Alert admitted", "alertId", alert.ID, "vehicleId", alert.VehicleID, "type", alert.Type, "severity", alert.Severity)
	return alert, nil
}

func (d *Deduplicator) coolingDown(key cooldownKey, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastAdmitted[key]
	return ok && now.Sub(last) < d.cfg.Cooldown
}

// PruneExpired forgets cooldowns that have already run out and reports how
// many were dropped.
func (d *Deduplicator) PruneExpired(context.Context) (int, error) {
	now := d.now().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()
	pruned := 0
	for key, last := range d.lastAdmitted {
		if now.Sub(last) >= d.cfg.Cooldown {
			delete(d.lastAdmitted, key)
			pruned++
		}
	}
	return pruned, nil
}

func (d *Deduplicator) persist(ctx context.Context, alert *models.AlertEvent) error {
	attempts := max(d.cfg.PersistAttempts, 1)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.PersistBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := d.repo.Insert(ctx, alert)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		d.logger.Warn("Alert insert failed", "alertId", alert.ID, "attempt", attempt, "max", attempts, "error", err.Error())
		return err
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx))
}

// MarkRead flags the alert as read. Repeating it is a no-op.
func (d *Deduplicator) MarkRead(ctx context.Context, id string) (*models.AlertEvent, error) {
	alert, err := d.repo.MarkRead(ctx, id, d.now().UTC())
	return alert, wrapStoreErr("mark alert read", err)
}

// Acknowledge flags the alert as acknowledged and read. Repeating it is a no-op.
func (d *Deduplicator) Acknowledge(ctx context.Context, id string) (*models.AlertEvent, error) {
	alert, err := d.repo.Acknowledge(ctx, id, d.now().UTC())
	return alert, wrapStoreErr("acknowledge alert", err)
}

func wrapStoreErr(op string, err error) error {
	if err == nil || errors.Is(err, models.ErrNotFound) {
		return err
	}
	return &models.StoreUnavailableError{Op: op, Err: err}
}
