package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"vehicle-guard/internal/alerts"
	"vehicle-guard/internal/broadcast"
	"vehicle-guard/internal/ingest"
	"vehicle-guard/internal/metrics"
	"vehicle-guard/internal/models"
	"vehicle-guard/internal/rules"
	"vehicle-guard/internal/state"
	"vehicle-guard/pkg/log"
)

// Ingest sources, used as a metrics label.
const (
	SourceHTTP = "http"
	SourceMQTT = "mqtt"
)

// IngestResult describes what one report did to its vehicle.
type IngestResult struct {
	Accepted bool                 `json:"accepted"`
	State    *models.VehicleState `json:"state,omitempty"`
	Alerts   []*models.AlertEvent `json:"alerts,omitempty"`
}

// TelemetryService runs the reading pipeline: normalize, apply to state,
// evaluate rules, admit alerts and fan out. Everything after the state
// update happens inside the vehicle's serialized scope, so subscribers see
// one vehicle's snapshots and alerts in the order they were produced.
type TelemetryService struct {
	normalizer  *ingest.Normalizer
	store       *state.Store
	engine      *rules.Engine
	env         rules.Provider
	dedup       *alerts.Deduplicator
	broadcaster *broadcast.Broadcaster
	logger      log.Logger
}

func NewTelemetryService(
	normalizer *ingest.Normalizer,
	store *state.Store,
	engine *rules.Engine,
	env rules.Provider,
	dedup *alerts.Deduplicator,
	broadcaster *broadcast.Broadcaster,
	logger log.Logger,
) *TelemetryService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &TelemetryService{
		normalizer:  normalizer,
		store:       store,
		engine:      engine,
		env:         env,
		dedup:       dedup,
		broadcaster: broadcaster,
		logger:      logger.WithName("telemetry"),
	}
}

// Ingest validates raw and runs it through the pipeline.
func (s *TelemetryService) Ingest(ctx context.Context, raw ingest.RawReport, source string) (*IngestResult, error) {
	reading, err := s.normalizer.Normalize(raw)
	if err != nil {
		metrics.ReadingsTotal.WithLabelValues("invalid", source).Inc()
		return nil, err
	}
	return s.IngestReading(ctx, reading, source)
}

// IngestPayload decodes a JSON report published by vehicleID. A report that
// names a different vehicle is rejected.
func (s *TelemetryService) IngestPayload(ctx context.Context, vehicleID string, payload []byte, source string) (*IngestResult, error) {
	var raw ingest.RawReport
	if err := json.Unmarshal(payload, &raw); err != nil {
		metrics.ReadingsTotal.WithLabelValues("invalid", source).Inc()
		return nil, &models.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	if raw.VehicleID == "" {
		raw.VehicleID = vehicleID
	} else if raw.VehicleID != vehicleID {
		metrics.ReadingsTotal.WithLabelValues("invalid", source).Inc()
		return nil, &models.ValidationError{Field: "vehicleId", Reason: "does not match topic"}
	}
	return s.Ingest(ctx, raw, source)
}

// IngestReading applies an already normalized reading. A reading that loses
// the ordering check returns the unchanged state and models.ErrStaleReading.
func (s *TelemetryService) IngestReading(ctx context.Context, reading models.Reading, source string) (*IngestResult, error) {
	var admitted []*models.AlertEvent

	res, err := s.store.Apply(ctx, reading, s.fanOut(&admitted))
	if !res.Accepted {
		if err != nil {
			return nil, err
		}
		metrics.ReadingsTotal.WithLabelValues("stale", source).Inc()
		return &IngestResult{Accepted: false, State: res.Current}, models.ErrStaleReading
	}
	metrics.ReadingsTotal.WithLabelValues("accepted", source).Inc()

	out := &IngestResult{Accepted: true, State: res.Current, Alerts: admitted}
	if err != nil {
		// The snapshot stands; only alert persistence failed.
		return out, err
	}
	return out, nil
}

// SetEngineLock changes the vehicle's engine-lock flag and fans out the new
// snapshot. When withAlert is set an engine_lock or engine_unlock alert is
// admitted as well.
func (s *TelemetryService) SetEngineLock(ctx context.Context, vehicleID string, locked, withAlert bool) (*IngestResult, error) {
	var admitted []*models.AlertEvent

	hooks := []state.Hook{s.publishState}
	if withAlert {
		hooks = append(hooks, s.engineLockAlert(locked, &admitted))
	}

	res, err := s.store.SetEngineLock(ctx, vehicleID, locked, hooks...)
	if !res.Accepted {
		return nil, err
	}
	s.logger.Info("Engine lock changed", "vehicleId", vehicleID, "locked", locked, "sequence", res.Current.Sequence)
	return &IngestResult{Accepted: true, State: res.Current, Alerts: admitted}, err
}

// Latest returns the vehicle's current snapshot.
func (s *TelemetryService) Latest(ctx context.Context, vehicleID string) (*models.VehicleState, error) {
	return s.store.Latest(ctx, vehicleID)
}

// fanOut evaluates the rules on an accepted snapshot, publishes the snapshot
// and then every admitted alert.
func (s *TelemetryService) fanOut(admitted *[]*models.AlertEvent) state.Hook {
	return func(ctx context.Context, res state.ApplyResult) error {
		if err := s.publishState(ctx, res); err != nil {
			return err
		}

		env := s.env.Environment(ctx, res.Current.VehicleID)
		return s.admit(ctx, s.engine.Evaluate(res.Previous, res.Current, env), admitted)
	}
}

func (s *TelemetryService) publishState(_ context.Context, res state.ApplyResult) error {
	s.broadcaster.Publish(broadcast.StateEvent(res.Current))
	return nil
}

func (s *TelemetryService) engineLockAlert(locked bool, admitted *[]*models.AlertEvent) state.Hook {
	return func(ctx context.Context, res state.ApplyResult) error {
		typ, msg := models.AlertEngineUnlock, "Engine unlocked"
		if locked {
			typ, msg = models.AlertEngineLock, "Engine locked"
		}

		cand := models.CandidateAlert{
			VehicleID:  res.Current.VehicleID,
			Type:       typ,
			Severity:   typ.Severity(),
			Message:    msg,
			Location:   res.Current.Location(),
			DetectedAt: res.Current.UpdatedAt,
		}
		if r := res.Current.LastReading; r != nil {
			cand.Speed = r.Speed
		}
		return s.admit(ctx, []models.CandidateAlert{cand}, admitted)
	}
}

// admit runs each candidate through the deduplicator. A lost alert does not
// stop the remaining candidates.
func (s *TelemetryService) admit(ctx context.Context, cands []models.CandidateAlert, admitted *[]*models.AlertEvent) error {
	var errs []error
	for _, cand := range cands {
		alert, err := s.dedup.Admit(ctx, cand)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s alert for %s: %w", cand.Type, cand.VehicleID, err))
			continue
		}
		if alert == nil {
			continue
		}
		*admitted = append(*admitted, alert)
		s.broadcaster.Publish(broadcast.AlertEvent(alert))
	}
	return errors.Join(errs...)
}
