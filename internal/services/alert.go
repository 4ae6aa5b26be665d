package services

import (
	"context"
	"errors"

	"vehicle-guard/internal/alerts"
	"vehicle-guard/internal/broadcast"
	"vehicle-guard/internal/models"
)

const defaultAlertLimit = 100

// AlertService answers alert queries and applies dashboard actions. Every
// read or acknowledge is broadcast so other sessions see the flags change.
type AlertService struct {
	dedup       *alerts.Deduplicator
	repo        alerts.Repository
	broadcaster *broadcast.Broadcaster
}

func NewAlertService(dedup *alerts.Deduplicator, repo alerts.Repository, broadcaster *broadcast.Broadcaster) *AlertService {
	return &AlertService{dedup: dedup, repo: repo, broadcaster: broadcaster}
}

// GetAlerts lists alerts newest first.
func (s *AlertService) GetAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.AlertEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultAlertLimit
	}
	list, err := s.repo.Find(ctx, filter)
	if err != nil {
		return nil, &models.StoreUnavailableError{Op: "find alerts", Err: err}
	}
	if list == nil {
		list = []*models.AlertEvent{}
	}
	return list, nil
}

func (s *AlertService) GetAlertByID(ctx context.Context, id string) (*models.AlertEvent, error) {
	alert, err := s.repo.Get(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, &models.StoreUnavailableError{Op: "get alert", Err: err}
	}
	return alert, err
}

func (s *AlertService) GetStatistics(ctx context.Context, vehicleIDs []string) (*models.AlertStatistics, error) {
	stats, err := s.repo.Stats(ctx, vehicleIDs)
	if err != nil {
		return nil, &models.StoreUnavailableError{Op: "alert statistics", Err: err}
	}
	return stats, nil
}

func (s *AlertService) MarkRead(ctx context.Context, id string) (*models.AlertEvent, error) {
	return s.publish(s.dedup.MarkRead(ctx, id))
}

func (s *AlertService) Acknowledge(ctx context.Context, id string) (*models.AlertEvent, error) {
	return s.publish(s.dedup.Acknowledge(ctx, id))
}

func (s *AlertService) publish(alert *models.AlertEvent, err error) (*models.AlertEvent, error) {
	if err != nil {
		return nil, err
	}
	s.broadcaster.Publish(broadcast.AlertEvent(alert))
	return alert, nil
}
