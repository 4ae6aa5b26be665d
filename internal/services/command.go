package services

import (
	"context"

	"vehicle-guard/internal/broadcast"
	"vehicle-guard/internal/commands"
	"vehicle-guard/internal/models"
	"vehicle-guard/pkg/log"
)

const defaultCommandHistory = 50

// CommandService submits remote commands and applies their outcomes: every
// status change is broadcast, and acknowledged lock, unlock and emergency
// stop commands update the vehicle's engine-lock flag.
type CommandService struct {
	dispatcher  *commands.Dispatcher
	telemetry   *TelemetryService
	broadcaster *broadcast.Broadcaster
	logger      log.Logger
}

func NewCommandService(dispatcher *commands.Dispatcher, telemetry *TelemetryService, broadcaster *broadcast.Broadcaster, logger log.Logger) *CommandService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &CommandService{
		dispatcher:  dispatcher,
		telemetry:   telemetry,
		broadcaster: broadcaster,
		logger:      logger.WithName("command-service"),
	}
	dispatcher.OnChange(s.onChange)
	return s
}

func (s *CommandService) Submit(ctx context.Context, vehicleID string, typ models.CommandType) (*models.Command, error) {
	return s.dispatcher.Submit(ctx, vehicleID, typ)
}

func (s *CommandService) Acknowledge(ctx context.Context, ack models.CommandAck) (*models.Command, error) {
	return s.dispatcher.Acknowledge(ctx, ack)
}

func (s *CommandService) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	return s.dispatcher.Get(ctx, id)
}

func (s *CommandService) GetHistory(ctx context.Context, vehicleID string, limit int64) ([]*models.Command, error) {
	if limit <= 0 {
		limit = defaultCommandHistory
	}
	cmds, err := s.dispatcher.History(ctx, vehicleID, limit)
	if err != nil {
		return nil, err
	}
	if cmds == nil {
		cmds = []*models.Command{}
	}
	return cmds, nil
}

func (s *CommandService) onChange(cmd *models.Command) {
	s.broadcaster.Publish(broadcast.CommandEvent(cmd))

	if cmd.Status != models.CommandAcknowledged {
		return
	}

	var locked bool
	switch cmd.Type {
	case models.CommandLockEngine, models.CommandEmergencyStop:
		locked = true
	case models.CommandUnlockEngine:
		locked = false
	default:
		return
	}

	if _, err := s.telemetry.SetEngineLock(context.Background(), cmd.VehicleID, locked, true); err != nil {
		s.logger.Error(err, "Failed to record engine lock alert", "commandId", cmd.ID, "vehicleId", cmd.VehicleID, "locked", locked)
	}
}
