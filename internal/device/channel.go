// Package device connects vehicles over MQTT: commands go out on the command
// topic, acknowledgements and raw telemetry come back on their own topics.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vehicle-guard/internal/models"
	"vehicle-guard/pkg/log"
	"vehicle-guard/pkg/mqtt"
	"vehicle-guard/pkg/mqtt/topic"
)

// AckHandler receives decoded command acknowledgements.
type AckHandler func(ctx context.Context, ack models.CommandAck) error

// ReportHandler receives a raw telemetry payload published by vehicleID.
type ReportHandler func(ctx context.Context, vehicleID string, payload []byte) error

// CommandMessage is the payload published to a vehicle's command topic.
type CommandMessage struct {
	CommandID string             `json:"commandId"`
	VehicleID string             `json:"vehicleId"`
	Command   models.CommandType `json:"command"`
	IssuedAt  time.Time          `json:"issuedAt"`
}

type Channel struct {
	client mqtt.Client
	topics *topic.TopicBuilder
	qos    int
	logger log.Logger
}

func NewChannel(client mqtt.Client, topicRoot string, qos int, logger log.Logger) *Channel {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Channel{
		client: client,
		topics: topic.NewTopicBuilder(topicRoot),
		qos:    qos,
		logger: logger.WithName("device"),
	}
}

// Send publishes cmd to the vehicle. Any failure to hand the message to the
// broker means the vehicle is unreachable.
func (c *Channel) Send(ctx context.Context, cmd *models.Command) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("%w: broker not connected", models.ErrDispatchUnreachable)
	}

	payload, err := json.Marshal(CommandMessage{
		CommandID: cmd.ID,
		VehicleID: cmd.VehicleID,
		Command:   cmd.Type,
		IssuedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if err := c.client.Publish(ctx, c.topics.Command(cmd.VehicleID), c.qos, false, payload); err != nil {
		return fmt.Errorf("%w: %v", models.ErrDispatchUnreachable, err)
	}
	c.logger.Debug("Command published", "commandId", cmd.ID, "vehicleId", cmd.VehicleID)
	return nil
}

// Listen subscribes to acknowledgement and telemetry topics of every vehicle.
func (c *Channel) Listen(ctx context.Context, onAck AckHandler, onReport ReportHandler) error {
	if err := c.client.Subscribe(ctx, c.topics.CommandAckWildcard(), c.qos, c.ackHandler(onAck)); err != nil {
		return fmt.Errorf("subscribe to command acks: %w", err)
	}
	if err := c.client.Subscribe(ctx, c.topics.TelemetryWildcard(), c.qos, c.reportHandler(onReport)); err != nil {
		return fmt.Errorf("subscribe to telemetry: %w", err)
	}
	return nil
}

func (c *Channel) ackHandler(onAck AckHandler) mqtt.MessageHandler {
	return func(ctx context.Context, t string, payload []byte) {
		vehicleID, ok := c.topics.VehicleID(topic.SuffixCommandAck, t)
		if !ok {
			c.logger.Warn("Ignoring ack on unexpected topic", "topic", t)
			return
		}

		var ack models.CommandAck
		if err := json.Unmarshal(payload, &ack); err != nil || ack.CommandID == "" {
			c.logger.Warn("Malformed command ack", "vehicleId", vehicleID)
			return
		}
		if ack.VehicleID == "" {
			ack.VehicleID = vehicleID
		}

		if err := onAck(ctx, ack); err != nil {
			var vErr *models.ValidationError
			if errors.As(err, &vErr) || errors.Is(err, models.ErrNotFound) {
				c.logger.Warn("Command ack rejected", "commandId", ack.CommandID, "vehicleId", vehicleID, "error", err.Error())
				return
			}
			c.logger.Error(err, "Failed to apply command ack", "commandId", ack.CommandID, "vehicleId", vehicleID)
		}
	}
}

func (c *Channel) reportHandler(onReport ReportHandler) mqtt.MessageHandler {
	return func(ctx context.Context, t string, payload []byte) {
		vehicleID, ok := c.topics.VehicleID(topic.SuffixTelemetry, t)
		if !ok {
			c.logger.Warn("Ignoring telemetry on unexpected topic", "topic", t)
			return
		}

		if err := onReport(ctx, vehicleID, payload); err != nil {
			var vErr *models.ValidationError
			switch {
			case errors.Is(err, models.ErrStaleReading):
			case errors.As(err, &vErr):
				c.logger.Warn("Rejected MQTT telemetry", "vehicleId", vehicleID, "error", err.Error())
			default:
				c.logger.Error(err, "Failed to ingest MQTT telemetry", "vehicleId", vehicleID)
			}
		}
	}
}

func (c *Channel) Connected() bool {
	return c.client.IsConnected()
}
