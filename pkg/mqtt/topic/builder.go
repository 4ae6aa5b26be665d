package topic

import (
	"fmt"
	"strings"
)

// Topic segments shared by the server and devices.
const (
	// SuffixCommand carries commands to a vehicle: {root}/command/{vehicleID}
	SuffixCommand = "command"

	// SuffixCommandAck carries device acknowledgements: {root}/command/ack/{vehicleID}
	SuffixCommandAck = "command/ack"

	// SuffixTelemetry carries raw reports: {root}/telemetry/{vehicleID}
	SuffixTelemetry = "telemetry"

	Wildcard = "+"
)

type TopicBuilder struct {
	root string
}

func NewTopicBuilder(root string) *TopicBuilder {
	return &TopicBuilder{root: strings.TrimSuffix(root, "/")}
}

func (b *TopicBuilder) Command(vehicleID string) string {
	return b.build(SuffixCommand, vehicleID)
}

func (b *TopicBuilder) CommandAck(vehicleID string) string {
	return b.build(SuffixCommandAck, vehicleID)
}

func (b *TopicBuilder) CommandAckWildcard() string {
	return b.build(SuffixCommandAck, Wildcard)
}

func (b *TopicBuilder) Telemetry(vehicleID string) string {
	return b.build(SuffixTelemetry, vehicleID)
}

func (b *TopicBuilder) TelemetryWildcard() string {
	return b.build(SuffixTelemetry, Wildcard)
}

// VehicleID extracts the trailing vehicle id from a topic built by b with
// the given suffix.
func (b *TopicBuilder) VehicleID(suffix, topic string) (string, bool) {
	prefix := fmt.Sprintf("%s/%s/", b.root, suffix)
	id, ok := strings.CutPrefix(topic, prefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Pattern: {root}/{suffix}/{identifier}
func (b *TopicBuilder) build(suffix, id string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, suffix, id)
}
