package commands

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"vehicle-guard/internal/models"
)

const (
	// EventDispatch moves a command onto the device channel.
	EventDispatch = "dispatch"
	// EventUnreachable fails a command whose channel could not be reached.
	EventUnreachable = "unreachable"
	EventAck         = "ack"
	// EventReject records a device-side negative acknowledgement.
	EventReject = "reject"
	EventExpire = "expire"
)

// ReasonUnreachable is the response recorded on commands that never left the server.
const ReasonUnreachable = "unreachable"

// wrapEvent adapts an error-returning callback to the fsm.Callback shape.
func wrapEvent(fn func(ctx context.Context, e *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, e *fsm.Event) {
		if err := fn(ctx, e); err != nil {
			e.Err = err
		}
	}
}

type stateMachine struct {
	*fsm.FSM
	cmd *models.Command
	now func() time.Time
}

func newStateMachine(cmd *models.Command, now func() time.Time) *stateMachine {
	m := &stateMachine{cmd: cmd, now: now}

	pending := string(models.CommandPending)
	sent := string(models.CommandSent)

	events := fsm.Events{
		{Name: EventDispatch, Src: []string{pending}, Dst: sent},
		{Name: EventUnreachable, Src: []string{pending}, Dst: string(models.CommandFailed)},
		{Name: EventAck, Src: []string{sent}, Dst: string(models.CommandAcknowledged)},
		{Name: EventReject, Src: []string{sent}, Dst: string(models.CommandFailed)},
		{Name: EventExpire, Src: []string{sent}, Dst: string(models.CommandTimeout)},
	}

	callbacks := fsm.Callbacks{
		"enter_state":                                 wrapEvent(m.enterState),
		"enter_" + sent:                               wrapEvent(m.enterSent),
		"enter_" + string(models.CommandAcknowledged): wrapEvent(m.enterTerminal),
		"enter_" + string(models.CommandFailed):       wrapEvent(m.enterTerminal),
		"enter_" + string(models.CommandTimeout):      wrapEvent(m.enterTerminal),
	}

	m.FSM = fsm.NewFSM(string(cmd.Status), events, callbacks)
	return m
}

func (m *stateMachine) enterState(_ context.Context, e *fsm.Event) error {
	m.cmd.Status = models.CommandStatus(e.Dst)
	return nil
}

func (m *stateMachine) enterSent(_ context.Context, _ *fsm.Event) error {
	at := m.now().UTC()
	m.cmd.SentAt = &at
	return nil
}

// enterTerminal stamps the execution time and the response. The first event
// argument, when present, is the response text.
func (m *stateMachine) enterTerminal(_ context.Context, e *fsm.Event) error {
	at := m.now().UTC()
	m.cmd.ExecutedAt = &at

	switch e.Event {
	case EventUnreachable:
		m.cmd.Response = ReasonUnreachable
	case EventExpire:
		m.cmd.Response = models.ErrCommandTimeout.Error()
	}
	if len(e.Args) > 0 {
		if s, ok := e.Args[0].(string); ok && s != "" {
			m.cmd.Response = s
		}
	}
	return nil
}
