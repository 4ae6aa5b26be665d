package commands

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-guard/internal/models"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []*models.Command
	err  error
}

func (f *fakeChannel) Send(_ context.Context, cmd *models.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeChannel) types() []models.CommandType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.CommandType, 0, len(f.sent))
	for _, c := range f.sent {
		out = append(out, c.Type)
	}
	return out
}

func (f *fakeChannel) last() *models.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type statusLog struct {
	mu      sync.Mutex
	changes map[string][]models.CommandStatus
}

func newStatusLog(d *Dispatcher) *statusLog {
	l := &statusLog{changes: make(map[string][]models.CommandStatus)}
	d.OnChange(func(cmd *models.Command) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.changes[cmd.ID] = append(l.changes[cmd.ID], cmd.Status)
	})
	return l
}

func (l *statusLog) of(id string) []models.CommandStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.CommandStatus(nil), l.changes[id]...)
}

func newTestDispatcher(ch DeviceChannel, ackTimeout time.Duration) (*Dispatcher, *MemoryRepository) {
	repo := NewMemoryRepository()
	d := NewDispatcher(Config{AckTimeout: ackTimeout, SendTimeout: time.Second}, ch, repo, nil)
	return d, repo
}

// gatedChannel holds every send until release is closed.
type gatedChannel struct {
	fakeChannel
	started chan string
	release chan struct{}
}

func newGatedChannel() *gatedChannel {
	return &gatedChannel{started: make(chan string, 16), release: make(chan struct{})}
}

func (g *gatedChannel) Send(ctx context.Context, cmd *models.Command) error {
	g.started <- cmd.ID
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.fakeChannel.Send(ctx, cmd)
}

// waitStatus waits until the command reaches want and returns it.
func waitStatus(t *testing.T, d *Dispatcher, id string, want models.CommandStatus) *models.Command {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		cmd, err := d.Get(ctx, id)
		return err == nil && cmd.Status == want
	}, time.Second, time.Millisecond, "command %s never reached %s", id, want)

	cmd, err := d.Get(ctx, id)
	require.NoError(t, err)
	return cmd
}

func ack(id string, ok bool) models.CommandAck {
	return models.CommandAck{CommandID: id, Success: ok, Response: "done"}
}

func TestSubmit_DispatchesAndAcknowledges(t *testing.T) {
	ch := &fakeChannel{}
	d, repo := newTestDispatcher(ch, time.Minute)
	defer d.Stop()
	log := newStatusLog(d)
	ctx := context.Background()

	cmd, err := d.Submit(ctx, "V1", models.CommandLockEngine)
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, models.CommandPending, cmd.Status)

	current := waitStatus(t, d, cmd.ID, models.CommandSent)
	assert.NotNil(t, current.SentAt)

	done, err := d.Acknowledge(ctx, ack(cmd.ID, true))
	require.NoError(t, err)
	assert.Equal(t, models.CommandAcknowledged, done.Status)
	assert.Equal(t, "done", done.Response)
	assert.NotNil(t, done.ExecutedAt)

	stored, err := repo.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandAcknowledged, stored.Status)

	assert.Equal(t, []models.CommandStatus{models.CommandPending, models.CommandSent, models.CommandAcknowledged}, log.of(cmd.ID))
}

func TestSubmit_PreservesPerVehicleOrder(t *testing.T) {
	ch := &fakeChannel{}
	d, _ := newTestDispatcher(ch, time.Minute)
	defer d.Stop()
	ctx := context.Background()

	var ids []string
	for _, typ := range []models.CommandType{models.CommandLockEngine, models.CommandHorn, models.CommandUnlockEngine} {
		cmd, err := d.Submit(ctx, "V1", typ)
		require.NoError(t, err)
		ids = append(ids, cmd.ID)
	}

	// Only the first is on the wire until it finishes.
	waitStatus(t, d, ids[0], models.CommandSent)
	assert.Equal(t, []models.CommandType{models.CommandLockEngine}, ch.types())

	for i, id := range ids {
		got, err := d.Get(ctx, id)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, models.CommandSent, got.Status)
		} else {
			assert.Equal(t, models.CommandPending, got.Status)
		}
	}

	for _, id := range ids {
		waitStatus(t, d, id, models.CommandSent)
		require.Equal(t, id, ch.last().ID)
		_, err := d.Acknowledge(ctx, ack(id, true))
		require.NoError(t, err)
	}

	assert.Equal(t, []models.CommandType{
		models.CommandLockEngine,
		models.CommandHorn,
		models.CommandUnlockEngine,
	}, ch.types())
}

func TestSubmit_VehiclesAreIndependent(t *testing.T) {
	ch := &fakeChannel{}
	d, _ := newTestDispatcher(ch, time.Minute)
	defer d.Stop()
	ctx := context.Background()

	_, err := d.Submit(ctx, "V1", models.CommandLockEngine)
	require.NoError(t, err)
	_, err = d.Submit(ctx, "V2", models.CommandHorn)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(ch.types()) == 2 }, time.Second, time.Millisecond)
}

func TestSubmit_UnreachableFailsAndDrainsQueue(t *testing.T) {
	ch := &fakeChannel{err: models.ErrDispatchUnreachable}
	d, _ := newTestDispatcher(ch, time.Minute)
	defer d.Stop()
	log := newStatusLog(d)
	ctx := context.Background()

	first, err := d.Submit(ctx, "V1", models.CommandLockEngine)
	require.NoError(t, err)
	second, err := d.Submit(ctx, "V1", models.CommandHorn)
	require.NoError(t, err)

	for _, id := range []string{first.ID, second.ID} {
		got := waitStatus(t, d, id, models.CommandFailed)
		assert.Equal(t, ReasonUnreachable, got.Response)
		assert.Equal(t, []models.CommandStatus{models.CommandPending, models.CommandFailed}, log.of(id))
	}
}

func TestSubmit_DoesNotWaitForDevice(t *testing.T) {
	ch := newGatedChannel()
	d := NewDispatcher(Config{AckTimeout: time.Minute, SendTimeout: 5 * time.Second}, ch, NewMemoryRepository(), nil)
	defer d.Stop()
	ctx := context.Background()

	start := time.Now()
	var ids []string
	for _, typ := range []models.CommandType{models.CommandLockEngine, models.CommandHorn, models.CommandUnlockEngine} {
		cmd, err := d.Submit(ctx, "V1", typ)
		require.NoError(t, err)
		assert.Equal(t, models.CommandPending, cmd.Status)
		ids = append(ids, cmd.ID)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	select {
	case id := <-ch.started:
		assert.Equal(t, ids[0], id)
	case <-time.After(time.Second):
		t.Fatal("first command was never handed to the channel")
	}

	// Reads and acks for the vehicle are not held up by the send.
	got, err := d.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.CommandPending, got.Status)

	_, err = d.Acknowledge(ctx, ack(ids[1], true))
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)

	close(ch.release)
	for _, id := range ids {
		waitStatus(t, d, id, models.CommandSent)
		_, err := d.Acknowledge(ctx, ack(id, true))
		require.NoError(t, err)
	}

	assert.Equal(t, []models.CommandType{
		models.CommandLockEngine,
		models.CommandHorn,
		models.CommandUnlockEngine,
	}, ch.types())
}

func TestAcknowledge_BeforeSendReturns(t *testing.T) {
	ch := newGatedChannel()
	d := NewDispatcher(Config{AckTimeout: 30 * time.Millisecond, SendTimeout: 5 * time.Second}, ch, NewMemoryRepository(), nil)
	defer d.Stop()
	log := newStatusLog(d)
	ctx := context.Background()

	cmd, err := d.Submit(ctx, "V1", models.CommandLockEngine)
	require.NoError(t, err)
	select {
	case <-ch.started:
	case <-time.After(time.Second):
		t.Fatal("command was never handed to the channel")
	}

	held, err := d.Acknowledge(ctx, models.CommandAck{CommandID: cmd.ID, Success: true, Response: "locked"})
	require.NoError(t, err)
	assert.Equal(t, models.CommandPending, held.Status)

	close(ch.release)
	done := waitStatus(t, d, cmd.ID, models.CommandAcknowledged)
	assert.Equal(t, "locked", done.Response)

	// No ack timer is left behind to time the command out.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []models.CommandStatus{models.CommandPending, models.CommandSent, models.CommandAcknowledged}, log.of(cmd.ID))
}

func TestSubmit_NoChannel(t *testing.T) {
	d, _ := newTestDispatcher(nil, time.Minute)
	defer d.Stop()

	cmd, err := d.Submit(context.Background(), "V1", models.CommandGetStatus)
	require.NoError(t, err)

	got := waitStatus(t, d, cmd.ID, models.CommandFailed)
	assert.Equal(t, ReasonUnreachable, got.Response)
}

func TestSubmit_TimesOutExactlyOnce(t *testing.T) {
	ch := &fakeChannel{}
	d, _ := newTestDispatcher(ch, 20*time.Millisecond)
	defer d.Stop()
	log := newStatusLog(d)
	ctx := context.Background()

	cmd, err := d.Submit(ctx, "V1", models.CommandHorn)
	require.NoError(t, err)
	next, err := d.Submit(ctx, "V1", models.CommandLights)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := d.Get(ctx, cmd.ID)
		return err == nil && got.Status == models.CommandTimeout
	}, time.Second, 5*time.Millisecond)

	// A late ack does not revive a timed-out command.
	late, err := d.Acknowledge(ctx, ack(cmd.ID, true))
	require.NoError(t, err)
	assert.Equal(t, models.CommandTimeout, late.Status)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []models.CommandStatus{models.CommandPending, models.CommandSent, models.CommandTimeout}, log.of(cmd.ID))

	// The queued command went out once the first one timed out.
	got, err := d.Get(ctx, next.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.CommandPending, got.Status)
}

func TestAcknowledge_CancelsTimer(t *testing.T) {
	ch := &fakeChannel{}
	d, _ := newTestDispatcher(ch, 30*time.Millisecond)
	defer d.Stop()
	log := newStatusLog(d)
	ctx := context.Background()

	cmd, err := d.Submit(ctx, "V1", models.CommandLockEngine)
	require.NoError(t, err)
	waitStatus(t, d, cmd.ID, models.CommandSent)
	_, err = d.Acknowledge(ctx, ack(cmd.ID, true))
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	got, err := d.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandAcknowledged, got.Status)
	assert.Len(t, log.of(cmd.ID), 3)
}

func TestAcknowledge_NegativeAckFails(t *testing.T) {
	ch := &fakeChannel{}
	d, _ := newTestDispatcher(ch, time.Minute)
	defer d.Stop()
	ctx := context.Background()

	cmd, err := d.Submit(ctx, "V1", models.CommandEmergencyStop)
	require.NoError(t, err)
	waitStatus(t, d, cmd.ID, models.CommandSent)

	got, err := d.Acknowledge(ctx, models.CommandAck{CommandID: cmd.ID, Success: false, Response: "relay fault"})
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, got.Status)
	assert.Equal(t, "relay fault", got.Response)
}

func TestAcknowledge_Errors(t *testing.T) {
	ch := &fakeChannel{}
	d, _ := newTestDispatcher(ch, time.Minute)
	defer d.Stop()
	ctx := context.Background()

	_, err := d.Acknowledge(ctx, ack("missing", true))
	assert.ErrorIs(t, err, models.ErrNotFound)

	cmd, err := d.Submit(ctx, "V1", models.CommandHorn)
	require.NoError(t, err)

	_, err = d.Acknowledge(ctx, models.CommandAck{CommandID: cmd.ID, VehicleID: "V2", Success: true})
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "vehicleId", vErr.Field)
}

func TestSubmit_Validation(t *testing.T) {
	d, _ := newTestDispatcher(&fakeChannel{}, time.Minute)
	ctx := context.Background()

	_, err := d.Submit(ctx, "V1", models.CommandType("self_destruct"))
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "command", vErr.Field)

	_, err = d.Submit(ctx, "", models.CommandHorn)
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "vehicleId", vErr.Field)
}

type failingRepo struct{ *MemoryRepository }

func (failingRepo) Insert(context.Context, *models.Command) error { return errors.New("mongo down") }

func TestSubmit_StoreUnavailable(t *testing.T) {
	d := NewDispatcher(DefaultConfig(), &fakeChannel{}, failingRepo{NewMemoryRepository()}, nil)

	_, err := d.Submit(context.Background(), "V1", models.CommandHorn)
	assert.True(t, models.IsRetryable(err))
}

func TestHistory(t *testing.T) {
	d, _ := newTestDispatcher(&fakeChannel{}, time.Minute)
	defer d.Stop()
	ctx := context.Background()

	first, _ := d.Submit(ctx, "V1", models.CommandHorn)
	waitStatus(t, d, first.ID, models.CommandSent)
	_, _ = d.Acknowledge(ctx, ack(first.ID, true))
	second, _ := d.Submit(ctx, "V1", models.CommandLights)
	_, _ = d.Submit(ctx, "V2", models.CommandLights)

	history, err := d.History(ctx, "V1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, models.CommandAcknowledged, history[1].Status)
}
