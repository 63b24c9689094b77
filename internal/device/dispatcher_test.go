package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vista/internal/domain"
)

func TestDispatchByVerb(t *testing.T) {
	sim := NewSimulator()
	d := NewDispatcher(sim.Collaborators(), nil)

	for _, action := range []string{"notify_low_battery", "warn_obstacle", "guide_crossing", "describe_room", "detect_objects"} {
		require.NoError(t, d.Run(context.Background(), domain.TaskStep{ID: "s", Action: action}), action)
	}
	assert.Equal(t, []string{"synthesize", "haptic", "haptic", "haptic", "analyze", "synthesize", "detect"}, sim.Calls())
	assert.Less(t, sim.Battery(), 100.0)
}

func TestUnsupportedAction(t *testing.T) {
	d := NewDispatcher(Collaborators{}, nil)
	err := d.Run(context.Background(), domain.TaskStep{Action: "teleport"})
	var ua *UnsupportedActionError
	require.ErrorAs(t, err, &ua)
	assert.Equal(t, "teleport", ua.Action)

	err = d.Run(context.Background(), domain.TaskStep{Action: "notify_user"})
	require.ErrorAs(t, err, &ua)
	assert.Equal(t, "no speech channel", ua.Reason)
	assert.False(t, d.Supports("teleport"))
	assert.True(t, d.Supports("notify_user"))
}

func TestRegisterExactOverridesVerb(t *testing.T) {
	d := NewDispatcher(Collaborators{}, nil)
	called := false
	d.Register("notify_user", func(context.Context, domain.TaskStep) error {
		called = true
		return nil
	})
	require.NoError(t, d.Run(context.Background(), domain.TaskStep{Action: "notify_user"}))
	assert.True(t, called)
}

func TestWaitHonoursCancellation(t *testing.T) {
	d := NewDispatcher(Collaborators{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := d.Run(ctx, domain.TaskStep{Action: "wait", Parameters: map[string]any{"seconds": 10.0}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSimulatorFailure(t *testing.T) {
	sim := NewSimulator()
	boom := errors.New("speaker unplugged")
	sim.FailOn("synthesize", boom)
	d := NewDispatcher(sim.Collaborators(), nil)
	err := d.Run(context.Background(), domain.TaskStep{Action: "speak"})
	assert.ErrorIs(t, err, boom)

	sim.FailOn("synthesize", nil)
	assert.NoError(t, d.Run(context.Background(), domain.TaskStep{Action: "speak"}))
}

func TestSimulatorReadings(t *testing.T) {
	sim := NewSimulator()
	sim.SetBattery(42)
	readings, err := sim.CollectReadings(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, SensorBattery, readings[0].Sensor)
	assert.InDelta(t, 42, readings[0].Value, 1e-9)
}
