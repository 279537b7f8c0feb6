package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDescriptorTransitionTable(t *testing.T) {
	d := NewDescriptor("w1", 9001)
	assert.Equal(t, Init, d.State())

	d.MarkBoundAndHeartbeating()
	assert.Equal(t, Idle, d.State())

	assert.True(t, d.AssignRequest(false))
	assert.Equal(t, BusyBlocked, d.State())
	assert.Equal(t, 1, d.InFlight())

	d.CompleteRequest()
	assert.Equal(t, Idle, d.State())
	assert.Equal(t, 0, d.InFlight())
}

func TestDescriptorStreamingAssignment(t *testing.T) {
	d := NewDescriptor("w1", 9001)
	d.MarkBoundAndHeartbeating()

	assert.True(t, d.AssignRequest(true))
	assert.Equal(t, BusyStreaming, d.State())

	d.CompleteRequest()
	assert.Equal(t, Idle, d.State())
}

func TestDescriptorMultipleInFlightOnlyIdlesAtZero(t *testing.T) {
	d := NewDescriptor("w1", 9001)
	d.MarkBoundAndHeartbeating()

	assert.True(t, d.AssignRequest(false))
	assert.True(t, d.AssignRequest(false), "a second request may land while the worker is already BusyBlocked")
	assert.Equal(t, 2, d.InFlight())

	d.CompleteRequest()
	assert.Equal(t, BusyBlocked, d.State(), "one remaining in-flight request must keep it busy")

	d.CompleteRequest()
	assert.Equal(t, Idle, d.State())
}

func TestDescriptorUnhealthyFromActiveState(t *testing.T) {
	d := NewDescriptor("w1", 9001)
	d.MarkBoundAndHeartbeating()
	d.MarkUnhealthy()
	assert.Equal(t, Unhealthy, d.State())
	assert.False(t, d.RoutableNow())
}

func TestDescriptorRestartCycle(t *testing.T) {
	d := NewDescriptor("w1", 9001)
	d.MarkBoundAndHeartbeating()
	d.MarkUnhealthy()
	d.MarkRestarting()
	assert.Equal(t, Restarting, d.State())
	d.MarkReinitializing()
	assert.Equal(t, Init, d.State())
}

func TestDescriptorDeadIsTerminalFromAnyState(t *testing.T) {
	d := NewDescriptor("w1", 9001)
	d.MarkDead()
	assert.Equal(t, Dead, d.State())
	assert.False(t, d.RoutableNow())
}

func TestDescriptorOnStateChangeFires(t *testing.T) {
	d := NewDescriptor("w1", 9001)
	var transitions [][2]State
	d.OnStateChange(func(d *Descriptor, from, to State) {
		transitions = append(transitions, [2]State{from, to})
	})

	d.MarkBoundAndHeartbeating()
	assert.Equal(t, Init, transitions[0][0])
	assert.Equal(t, Ready, transitions[0][1])
	assert.Equal(t, Ready, transitions[1][0])
	assert.Equal(t, Idle, transitions[1][1])
}

func TestDescriptorRecordHeartbeatTracksTimestamp(t *testing.T) {
	d := NewDescriptor("w1", 9001)
	now := time.Now()
	d.RecordHeartbeat(now)
	assert.WithinDuration(t, now, d.LastHeartbeatAt(), time.Millisecond)
}
