// Package supervisor implements the Gateway Pool Supervisor: it spawns
// and monitors N Worker processes, tracks each one's state machine,
// routes incoming chat requests to a healthy Worker by reverse-proxying
// to its port, and exposes the model-list cache, event bus, and
// Prometheus metrics the pool shares. The pool is a map built once at
// startup and looked up per request, the same shape as a provider
// registry, except its entries are live Worker processes instead of
// client handles.
package supervisor

import (
	"sync"
	"time"
)

// State is one Worker's position in the transition table below.
//
//	Init ──(bound & heartbeat seen)→ Ready → Idle
//	Idle ──(request assigned)→ BusyStreaming | BusyBlocked
//	BusyStreaming | BusyBlocked ──(request done)→ Idle
//	any active state ──(HB stale > 10s)→ Unhealthy
//	Unhealthy ──(restart issued)→ Restarting → Init
//	any state ──(process exit observed)→ Dead
type State int

const (
	Init State = iota
	Ready
	Idle
	BusyStreaming
	BusyBlocked
	Degraded
	Unhealthy
	Restarting
	Dead
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Ready:
		return "ready"
	case Idle:
		return "idle"
	case BusyStreaming:
		return "busy_streaming"
	case BusyBlocked:
		return "busy_blocked"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	case Restarting:
		return "restarting"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// routable reports whether a Worker in this state may receive a new
// request — the routing candidate set {Idle, BusyStreaming,
// BusyBlocked}, favoring Idle.
func (s State) routable() bool {
	switch s {
	case Idle, BusyStreaming, BusyBlocked:
		return true
	default:
		return false
	}
}

// active reports whether this state is one the heartbeat-staleness rule
// applies to ("any active state ── HB stale > 10s → Unhealthy").
func (s State) active() bool {
	switch s {
	case Ready, Idle, BusyStreaming, BusyBlocked, Degraded:
		return true
	default:
		return false
	}
}

// Descriptor is one Worker's supervisor-side bookkeeping entity. Once
// Dead, a descriptor is never reused — a replacement gets a new id.
type Descriptor struct {
	mu sync.Mutex

	ID   string
	Port int
	PID  int

	state             State
	lastHeartbeatAt   time.Time
	inFlight          int
	lastStateChangeAt time.Time

	onStateChange func(d *Descriptor, from, to State)
}

func NewDescriptor(id string, port int) *Descriptor {
	return &Descriptor{
		ID:                id,
		Port:              port,
		state:             Init,
		lastStateChangeAt: time.Now(),
	}
}

// OnStateChange registers a callback invoked after every transition —
// the Supervisor wires this to publish on the event bus and bump the
// state_changes_total counter.
func (d *Descriptor) OnStateChange(fn func(d *Descriptor, from, to State)) {
	d.mu.Lock()
	d.onStateChange = fn
	d.mu.Unlock()
}

func (d *Descriptor) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Descriptor) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

func (d *Descriptor) LastHeartbeatAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHeartbeatAt
}

// transition moves to `to` unconditionally and fires the callback
// outside the lock. Internal helper; exported verbs below encode the
// spec's actual transition guards so callers can't reach an invalid
// state directly.
func (d *Descriptor) transition(to State) {
	d.mu.Lock()
	from := d.state
	if from == to {
		d.mu.Unlock()
		return
	}
	d.state = to
	d.lastStateChangeAt = time.Now()
	cb := d.onStateChange
	d.mu.Unlock()

	if cb != nil {
		cb(d, from, to)
	}
}

// MarkBoundAndHeartbeating fires "Init → Ready" once the child has
// bound its port and the first heartbeat file write has been observed.
func (d *Descriptor) MarkBoundAndHeartbeating() {
	d.mu.Lock()
	ok := d.state == Init
	d.mu.Unlock()
	if ok {
		d.transition(Ready)
		d.transition(Idle)
	}
}

// RecordHeartbeat updates the last-seen heartbeat timestamp and changes
// no state; a fresh heartbeat does not move an Unhealthy Worker back to
// Idle.
func (d *Descriptor) RecordHeartbeat(at time.Time) {
	d.mu.Lock()
	d.lastHeartbeatAt = at
	d.mu.Unlock()
}

// AssignRequest transitions Idle → BusyStreaming|BusyBlocked and bumps
// the in-flight counter. A Worker that is already busy also accepts the
// request; returns false only if the Worker isn't routable.
func (d *Descriptor) AssignRequest(streaming bool) bool {
	d.mu.Lock()
	if d.state != Idle && !d.state.routable() {
		d.mu.Unlock()
		return false
	}
	d.inFlight++
	d.mu.Unlock()

	if streaming {
		d.transition(BusyStreaming)
	} else {
		d.transition(BusyBlocked)
	}
	return true
}

// CompleteRequest decrements in-flight and, once it reaches zero,
// transitions back to Idle — unless the Worker has already moved on to
// Unhealthy/Restarting/Dead, in which case the state is left alone.
func (d *Descriptor) CompleteRequest() {
	d.mu.Lock()
	if d.inFlight > 0 {
		d.inFlight--
	}
	remaining := d.inFlight
	cur := d.state
	d.mu.Unlock()

	if remaining == 0 && (cur == BusyStreaming || cur == BusyBlocked) {
		d.transition(Idle)
	}
}

// MarkUnhealthy fires the heartbeat-stale transition from any active
// state. A Worker that is BusyStreaming keeps its current stream
// running to completion/deadline — marking it Unhealthy only stops new
// routing to it, which RoutableNow reflects once the state leaves the
// routable set.
func (d *Descriptor) MarkUnhealthy() {
	d.mu.Lock()
	isActive := d.state.active()
	d.mu.Unlock()
	if isActive {
		d.transition(Unhealthy)
	}
}

// MarkRestarting fires Unhealthy → Restarting, issued by the Supervisor
// once it decides to replace this Worker.
func (d *Descriptor) MarkRestarting() {
	d.mu.Lock()
	ok := d.state == Unhealthy
	d.mu.Unlock()
	if ok {
		d.transition(Restarting)
	}
}

// MarkReinitializing fires Restarting → Init once a replacement process
// has been spawned under the same descriptor (used only for in-place
// restart bookkeeping before a fresh Descriptor takes over entirely).
func (d *Descriptor) MarkReinitializing() {
	d.mu.Lock()
	ok := d.state == Restarting
	d.mu.Unlock()
	if ok {
		d.transition(Init)
	}
}

// MarkDead fires from any state once the child process's exit has been
// observed. Per the invariant, a Dead descriptor is terminal — no
// further transition methods on this type may be called after this.
func (d *Descriptor) MarkDead() {
	d.transition(Dead)
}

// RoutableNow reports whether new requests may be assigned right now —
// Idle, or BusyStreaming/BusyBlocked as long as the Worker hasn't since
// gone Unhealthy.
func (d *Descriptor) RoutableNow() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.routable()
}
