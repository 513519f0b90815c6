package streamstatus

import (
	"fmt"
	"sync"
	"time"

	"github.com/clearmeet/conference-client/pkg/config"
	"github.com/clearmeet/conference-client/pkg/logger"
	"github.com/clearmeet/conference-client/pkg/utils"
)

type Status int

const (
	StatusActive Status = iota
	StatusInactive
	StatusInterrupted
	StatusRestoring
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusInterrupted:
		return "interrupted"
	case StatusRestoring:
		return "restoring"
	default:
		return fmt.Sprintf("unknown: %d", int(s))
	}
}

type Mode int

const (
	// media arrives through the relay; the forwarded set applies
	ModeRelay Mode = iota
	// media arrives point-to-point; no forwarded set exists
	ModeDirect
)

type TrackerParams struct {
	SourceName      string
	Config          config.StreamingStatusConfig
	Logger          logger.Logger
	OnStatusChanged func(sourceName string, status Status)
}

// Tracker derives one remote track's coarse streaming health from mute,
// forwarded-set and freeze signals. All inputs funnel through recompute so
// the decision table lives in one place.
type Tracker struct {
	params TrackerParams

	lock   sync.Mutex
	mode   Mode
	status Status

	inForwardedSet      bool
	everInForwardedSet  bool
	deliberatelyDropped bool
	signalingMuted      bool
	frozen              bool

	// set while (re)entry into the forwarded set awaits confirmed flow
	pendingConfirm    bool
	restoringTimedOut bool
	rtcMuted          bool
	rtcMuteTimedOut   bool
	rtcMutedAt        time.Time
	enteredSetAt      time.Time

	restoringTimer *utils.CancelableTimer
	rtcMuteTimer   *utils.CancelableTimer
	isClosed       bool
}

func NewTracker(params TrackerParams) *Tracker {
	t := &Tracker{
		params:         params,
		status:         StatusRestoring,
		pendingConfirm: true,
		restoringTimer: utils.NewCancelableTimer(),
		rtcMuteTimer:   utils.NewCancelableTimer(),
	}
	// the initial restoring state is bounded too: a source that never
	// starts flowing settles as inactive instead of restoring forever
	t.restoringTimer.Arm(params.Config.RestoringTimeout, func() {
		t.lock.Lock()
		t.restoringTimedOut = true
		t.lock.Unlock()
		t.recompute()
	})
	return t
}

func (t *Tracker) Status() Status {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.status
}

// SetMode switches between the relay and direct decision tables when the
// active session changes.
func (t *Tracker) SetMode(mode Mode) {
	t.lock.Lock()
	t.mode = mode
	t.lock.Unlock()
	t.recompute()
}

// OnRtcMuted reports a transport-level media stall. The status does not
// flip immediately: a mute signaled shortly after must not be misread as an
// interruption, so a timeout runs first. Out of the forwarded set freezes
// are expected faster, hence the shorter window there.
func (t *Tracker) OnRtcMuted() {
	t.lock.Lock()
	if t.isClosed {
		t.lock.Unlock()
		return
	}
	t.rtcMuted = true
	t.rtcMutedAt = time.Now()
	timeout := t.params.Config.RtcMuteTimeout
	if !t.inForwardedSet {
		timeout = t.params.Config.OutOfForwardedSetRtcMuteTimeout
	}
	t.lock.Unlock()

	t.rtcMuteTimer.Arm(timeout, func() {
		t.lock.Lock()
		t.rtcMuteTimedOut = true
		t.lock.Unlock()
		t.recompute()
	})
}

// OnRtcUnmuted reports media flowing again; it also confirms a pending
// forwarded-set restore.
func (t *Tracker) OnRtcUnmuted() {
	t.rtcMuteTimer.Cancel()
	t.restoringTimer.Cancel()
	t.lock.Lock()
	t.rtcMuted = false
	t.rtcMuteTimedOut = false
	t.pendingConfirm = false
	t.restoringTimedOut = false
	t.frozen = false
	t.lock.Unlock()
	t.recompute()
}

func (t *Tracker) OnSignalingMuteChanged(muted bool) {
	t.lock.Lock()
	t.signalingMuted = muted
	t.lock.Unlock()
	t.recompute()
}

// OnVideoTypeChanged re-evaluates after a camera/desktop switch; the new
// source is expected to restart flowing shortly.
func (t *Tracker) OnVideoTypeChanged() {
	t.lock.Lock()
	t.frozen = false
	t.lock.Unlock()
	t.recompute()
}

// SetFrozen feeds the best-effort frozen-video probe.
func (t *Tracker) SetFrozen(frozen bool) {
	t.lock.Lock()
	t.frozen = frozen
	t.lock.Unlock()
	t.recompute()
}

// OnForwardedSetChanged tracks membership in the relay's forwarded set.
// deliberate marks an exclusion the relay announced (e.g. lastN) as opposed
// to a source that simply went missing.
func (t *Tracker) OnForwardedSetChanged(in bool, deliberate bool) {
	t.lock.Lock()
	if t.isClosed {
		t.lock.Unlock()
		return
	}
	wasIn := t.inForwardedSet
	t.inForwardedSet = in
	t.deliberatelyDropped = !in && deliberate
	window := t.params.Config.RestoringTimeout
	if in {
		t.everInForwardedSet = true
		t.enteredSetAt = time.Now()
		t.restoringTimedOut = false
		t.pendingConfirm = true
	}
	t.lock.Unlock()

	if in {
		// flow must be confirmed within the window or the restore is
		// reported as an interruption
		t.restoringTimer.Arm(window, func() {
			t.lock.Lock()
			t.restoringTimedOut = true
			t.lock.Unlock()
			t.recompute()
		})
	} else if wasIn && !deliberate {
		t.restoringTimer.Arm(window, func() {
			t.lock.Lock()
			t.restoringTimedOut = true
			t.lock.Unlock()
			t.recompute()
		})
	}
	t.recompute()
}

func (t *Tracker) Close() {
	t.lock.Lock()
	t.isClosed = true
	t.lock.Unlock()
	t.restoringTimer.Cancel()
	t.rtcMuteTimer.Cancel()
}

func (t *Tracker) recompute() {
	t.lock.Lock()
	if t.isClosed {
		t.lock.Unlock()
		return
	}
	next := t.derive()
	changed := next != t.status
	if changed {
		t.status = next
	}
	onChanged := t.params.OnStatusChanged
	t.lock.Unlock()

	if changed {
		t.params.Logger.Debugw("streaming status changed",
			"source", t.params.SourceName, "status", next.String())
		if onChanged != nil {
			onChanged(t.params.SourceName, next)
		}
	}
}

// derive is the decision table. Caller holds the lock.
func (t *Tracker) derive() Status {
	if t.mode == ModeDirect {
		if !t.signalingMuted && (t.frozen || t.rtcMuteTimedOut) {
			return StatusInterrupted
		}
		return StatusActive
	}

	if t.signalingMuted {
		return StatusInactive
	}
	if !t.inForwardedSet {
		if t.deliberatelyDropped || !t.everInForwardedSet {
			return StatusInactive
		}
		if t.restoringTimedOut {
			return StatusInterrupted
		}
		// grace period after an unexpected drop; the restoring timer
		// decides if it becomes an interruption
		return t.status
	}
	if t.pendingConfirm {
		if t.restoringTimedOut {
			return StatusInterrupted
		}
		return StatusRestoring
	}
	if t.frozen || t.rtcMuteTimedOut {
		return StatusInterrupted
	}
	return StatusActive
}
