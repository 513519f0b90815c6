package streamstatus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clearmeet/conference-client/pkg/config"
	"github.com/clearmeet/conference-client/pkg/logger"
)

type statusRecorder struct {
	mu      sync.Mutex
	history []Status
}

func (r *statusRecorder) record(_ string, status Status) {
	r.mu.Lock()
	r.history = append(r.history, status)
	r.mu.Unlock()
}

func (r *statusRecorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.history))
	copy(out, r.history)
	return out
}

func testTracker(t *testing.T, rec *statusRecorder) *Tracker {
	t.Helper()
	tracker := NewTracker(TrackerParams{
		SourceName: "alice-v0",
		Config: config.StreamingStatusConfig{
			RestoringTimeout:                50 * time.Millisecond,
			RtcMuteTimeout:                  50 * time.Millisecond,
			OutOfForwardedSetRtcMuteTimeout: 10 * time.Millisecond,
		},
		Logger:          logger.GetLogger(),
		OnStatusChanged: rec.record,
	})
	t.Cleanup(tracker.Close)
	return tracker
}

func TestTrackerStartsRestoring(t *testing.T) {
	tracker := testTracker(t, &statusRecorder{})
	require.Equal(t, StatusRestoring, tracker.Status())
}

func TestTrackerInitialRestoringIsBounded(t *testing.T) {
	rec := &statusRecorder{}
	tracker := testTracker(t, rec)
	require.Equal(t, StatusRestoring, tracker.Status())

	// no forwarded-set signal at all: the tracker settles on its own
	require.Eventually(t, func() bool {
		return tracker.Status() == StatusInactive
	}, time.Second, 5*time.Millisecond)
}

func TestTrackerNeverForwardedIsInactive(t *testing.T) {
	rec := &statusRecorder{}
	tracker := testTracker(t, rec)

	tracker.OnForwardedSetChanged(false, false)
	require.Equal(t, StatusInactive, tracker.Status())
}

func TestTrackerForwardedThenFlowing(t *testing.T) {
	rec := &statusRecorder{}
	tracker := testTracker(t, rec)

	tracker.OnForwardedSetChanged(true, false)
	require.Equal(t, StatusRestoring, tracker.Status())

	tracker.OnRtcUnmuted()
	require.Equal(t, StatusActive, tracker.Status())
}

func TestTrackerRestoreTimesOutToInterrupted(t *testing.T) {
	rec := &statusRecorder{}
	tracker := testTracker(t, rec)

	tracker.OnForwardedSetChanged(true, false)
	require.Equal(t, StatusRestoring, tracker.Status())

	require.Eventually(t, func() bool {
		return tracker.Status() == StatusInterrupted
	}, time.Second, 5*time.Millisecond)
}

func TestTrackerDropAndQuickReturnSkipsInterrupted(t *testing.T) {
	rec := &statusRecorder{}
	tracker := testTracker(t, rec)

	tracker.OnForwardedSetChanged(true, false)
	tracker.OnRtcUnmuted()
	require.Equal(t, StatusActive, tracker.Status())

	// unexpected drop: previous status is retained during the grace window
	tracker.OnForwardedSetChanged(false, false)
	require.Equal(t, StatusActive, tracker.Status())

	tracker.OnForwardedSetChanged(true, false)
	require.Equal(t, StatusRestoring, tracker.Status())

	tracker.OnRtcUnmuted()
	require.Equal(t, StatusActive, tracker.Status())

	for _, status := range rec.snapshot() {
		require.NotEqual(t, StatusInterrupted, status)
	}
}

func TestTrackerUnexpectedDropTimesOut(t *testing.T) {
	rec := &statusRecorder{}
	tracker := testTracker(t, rec)

	tracker.OnForwardedSetChanged(true, false)
	tracker.OnRtcUnmuted()

	tracker.OnForwardedSetChanged(false, false)
	require.Eventually(t, func() bool {
		return tracker.Status() == StatusInterrupted
	}, time.Second, 5*time.Millisecond)
}

func TestTrackerDeliberateDropIsInactive(t *testing.T) {
	rec := &statusRecorder{}
	tracker := testTracker(t, rec)

	tracker.OnForwardedSetChanged(true, false)
	tracker.OnRtcUnmuted()

	// lastN pushed the source out; that is not an interruption
	tracker.OnForwardedSetChanged(false, true)
	require.Equal(t, StatusInactive, tracker.Status())
}

func TestTrackerSignalingMuteWins(t *testing.T) {
	rec := &statusRecorder{}
	tracker := testTracker(t, rec)

	tracker.OnForwardedSetChanged(true, false)
	tracker.OnRtcUnmuted()
	tracker.OnSignalingMuteChanged(true)
	require.Equal(t, StatusInactive, tracker.Status())

	tracker.OnSignalingMuteChanged(false)
	require.Equal(t, StatusActive, tracker.Status())
}

func TestTrackerRtcMuteNeedsTimeout(t *testing.T) {
	rec := &statusRecorder{}
	tracker := testTracker(t, rec)

	tracker.OnForwardedSetChanged(true, false)
	tracker.OnRtcUnmuted()

	tracker.OnRtcMuted()
	require.Equal(t, StatusActive, tracker.Status())

	require.Eventually(t, func() bool {
		return tracker.Status() == StatusInterrupted
	}, time.Second, 5*time.Millisecond)

	tracker.OnRtcUnmuted()
	require.Equal(t, StatusActive, tracker.Status())
}

func TestTrackerRtcMuteCancelledBeforeTimeout(t *testing.T) {
	rec := &statusRecorder{}
	tracker := testTracker(t, rec)

	tracker.OnForwardedSetChanged(true, false)
	tracker.OnRtcUnmuted()

	tracker.OnRtcMuted()
	tracker.OnRtcUnmuted()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, StatusActive, tracker.Status())
}

func TestTrackerFrozenVideo(t *testing.T) {
	rec := &statusRecorder{}
	tracker := testTracker(t, rec)

	tracker.OnForwardedSetChanged(true, false)
	tracker.OnRtcUnmuted()

	tracker.SetFrozen(true)
	require.Equal(t, StatusInterrupted, tracker.Status())

	tracker.OnVideoTypeChanged()
	require.Equal(t, StatusActive, tracker.Status())
}

func TestTrackerDirectModeIgnoresForwardedSet(t *testing.T) {
	rec := &statusRecorder{}
	tracker := testTracker(t, rec)

	tracker.SetMode(ModeDirect)
	require.Equal(t, StatusActive, tracker.Status())

	// no forwarded set exists on a direct session
	tracker.OnForwardedSetChanged(false, false)
	require.Equal(t, StatusActive, tracker.Status())

	tracker.SetFrozen(true)
	require.Equal(t, StatusInterrupted, tracker.Status())

	tracker.SetFrozen(false)
	require.Equal(t, StatusActive, tracker.Status())
}

func TestTrackerCloseStopsCallbacks(t *testing.T) {
	rec := &statusRecorder{}
	tracker := testTracker(t, rec)
	tracker.Close()

	before := len(rec.snapshot())
	tracker.OnForwardedSetChanged(true, false)
	tracker.OnSignalingMuteChanged(true)
	require.Len(t, rec.snapshot(), before)
}
