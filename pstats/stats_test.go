package pstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setClock(t *testing.T) *time.Time {
	t.Helper()

	cur := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return cur }
	t.Cleanup(func() { now = time.Now })
	return &cur
}

func TestSpeedWeighting(t *testing.T) {
	cur := setClock(t)
	t0 := *cur

	s := New()

	// 100 tps for nine minutes, then 10 tps for the final minute.
	var ck int64
	for sec := 0; sec <= 600; sec++ {
		*cur = t0.Add(time.Duration(sec) * time.Second)
		if sec > 0 && sec <= 540 {
			ck += 100
		} else if sec > 540 {
			ck += 10
		}
		s.TrackProgress("p1", ck)
	}

	speed, ok := s.GetSpeed("p1")
	require.True(t, ok)

	// The flat ten minute average is 91 tps. The weighted speed reflects
	// the recent slowdown without collapsing to the last sample.
	require.InDelta(t, 30.25, speed, 0.01)
	require.Greater(t, speed, 10.0)
	require.Less(t, speed, 100.0)
	require.Less(t, speed-10, 91-speed)
}

func TestSpeedInsufficientHistory(t *testing.T) {
	setClock(t)

	s := New()

	_, ok := s.GetSpeed("p1")
	require.False(t, ok)

	s.TrackProgress("p1", 1)
	_, ok = s.GetSpeed("p1")
	require.False(t, ok)
}

func TestSpeedWindowPruning(t *testing.T) {
	cur := setClock(t)
	t0 := *cur

	s := New()

	// Old fast samples fall out of the ten minute window entirely.
	s.TrackProgress("p1", 1000)
	*cur = t0.Add(time.Minute)
	s.TrackProgress("p1", 61000)

	*cur = t0.Add(20 * time.Minute)
	s.TrackProgress("p1", 61100)
	*cur = t0.Add(21 * time.Minute)
	s.TrackProgress("p1", 61160)

	speed, ok := s.GetSpeed("p1")
	require.True(t, ok)
	require.InDelta(t, 1.0, speed, 0.01)
}

func TestTimeToReach(t *testing.T) {
	cur := setClock(t)
	t0 := *cur

	s := New()

	s.TrackProgress("p1", 0)
	*cur = t0.Add(time.Minute)
	s.TrackProgress("p1", 600) // 10 tps

	d, ok := s.GetTimeToReach("p1", 1200)
	require.True(t, ok)
	require.Equal(t, time.Minute, d)

	// Already past the target.
	d, ok = s.GetTimeToReach("p1", 500)
	require.True(t, ok)
	require.Zero(t, d)

	// Unknown projector.
	_, ok = s.GetTimeToReach("p2", 100)
	require.False(t, ok)

	// Stalled projector.
	s.TrackProgress("p3", 5)
	*cur = t0.Add(2 * time.Minute)
	s.TrackProgress("p3", 5)
	_, ok = s.GetTimeToReach("p3", 100)
	require.False(t, ok)
}

func TestLastCheckpoint(t *testing.T) {
	cur := setClock(t)

	s := New()

	_, _, ok := s.LastCheckpoint("p1")
	require.False(t, ok)

	s.TrackProgress("p1", 42)

	ck, at, ok := s.LastCheckpoint("p1")
	require.True(t, ok)
	require.Equal(t, int64(42), ck)
	require.Equal(t, *cur, at)
}

func TestProperties(t *testing.T) {
	setClock(t)

	s := New()

	s.SetProperty("p1", "mode", "bootstrap")
	s.SetProperty("p1", "mode", "live")
	s.SetProperty("p1", "source", "orders")

	props := s.Properties("p1")
	require.Len(t, props, 2)
	require.Equal(t, "live", props["mode"].Value)
	require.Equal(t, "orders", props["source"].Value)

	require.Empty(t, s.Properties("p2"))
}

func TestEventsPaging(t *testing.T) {
	setClock(t)

	s := New(WithEventLimit(5))

	for _, msg := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		s.LogEvent("p1", msg)
	}

	// Bounded to the limit, oldest dropped.
	all := s.Events("p1", 0, 10)
	require.Len(t, all, 5)
	require.Equal(t, "g", all[0].Message)
	require.Equal(t, "c", all[4].Message)

	page := s.Events("p1", 2, 2)
	require.Len(t, page, 2)
	require.Equal(t, "e", page[0].Message)
	require.Equal(t, "d", page[1].Message)

	require.Empty(t, s.Events("p1", 10, 2))
	require.Empty(t, s.Events("p2", 0, 2))
}
