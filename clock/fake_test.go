package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	c.AfterFunc(time.Second, func() { order = append(order, "early") })

	c.Advance(500 * time.Millisecond)
	require.Empty(t, order)

	c.Advance(3 * time.Second)
	require.Equal(t, []string{"early", "late"}, order)
	require.Equal(t, 0, c.Pending())
}

func TestFakeTimerStopAndReset(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	c.Advance(2 * time.Second)
	require.Zero(t, fired)

	require.False(t, timer.Reset(time.Second))
	c.Advance(999 * time.Millisecond)
	require.Zero(t, fired)
	require.True(t, timer.Reset(time.Second))
	c.Advance(999 * time.Millisecond)
	require.Zero(t, fired)
	c.Advance(time.Millisecond)
	require.Equal(t, 1, fired)
}

func TestFakeTickerAndSleep(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(10 * time.Second)
	defer ticker.Stop()

	c.Advance(10 * time.Second)
	select {
	case at := <-ticker.C:
		require.Equal(t, epoch.Add(10*time.Second), at)
	default:
		t.Fatal("expected a tick")
	}

	done := make(chan struct{})
	go func() {
		c.Sleep(time.Minute)
		close(done)
	}()
	c.WaitForTimers(2)
	c.Advance(time.Minute)
	<-done
	require.Equal(t, epoch.Add(70*time.Second), c.Now())
}
