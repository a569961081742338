package store

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerFiresAtSchedule(t *testing.T) {
	tm := NewTimer()
	defer tm.Shutdown()

	var fired int32
	done := make(chan struct{})
	tm.Schedule("e1", time.Now().Add(20*time.Millisecond), func() {
		atomic.StoreInt32(&fired, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestTimerCancelPreventsFire(t *testing.T) {
	tm := NewTimer()
	defer tm.Shutdown()

	var fired int32
	tm.Schedule("e1", time.Now().Add(30*time.Millisecond), func() {
		atomic.AddInt32(&fired, 1)
	})
	tm.Cancel("e1")

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestTimerRescheduleReplacesPriorAlarm(t *testing.T) {
	tm := NewTimer()
	defer tm.Shutdown()

	var count int32
	done := make(chan struct{}, 2)
	fire := func() {
		atomic.AddInt32(&count, 1)
		done <- struct{}{}
	}
	tm.Schedule("e1", time.Now().Add(5*time.Millisecond), fire)
	tm.Schedule("e1", time.Now().Add(30*time.Millisecond), fire)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&count))
}
