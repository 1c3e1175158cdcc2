package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	fc := Fake(time.Unix(1000, 0))
	ch := fc.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatalf("After fired before Advance")
	default:
	}

	fc.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatalf("After fired one second early")
	default:
	}

	fc.Advance(time.Second)
	select {
	case got := <-ch:
		if want := time.Unix(1005, 0); !got.Equal(want) {
			t.Fatalf("fire time = %v, want %v", got, want)
		}
	default:
		t.Fatalf("After did not fire at its deadline")
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	t.Parallel()

	fc := Fake(time.Unix(0, 0))
	fired := false
	timer := fc.AfterFunc(time.Minute, func() { fired = true })

	if !timer.Stop() {
		t.Fatalf("Stop on a pending timer should report true")
	}
	if timer.Stop() {
		t.Fatalf("second Stop should report false")
	}

	fc.Advance(2 * time.Minute)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if got := fc.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d after stop and advance, want 0", got)
	}
}

func TestFakeAfterFuncOrdering(t *testing.T) {
	t.Parallel()

	fc := Fake(time.Unix(0, 0))
	var order []int
	fc.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	fc.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	fc.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	fc.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("callbacks fired in order %v, want [1 2 3]", order)
	}
}

func TestFakeTickerRepeatsAndStops(t *testing.T) {
	t.Parallel()

	fc := Fake(time.Unix(0, 0))
	ticker := fc.NewTicker(10 * time.Second)

	ticks := 0
	for i := 0; i < 3; i++ {
		fc.Advance(10 * time.Second)
		select {
		case <-ticker.C:
			ticks++
		default:
			t.Fatalf("missing tick %d", i+1)
		}
	}
	if ticks != 3 {
		t.Fatalf("ticks = %d, want 3", ticks)
	}

	ticker.Stop()
	fc.Advance(30 * time.Second)
	select {
	case <-ticker.C:
		t.Fatalf("tick delivered after Stop")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	t.Parallel()

	fc := Fake(time.Unix(0, 0))
	done := make(chan time.Time, 1)
	go func() {
		done <- <-fc.After(time.Hour)
	}()

	fc.WaitForTimers(1)
	fc.Advance(time.Hour)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("waiter never fired after Advance")
	}
}
