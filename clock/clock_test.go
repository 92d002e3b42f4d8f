package clock

import (
	"testing"
	"time"
)

func TestManualClock_WaitReleasedByAdvance(t *testing.T) {
	c := NewManualClock(0)
	w := c.NewSingleShot(100)

	done := make(chan Return, 1)
	go func() {
		ret, _ := w.Wait()
		done <- ret
	}()

	if !c.WaitForPending(1, time.Second) {
		t.Fatal("wait never blocked")
	}
	c.Advance(50)
	select {
	case ret := <-done:
		t.Fatalf("wait returned %s before target", ret)
	case <-time.After(20 * time.Millisecond):
	}

	c.Advance(50)
	select {
	case ret := <-done:
		if ret != OK {
			t.Errorf("ret = %s, want ok", ret)
		}
	case <-time.After(time.Second):
		t.Fatal("wait not released at target")
	}
}

func TestManualClock_Early(t *testing.T) {
	c := NewManualClock(500)
	ret, jitter := c.NewSingleShot(200).Wait()
	if ret != Early || jitter != 300 {
		t.Errorf("got %s jitter=%d, want early jitter=300", ret, jitter)
	}
}

func TestManualClock_Unschedule(t *testing.T) {
	c := NewManualClock(0)
	w := c.NewSingleShot(1000)

	done := make(chan Return, 1)
	go func() {
		ret, _ := w.Wait()
		done <- ret
	}()
	if !c.WaitForPending(1, time.Second) {
		t.Fatal("wait never blocked")
	}
	w.Unschedule()

	select {
	case ret := <-done:
		if ret != Unscheduled {
			t.Errorf("ret = %s, want unscheduled", ret)
		}
	case <-time.After(time.Second):
		t.Fatal("unschedule did not wake the waiter")
	}

	if ret, _ := w.Wait(); ret != Unscheduled {
		t.Errorf("second Wait = %s, want unscheduled", ret)
	}
}

func TestSystemClock_Monotonic(t *testing.T) {
	c := NewSystemClock()
	a := c.Now()
	b := c.Now()
	if b < a {
		t.Errorf("clock went backwards: %d then %d", a, b)
	}
}

func TestSystemClock_WaitAndUnschedule(t *testing.T) {
	c := NewSystemClock()

	ret, _ := c.NewSingleShot(c.Now() + int64(5*time.Millisecond)).Wait()
	if ret != OK {
		t.Errorf("short wait = %s, want ok", ret)
	}

	if ret, _ := c.NewSingleShot(c.Now() - 1).Wait(); ret != Early {
		t.Errorf("past target = %s, want early", ret)
	}

	w := c.NewSingleShot(c.Now() + int64(time.Hour))
	go func() {
		time.Sleep(10 * time.Millisecond)
		w.Unschedule()
		w.Unschedule()
	}()
	if ret, _ := w.Wait(); ret != Unscheduled {
		t.Errorf("long wait = %s, want unscheduled", ret)
	}
}
