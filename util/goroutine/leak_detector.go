package goroutine

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoLeaks fails the test if the goroutine count has not returned to
// its starting value shortly after the test ends. Call it first so every
// goroutine the test starts is counted.
//
// Usage:
//
//	func TestDispatcherShutdown(t *testing.T) {
//	    goroutine.AssertNoLeaks(t)
//	    ...
//	}
func AssertNoLeaks(t testing.TB) {
	t.Helper()
	AssertNoLeaksWithin(t, 5*time.Second)
}

// AssertNoLeaksWithin is AssertNoLeaks with a custom settle time
func AssertNoLeaksWithin(t testing.TB, settle time.Duration) {
	t.Helper()
	before := runtime.NumGoroutine()

	t.Cleanup(func() {
		if WaitForCount(before, settle) {
			return
		}
		current := runtime.NumGoroutine()
		t.Errorf("goroutine leak: started with %d goroutines, ended with %d", before, current)

		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Logf("Active goroutines:\n%s", buf[:n])
	})
}

// WaitForCount polls until at most target goroutines are running. It
// reports false if the count is still higher when timeout expires.
func WaitForCount(target int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if runtime.NumGoroutine() <= target {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}
