package goroutine

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitForCount(t *testing.T) {
	base := runtime.NumGoroutine()
	stop := make(chan struct{})
	go func() { <-stop }()

	assert.False(t, WaitForCount(base, 50*time.Millisecond))

	close(stop)
	assert.True(t, WaitForCount(base, 2*time.Second))
}

func TestAssertNoLeaks_PassesWhenGoroutinesExit(t *testing.T) {
	AssertNoLeaks(t)

	done := make(chan struct{})
	go func() { close(done) }()
	<-done
}
