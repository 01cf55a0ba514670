// Package globaltime is the single clock for merge timestamps, audit rows and
// the default date windows. Tests pin it with Freeze.
package globaltime

import (
	"sync"
	"time"
)

var (
	mu      sync.RWMutex
	nowFunc = time.Now
)

func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return nowFunc()
}

func UTC() time.Time {
	return Now().UTC()
}

// Today is the current UTC day at midnight.
func Today() time.Time {
	now := UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Freeze pins the clock to t and returns a func that restores the real clock.
func Freeze(t time.Time) func() {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = func() time.Time { return t }
	return Reset
}

func Reset() {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = time.Now
}
