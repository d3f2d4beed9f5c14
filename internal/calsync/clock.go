package calsync

import (
	"strings"
	"sync"
)

// Clock is a per-device logical timestamp. Counters advance Lamport-style, so
// a clock observed from another device is always ordered before the next
// local tick. Ties on Counter are broken by DeviceID.
type Clock struct {
	DeviceID string `json:"deviceId"`
	Counter  uint64 `json:"counter"`
}

func (c Clock) IsZero() bool {
	return c.DeviceID == "" && c.Counter == 0
}

// Compare returns -1, 0 or 1.
func (c Clock) Compare(other Clock) int {
	switch {
	case c.Counter < other.Counter:
		return -1
	case c.Counter > other.Counter:
		return 1
	}
	return strings.Compare(c.DeviceID, other.DeviceID)
}

type LogicalClock struct {
	mu       sync.Mutex
	deviceID string
	counter  uint64
}

func NewLogicalClock(deviceID string, counter uint64) *LogicalClock {
	return &LogicalClock{deviceID: strings.TrimSpace(deviceID), counter: counter}
}

func (l *LogicalClock) DeviceID() string {
	return l.deviceID
}

func (l *LogicalClock) Tick() Clock {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	return Clock{DeviceID: l.deviceID, Counter: l.counter}
}

// Observe merges a clock seen elsewhere so the next Tick sorts after it.
func (l *LogicalClock) Observe(c Clock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c.Counter > l.counter {
		l.counter = c.Counter
	}
}

func (l *LogicalClock) Current() Clock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Clock{DeviceID: l.deviceID, Counter: l.counter}
}
