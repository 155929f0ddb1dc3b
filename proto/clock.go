package proto

import "time"

// Clock is injected everywhere the engine needs wall-clock time, so tests
// can drive idle-timeout and expectation-expiry logic deterministically.
// Grounded on the teacher's pcap/clock.go clockWrapper/realClock split.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production Clock, backed by time.Now.
var RealClock Clock = realClock{}
