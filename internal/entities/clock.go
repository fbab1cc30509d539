package entities

import "time"

// SystemClock implements Clock using the wall clock.
type SystemClock struct{}

// NowMs returns the current time in Unix milliseconds.
func (SystemClock) NowMs() int64 {
	return time.Now().UnixMilli()
}
