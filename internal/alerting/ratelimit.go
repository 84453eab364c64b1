package alerting

import (
	"sync"
	"time"
)

// minuteLimiter caps sends per wall-clock minute. The counter resets on
// minute boundaries, not on a sliding window.
type minuteLimiter struct {
	limit int

	mu     sync.Mutex
	minute int64
	count  int

	now func() time.Time
}

func newMinuteLimiter(limit int) *minuteLimiter {
	return &minuteLimiter{limit: limit, now: time.Now}
}

// Allow consumes one send slot if the current minute has capacity.
func (l *minuteLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	minute := l.now().Unix() / 60
	if minute != l.minute {
		l.minute = minute
		l.count = 0
	}
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}
