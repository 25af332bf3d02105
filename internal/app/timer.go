package app

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

const tickInterval = time.Second

// questionTimer counts down a single answer window. It ticks once per second and
// stops itself once the tick callback reports the window is over.
type questionTimer struct {
	question int
	deadline time.Time
	cancel   context.CancelFunc
}

// startQuestionTimer arms the ticker before returning so that a fake clock advanced
// right after the call is observed by the timer.
func startQuestionTimer(clock clockwork.Clock, question int, limit time.Duration, tick func(t *questionTimer) bool) *questionTimer {
	ctx, cancel := context.WithCancel(context.Background())
	t := &questionTimer{
		question: question,
		deadline: clock.Now().Add(limit),
		cancel:   cancel,
	}
	ticker := clock.NewTicker(tickInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if tick(t) {
					cancel()
					return
				}
			}
		}
	}()
	return t
}

func (t *questionTimer) stop() {
	if t != nil {
		t.cancel()
	}
}

// remaining rounds the time left up to whole seconds and floors at zero. Ticks dropped
// by a slow receiver only delay the update, they never skew the countdown.
func (t *questionTimer) remaining(now time.Time) int {
	left := t.deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}
