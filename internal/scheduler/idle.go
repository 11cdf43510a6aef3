package scheduler

import (
	"context"
	"time"

	"github.com/commontoolsinc/reactor/internal/metrics"
)

// Idle returns once dirty is empty and outstandingCommits is empty (spec
// §4.5's idle-barrier invariant, §8 invariant 4). A zero timeout waits
// indefinitely (bounded only by ctx); a positive timeout resolves with
// TimedOut set and a snapshot of the outstanding commit count if it
// elapses first, without altering scheduler state (spec §5).
func (s *Scheduler) Idle(ctx context.Context, timeout time.Duration) IdleResult {
	resultCh := make(chan IdleResult, 1)

	select {
	case s.idleCh <- idleRequest{resultCh: resultCh}:
	case <-ctx.Done():
		return IdleResult{Err: ctx.Err()}
	}

	start := time.Now()
	var timer *time.Timer
	var timerCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case res := <-resultCh:
		metrics.IdleWaitDuration.Observe(time.Since(start).Seconds())
		return res
	case <-timerCh:
		metrics.IdleTimeouts.Inc()
		return IdleResult{TimedOut: true, OutstandingCommits: int(s.outstandingCount.Load())}
	case <-ctx.Done():
		return IdleResult{Err: ctx.Err()}
	}
}

func (s *Scheduler) handleIdleRequest(req idleRequest) {
	if s.dirty.len() == 0 && len(s.outstandingCommits) == 0 {
		req.resultCh <- IdleResult{}
		return
	}
	s.idleWaiters = append(s.idleWaiters, req)
}

func (s *Scheduler) resolveIdleWaiters() {
	waiters := s.idleWaiters
	s.idleWaiters = nil
	for _, w := range waiters {
		select {
		case w.resultCh <- IdleResult{}:
		default:
		}
	}
}
