package broadcast

import (
	"context"
	"time"

	logx "pewcast/pkg/logx"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeError
	outcomeSkip
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Task) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case task := <-queue:
			s.execTask(ctx, task)
		}
	}
}

func (s *Service) execTask(ctx context.Context, task Task) {
	if wait := time.Until(task.ScheduledAt); wait > 0 {
		s.log.Debug("broadcast job waiting for its slot", logx.String("job", task.ID), logx.Duration("wait", wait))
		if err := s.pause(ctx, wait); err != nil {
			s.finish(task.ID, Report{}, err)
			return
		}
	}
	rep, err := s.Broadcast(ctx, task)
	if err != nil {
		s.log.Error("broadcast job failed", logx.String("job", task.ID), logx.Err(err))
		return
	}
	fields := []logx.Field{
		logx.String("job", task.ID),
		logx.String("name", task.Name),
		logx.String("summary", rep.Summary()),
		logx.Duration("dur", rep.Took),
	}
	if rep.Result.Errors > 0 {
		s.log.Warn("broadcast job finished with failures", fields...)
	} else {
		s.log.Info("broadcast job finished", fields...)
	}
}

func (s *Service) ensureStatus(task Task, now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if _, ok := s.status[task.ID]; ok {
		return
	}
	s.status[task.ID] = &JobStatus{ID: task.ID, Name: task.Name, Total: len(task.Targets), CreatedAt: now}
}

func (s *Service) setRunning(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.StartedAt = time.Now()
		st.Running = true
	}
}

func (s *Service) setTotal(id string, n int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Total = n
	}
}

func (s *Service) markProgress(id string, o outcome) {
	if id == "" {
		return
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status[id]
	if st == nil {
		return
	}
	switch o {
	case outcomeSuccess:
		st.Success++
	case outcomeError:
		st.Failed++
	case outcomeSkip:
		st.Skipped++
	}
}

func (s *Service) finish(id string, rep Report, err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.DoneAt = time.Now()
		st.Running = false
		st.Noop = rep.Noop
		st.Generation = rep.Generation
		if err != nil {
			st.Err = err.Error()
		}
	}
}
