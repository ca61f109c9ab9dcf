package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pewcast/internal/eventbus"
	"pewcast/internal/storage"
	"pewcast/internal/targets"
	logx "pewcast/pkg/logx"
)

// Broadcast normalizes the task content, resolves its targets and distributes
// it. Nothing-to-do outcomes come back as Report.Noop; the error is reserved
// for a failing target directory.
func (s *Service) Broadcast(ctx context.Context, task Task) (Report, error) {
	start := time.Now()
	if task.ID == "" {
		task.ID = newJobID()
	}
	s.pruneStatus(start)
	s.ensureStatus(task, start)
	s.setRunning(task.ID)

	rep, err := s.broadcast(ctx, task)
	rep.JobID = task.ID
	rep.Took = time.Since(start)
	s.finish(task.ID, rep, err)

	entry := storage.AuditEntry{
		Action:     "broadcast",
		Generation: rep.Generation,
		Targets:    rep.Targets,
		OK:         rep.Result.Success,
		Fail:       rep.Result.Errors,
		Skip:       rep.Result.Skipped,
		TookMS:     rep.Took.Milliseconds(),
		MetaJSON:   taskMeta(task, rep),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.audit(ctx, entry)
	s.publish(eventbus.TypeBroadcastFinished, rep)
	return rep, err
}

func (s *Service) broadcast(ctx context.Context, task Task) (Report, error) {
	log := s.log.With(logx.String("job", task.ID))
	if task.Name != "" {
		log = log.With(logx.String("name", task.Name))
	}

	msg := s.transcoder().Message(ctx, task.Content)
	if msg.IsEmpty() {
		log.Info("broadcast content is empty; nothing sent")
		return Report{Noop: NoopEmptyMessage}, nil
	}

	candidates := task.Targets
	if candidates == nil {
		if s.deps.Directory == nil {
			return Report{}, fmt.Errorf("broadcast: no target directory configured")
		}
		var err error
		candidates, err = s.deps.Directory.ListCandidateTargets(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("broadcast: list targets: %w", err)
		}
	}

	targetSet, enabledSet := targets.Resolve(ctx, candidates, task.Exclude, s.deps.Flags)
	rep := Report{Targets: len(targetSet), Enabled: len(enabledSet)}
	switch {
	case len(targetSet) == 0:
		log.Info("no target groups; nothing sent")
		rep.Noop = NoopNoTargets
		return rep, nil
	case len(enabledSet) == 0:
		log.Info("no enabled target groups; nothing sent", logx.Int("targets", len(targetSet)))
		rep.Noop = NoopNoEnabledTargets
		return rep, nil
	}

	s.setTotal(task.ID, len(enabledSet))
	rep.Result, rep.Generation = s.distribute(ctx, msg, enabledSet, task.ID)
	return rep, nil
}

// Submit queues task for the background worker and returns its job id.
// A full queue or a stopped service marks the job failed right away.
func (s *Service) Submit(task Task) string {
	now := time.Now()
	if task.ID == "" {
		task.ID = newJobID()
	}
	s.pruneStatus(now)
	s.ensureStatus(task, now)

	s.mu.Lock()
	q := s.queue
	running := s.stopCh != nil
	s.mu.Unlock()

	if !running {
		s.log.Warn("broadcast service not running; dropping job", logx.String("job", task.ID), logx.String("name", task.Name))
		s.finish(task.ID, Report{}, fmt.Errorf("service not running"))
		return task.ID
	}
	select {
	case q <- task:
		s.log.Debug("broadcast job enqueued", logx.String("job", task.ID), logx.String("name", task.Name), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
	default:
		s.log.Warn("broadcast queue full; dropping job", logx.String("job", task.ID), logx.String("name", task.Name), logx.Int("queue_cap", cap(q)))
		s.finish(task.ID, Report{}, fmt.Errorf("queue full"))
	}
	return task.ID
}

func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	return *st, true
}

func newJobID() string { return "bc:" + uuid.NewString() }

func (s *Service) publish(typ string, data any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func (s *Service) audit(ctx context.Context, e storage.AuditEntry) {
	st := s.deps.Store
	if st == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := st.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func taskMeta(task Task, rep Report) string {
	meta := map[string]any{"job": task.ID}
	if task.Name != "" {
		meta["name"] = task.Name
	}
	if task.Exclude != nil {
		meta["exclude"] = task.Exclude.Key()
	}
	if rep.Noop != NoopNone {
		meta["noop"] = string(rep.Noop)
	}
	if !task.ScheduledAt.IsZero() {
		meta["scheduled_at"] = task.ScheduledAt.Format(time.RFC3339)
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(b)
}
