// Package schedule runs configured broadcasts on cron or interval schedules.
// Each firing submits a broadcast job; the broadcast service serializes them.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pewcast/internal/services/broadcast"
	"pewcast/internal/transcode"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// Def is one scheduled broadcast.
type Def struct {
	Name    string
	Spec    string
	Text    string
	Exclude string // target key
}

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Shanghai"
	Defs     []Def
}

// Submitter queues a broadcast; *broadcast.Service implements it.
type Submitter interface {
	Submit(task broadcast.Task) string
}

type Info struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
	Last string // job id of the last submission
}

type entry struct {
	def  Def
	id   cron.EntryID
	last string
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	submit Submitter

	c       *cron.Cron
	entries map[string]*entry
	now     func() time.Time
}

func New(cfg Config, submit Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, submit: submit, log: log, entries: map[string]*entry{}, now: time.Now}
}

// Validate checks every definition without touching the running schedule.
func Validate(cfg Config) error {
	seen := map[string]bool{}
	for i, d := range cfg.Defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return fmt.Errorf("schedules[%d]: name required", i)
		}
		if seen[name] {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if _, err := ParseSchedule(d.Spec); err != nil {
			return fmt.Errorf("schedules[%d] %q: %w", i, name, err)
		}
		if strings.TrimSpace(d.Text) == "" {
			return fmt.Errorf("schedules[%d] %q: text required", i, name)
		}
		if d.Exclude != "" {
			if _, err := transport.ParseTarget(d.Exclude); err != nil {
				return fmt.Errorf("schedules[%d] %q: exclude: %w", i, name, err)
			}
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone %q: %w", tz, err)
		}
	}
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.Int("schedules", len(s.entries)))

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()
}

func (s *Service) startLocked() {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("unknown timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(loc),
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.entries = map[string]*entry{}
	for _, d := range s.cfg.Defs {
		if err := s.addLocked(d); err != nil {
			s.log.Warn("schedule rejected", logx.String("name", d.Name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply replaces the configuration. A running scheduler is rebuilt.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		return
	}
	old := s.c
	s.c = nil
	old.Stop()
	s.entries = map[string]*entry{}
	if cfg.Enabled {
		s.startLocked()
		s.log.Info("scheduler reloaded", logx.Int("schedules", len(s.entries)))
	}
}

func (s *Service) addLocked(d Def) error {
	p, err := ParseSchedule(d.Spec)
	if err != nil {
		return err
	}
	sched, err := p.Schedule()
	if err != nil {
		return err
	}
	e := &entry{def: d}
	e.id = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))
	s.entries[d.Name] = e
	s.log.Debug("schedule registered", logx.String("name", d.Name), logx.String("spec", p.String()))
	return nil
}

func (s *Service) fire(e *entry) {
	task := broadcast.Task{
		Name:        "schedule:" + e.def.Name,
		Content:     transcode.FromText(e.def.Text),
		ScheduledAt: s.now(),
	}
	if e.def.Exclude != "" {
		if t, err := transport.ParseTarget(e.def.Exclude); err == nil {
			task.Exclude = &t
		}
	}
	id := s.submit.Submit(task)

	s.mu.Lock()
	e.last = id
	s.mu.Unlock()
	s.log.Info("scheduled broadcast submitted", logx.String("name", e.def.Name), logx.String("job", id))
}

// RunNow fires the named schedule immediately.
func (s *Service) RunNow(name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown schedule %q", name)
	}
	s.fire(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.last, nil
}

// Snapshot lists registered schedules by name with their next run.
func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.entries))
	for name, e := range s.entries {
		info := Info{Name: name, Spec: e.def.Spec, Last: e.last}
		if s.c != nil {
			ce := s.c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
